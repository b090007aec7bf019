package watch

import (
	"github.com/lockvoid/cachebay/pkg/materialize"
)

// recycleValue walks two materialized trees in parallel using their
// fingerprint trees, swapping in previous references wherever subtree
// fingerprints match. Arrays are matched by fingerprint so references
// survive appends and prepends.
func recycleValue(prevData any, prevFP *materialize.FPNode, nextData any, nextFP *materialize.FPNode) any {
	if prevFP == nil || nextFP == nil {
		return nextData
	}
	if prevFP.FP == nextFP.FP {
		return prevData
	}

	switch next := nextData.(type) {
	case map[string]any:
		prev, ok := prevData.(map[string]any)
		if !ok {
			return nextData
		}
		return recycleObject(prev, prevFP, next, nextFP)
	case []any:
		prev, ok := prevData.([]any)
		if !ok {
			return nextData
		}
		return recycleArray(prev, prevFP, next, nextFP)
	default:
		return nextData
	}
}

func recycleObject(prev map[string]any, prevFP *materialize.FPNode, next map[string]any, nextFP *materialize.FPNode) any {
	out := make(map[string]any, len(next))
	for key, nextChild := range next {
		pf := prevFP.Fields[key]
		nf := nextFP.Fields[key]
		if pf == nil || nf == nil {
			out[key] = nextChild
			continue
		}
		out[key] = recycleValue(prev[key], pf, nextChild, nf)
	}
	return out
}

func recycleArray(prev []any, prevFP *materialize.FPNode, next []any, nextFP *materialize.FPNode) any {
	// Index previous items by fingerprint; duplicates queue up in order.
	byFP := make(map[uint32][]int)
	for i, node := range prevFP.Items {
		if node == nil {
			continue
		}
		byFP[node.FP] = append(byFP[node.FP], i)
	}

	out := make([]any, len(next))
	for i, nextItem := range next {
		var nf *materialize.FPNode
		if i < len(nextFP.Items) {
			nf = nextFP.Items[i]
		}
		if nf == nil {
			out[i] = nextItem
			continue
		}
		if queue, ok := byFP[nf.FP]; ok && len(queue) > 0 {
			prevIdx := queue[0]
			byFP[nf.FP] = queue[1:]
			if prevIdx < len(prev) {
				out[i] = prev[prevIdx]
				continue
			}
		}
		// No fingerprint match; recycle positionally where possible.
		if i < len(prev) && i < len(prevFP.Items) && prevFP.Items[i] != nil {
			out[i] = recycleValue(prev[i], prevFP.Items[i], nextItem, nf)
			continue
		}
		out[i] = nextItem
	}
	return out
}
