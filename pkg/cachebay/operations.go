package cachebay

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lockvoid/cachebay/pkg/materialize"
	"github.com/lockvoid/cachebay/pkg/plan"
)

// OperationRequest describes one executable operation.
type OperationRequest struct {
	Plan      *plan.Plan
	Query     string
	Variables map[string]any
	// Policy overrides the client's cache policy for this operation.
	Policy CachePolicy
}

func (c *Client) policyFor(req OperationRequest) CachePolicy {
	if req.Policy != "" {
		return req.Policy
	}
	return c.cfg.CachePolicy
}

func (c *Client) canonicalRead(req OperationRequest) *materialize.Result {
	return c.mat.Materialize(materialize.Request{
		Plan:        req.Plan,
		Variables:   req.Variables,
		Canonical:   true,
		Fingerprint: true,
		UpdateCache: true,
	})
}

// ExecuteQuery runs a query through the configured policy: serve from cache,
// fetch over transport, or both. Network results are normalized and fanned
// out to watchers by signature.
func (c *Client) ExecuteQuery(ctx context.Context, req OperationRequest) (*materialize.Result, error) {
	if err := c.checkDisposed(); err != nil {
		return nil, err
	}
	policy := c.policyFor(req)
	signature := req.Plan.MakeSignature(true, req.Variables)

	var cached *materialize.Result
	if policy != NetworkOnly {
		cached = c.canonicalRead(req)
	}

	switch policy {
	case CacheOnly:
		if cached != nil && cached.OK {
			return cached, nil
		}
		err := &CacheMissError{Misses: cached.Misses}
		c.hub.NotifyError(signature, err)
		return nil, err

	case CacheFirst:
		if cached != nil && cached.OK && len(cached.Misses) == 0 {
			return cached, nil
		}
		return c.fetch(ctx, req, signature)

	case CacheAndNetwork:
		if cached != nil && cached.OK {
			if c.inHydrationWindow() && len(cached.Misses) == 0 {
				// Freshly hydrated and complete; skip the refetch.
				return cached, nil
			}
			// Serve the cache now; the fetch refreshes watchers when it
			// lands.
			go func() {
				if _, err := c.fetch(context.WithoutCancel(ctx), req, signature); err != nil {
					c.logger.Debug("background refetch failed", zap.Error(err))
				}
			}()
			return cached, nil
		}
		return c.fetch(ctx, req, signature)

	default: // NetworkOnly
		return c.fetch(ctx, req, signature)
	}
}

// fetch performs the transport round trip, deduplicated per signature, then
// normalizes and fans out.
func (c *Client) fetch(ctx context.Context, req OperationRequest, signature string) (*materialize.Result, error) {
	if c.cfg.Transport == nil || c.cfg.Transport.HTTP == nil {
		err := &TransportError{Signature: signature, Err: ErrConfiguration}
		c.hub.NotifyError(signature, err)
		return nil, err
	}

	v, err, _ := c.flights.Do(signature, func() (any, error) {
		fetchCtx := ctx
		if c.cfg.SuspensionTimeout > 0 {
			var cancel context.CancelFunc
			fetchCtx, cancel = context.WithTimeout(ctx, c.cfg.SuspensionTimeout)
			defer cancel()
		}
		raw, err := c.cfg.Transport.HTTP(fetchCtx, Request{
			Query:         req.Query,
			OperationName: req.Plan.Name,
			Variables:     req.Variables,
			Plan:          req.Plan,
		})
		if err != nil {
			return nil, err
		}
		if err := fetchCtx.Err(); err != nil {
			// The fetch outlived its context; drop the stale result.
			return nil, err
		}
		data, err := decodeResponse(raw)
		if err != nil {
			return nil, err
		}
		c.norm.Normalize(req.Plan, req.Variables, data, "")
		res := c.canonicalRead(req)
		c.hub.NotifyData(signature, res)
		return res, nil
	})
	if err != nil {
		terr := &TransportError{Signature: signature, Err: err}
		c.hub.NotifyError(signature, terr)
		return nil, terr
	}
	return v.(*materialize.Result), nil
}

// ExecuteMutation always goes to the network, normalizes under the mutation
// root, and returns the materialized result.
func (c *Client) ExecuteMutation(ctx context.Context, req OperationRequest) (*materialize.Result, error) {
	if err := c.checkDisposed(); err != nil {
		return nil, err
	}
	signature := req.Plan.MakeSignature(false, req.Variables)
	if c.cfg.Transport == nil || c.cfg.Transport.HTTP == nil {
		return nil, &TransportError{Signature: signature, Err: ErrConfiguration}
	}

	fetchCtx := ctx
	if c.cfg.SuspensionTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, c.cfg.SuspensionTimeout)
		defer cancel()
	}
	raw, err := c.cfg.Transport.HTTP(fetchCtx, Request{
		Query:         req.Query,
		OperationName: req.Plan.Name,
		Variables:     req.Variables,
		Plan:          req.Plan,
	})
	if err != nil {
		return nil, &TransportError{Signature: signature, Err: err}
	}
	if err := fetchCtx.Err(); err != nil {
		return nil, &TransportError{Signature: signature, Err: err}
	}
	data, err := decodeResponse(raw)
	if err != nil {
		return nil, &TransportError{Signature: signature, Err: err}
	}
	c.norm.Normalize(req.Plan, req.Variables, data, "")
	return c.mat.Materialize(materialize.Request{
		Plan:        req.Plan,
		Variables:   req.Variables,
		Fingerprint: true,
	}), nil
}

// ExecuteSubscription opens a streaming operation over the WS transport.
// Each payload is normalized and fanned out to watchers by signature; errors
// go to watcher onError handlers. The returned function cancels the stream.
func (c *Client) ExecuteSubscription(ctx context.Context, req OperationRequest) (func(), error) {
	if err := c.checkDisposed(); err != nil {
		return nil, err
	}
	signature := req.Plan.MakeSignature(true, req.Variables)
	if c.cfg.Transport == nil || c.cfg.Transport.WS == nil {
		err := &TransportError{Signature: signature, Err: ErrConfiguration}
		return nil, err
	}

	return c.cfg.Transport.WS(ctx, Request{
		Query:         req.Query,
		OperationName: req.Plan.Name,
		Variables:     req.Variables,
		Plan:          req.Plan,
	}, func(payload []byte, err error) {
		if err != nil {
			c.hub.NotifyError(signature, &TransportError{Signature: signature, Err: err})
			return
		}
		data, decodeErr := decodeResponse(payload)
		if decodeErr != nil {
			c.hub.NotifyError(signature, &TransportError{Signature: signature, Err: decodeErr})
			return
		}
		c.norm.Normalize(req.Plan, req.Variables, data, "")
		res := c.canonicalRead(OperationRequest{Plan: req.Plan, Variables: req.Variables})
		c.hub.NotifyData(signature, res)
	})
}

func (c *Client) inHydrationWindow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hydration.hydratedAt.IsZero() || c.cfg.HydrationTimeout <= 0 {
		return false
	}
	return time.Since(c.hydration.hydratedAt) < c.cfg.HydrationTimeout
}
