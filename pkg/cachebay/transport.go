package cachebay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/lockvoid/cachebay/pkg/plan"
)

// Request is what transports receive for one operation.
type Request struct {
	// Query is the operation document, passed through verbatim.
	Query string
	// OperationName scopes multi-operation documents.
	OperationName string
	Variables     map[string]any
	// Plan is the compiled plan for hosts that ship plans to the edge.
	Plan *plan.Plan
}

// HTTPFunc performs one round trip and returns the raw response body.
type HTTPFunc func(ctx context.Context, req Request) ([]byte, error)

// WSFunc opens a streaming operation. Each message (or terminal error) is
// handed to emit; the returned cancel tears the stream down.
type WSFunc func(ctx context.Context, req Request, emit func(payload []byte, err error)) (cancel func(), err error)

// Transport bundles the host-provided network functions.
type Transport struct {
	HTTP HTTPFunc
	WS   WSFunc
}

// decodeResponse extracts the data tree and any errors from a raw payload.
func decodeResponse(raw []byte) (map[string]any, error) {
	if !gjson.ValidBytes(raw) {
		return nil, errors.New("response is not valid JSON")
	}
	parsed := gjson.ParseBytes(raw)

	if errsField := parsed.Get("errors"); errsField.Exists() && errsField.IsArray() {
		arr := errsField.Array()
		if len(arr) > 0 {
			msgs := make([]string, 0, len(arr))
			for _, item := range arr {
				if msg := item.Get("message"); msg.Exists() {
					msgs = append(msgs, msg.String())
				} else {
					msgs = append(msgs, item.Raw)
				}
			}
			return nil, fmt.Errorf("response errors: %s", strings.Join(msgs, "; "))
		}
	}

	dataField := parsed.Get("data")
	if !dataField.Exists() || dataField.Type == gjson.Null {
		return nil, errors.New("response has no data")
	}
	// Re-decode through encoding/json so numbers and nesting match the
	// normalizer's expected generic shapes exactly.
	var data map[string]any
	if err := json.Unmarshal([]byte(dataField.Raw), &data); err != nil {
		return nil, fmt.Errorf("decoding response data: %w", err)
	}
	return data, nil
}
