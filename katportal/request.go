package katportal

import (
	"encoding/json"

	"github.com/google/uuid"
)

// JSONRPCRequest is a single JSON-RPC call sent over the websocket channel.
// Requests are immutable after construction; the id is unique per request,
// while identity for deduplication purposes is derived from the method and
// params only.
type JSONRPCRequest struct {
	Method string
	Params []interface{}
	ID     string
}

// NewJSONRPCRequest returns a new JSONRPCRequest with a unique id.
func NewJSONRPCRequest(method string, params []interface{}) *JSONRPCRequest {
	return &JSONRPCRequest{
		Method: method,
		Params: params,
		ID:     uuid.NewString(),
	}
}

func (req *JSONRPCRequest) payload() ([]byte, error) {
	return json.Marshal(struct {
		JSONRPC string        `json:"jsonrpc"`
		ID      string        `json:"id"`
		Method  string        `json:"method"`
		Params  []interface{} `json:"params"`
	}{
		JSONRPC: "2.0",
		ID:      req.ID,
		Method:  req.Method,
		Params:  req.Params,
	})
}

// identity keys the request by method and params, excluding the id. Two
// requests with identical methods and params have equal identities.
func (req *JSONRPCRequest) identity() string {
	return req.Method + "\x00" + req.paramsIdentity()
}

// paramsIdentity is the canonical JSON encoding of the params sequence.
func (req *JSONRPCRequest) paramsIdentity() string {
	params, err := json.Marshal(req.Params)
	if err != nil {
		return ""
	}
	return string(params)
}

// paramAt returns the canonical JSON encoding of the param at index, or ""
// when the request has fewer params.
func (req *JSONRPCRequest) paramAt(index int) string {
	if index >= len(req.Params) {
		return ""
	}
	encoded, err := json.Marshal(req.Params[index])
	if err != nil {
		return ""
	}
	return string(encoded)
}
