package katportal

import (
	"encoding/json"
	"testing"
)

func TestRequestIdentityIgnoresID(t *testing.T) {
	first := NewJSONRPCRequest("subscribe", []interface{}{"alerts", "*"})
	second := NewJSONRPCRequest("subscribe", []interface{}{"alerts", "*"})

	if first.ID == second.ID {
		t.Fatalf("expected unique request ids, got %q twice", first.ID)
	}
	if first.identity() != second.identity() {
		t.Fatalf("expected equal identities, got %q and %q", first.identity(), second.identity())
	}

	other := NewJSONRPCRequest("subscribe", []interface{}{"alerts", "anc_*"})
	if first.identity() == other.identity() {
		t.Fatalf("expected different identities for different params")
	}
}

func TestRequestPayloadShape(t *testing.T) {
	req := NewJSONRPCRequest("set_sampling_strategy", []interface{}{"ns", "anc_mean_wind_speed", "period 1.0", false})
	payload, err := req.payload()
	if err != nil {
		t.Fatalf("unexpected payload error: %v", err)
	}

	var decoded struct {
		JSONRPC string        `json:"jsonrpc"`
		ID      string        `json:"id"`
		Method  string        `json:"method"`
		Params  []interface{} `json:"params"`
	}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("payload is not valid JSON: %v", err)
	}
	if decoded.JSONRPC != "2.0" {
		t.Fatalf("expected jsonrpc 2.0, got %q", decoded.JSONRPC)
	}
	if decoded.ID != req.ID {
		t.Fatalf("expected id %q, got %q", req.ID, decoded.ID)
	}
	if decoded.Method != "set_sampling_strategy" {
		t.Fatalf("unexpected method %q", decoded.Method)
	}
	if len(decoded.Params) != 4 || decoded.Params[0] != "ns" {
		t.Fatalf("unexpected params %+v", decoded.Params)
	}
}

func TestRequestParamAt(t *testing.T) {
	req := NewJSONRPCRequest("subscribe", []interface{}{"alerts", []string{"a", "b"}})

	if got := req.paramAt(0); got != `"alerts"` {
		t.Fatalf("unexpected param 0: %q", got)
	}
	if got := req.paramAt(1); got != `["a","b"]` {
		t.Fatalf("unexpected param 1: %q", got)
	}
	if got := req.paramAt(2); got != "" {
		t.Fatalf("expected empty encoding for missing param, got %q", got)
	}
}
