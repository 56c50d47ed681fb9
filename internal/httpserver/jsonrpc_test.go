package httpserver

import (
	"encoding/json"
	"testing"

	kerr "github.com/CedrosPay/kora-server/internal/errors"
)

func TestDecodeParamsEmpty(t *testing.T) {
	var dest struct{ Foo string }
	if err := decodeParams(nil, &dest); err != nil {
		t.Fatalf("decodeParams(nil) error = %v, want nil", err)
	}
	if err := decodeParams(json.RawMessage("null"), &dest); err != nil {
		t.Fatalf("decodeParams(null) error = %v, want nil", err)
	}
}

func TestDecodeParamsValid(t *testing.T) {
	var dest struct {
		Transaction string `json:"transaction"`
	}
	raw := json.RawMessage(`{"transaction":"abc"}`)
	if err := decodeParams(raw, &dest); err != nil {
		t.Fatalf("decodeParams() error = %v", err)
	}
	if dest.Transaction != "abc" {
		t.Errorf("Transaction = %q, want %q", dest.Transaction, "abc")
	}
}

func TestDecodeParamsUnknownField(t *testing.T) {
	var dest struct {
		Transaction string `json:"transaction"`
	}
	raw := json.RawMessage(`{"transaction":"abc","bogus":1}`)
	if err := decodeParams(raw, &dest); err == nil {
		t.Fatal("decodeParams() with unknown field: want error, got nil")
	}
}

func TestDecodeParamsMalformed(t *testing.T) {
	var dest struct{}
	if err := decodeParams(json.RawMessage(`{`), &dest); err == nil {
		t.Fatal("decodeParams() with malformed JSON: want error, got nil")
	}
}

func TestClassifyForMetrics(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"kora error", kerr.InvalidRequest("bad"), string(kerr.ErrCodeInvalidRequest)},
		{"plain error", errStr("boom"), "internal_server_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifyForMetrics(tt.err); got != tt.want {
				t.Errorf("classifyForMetrics() = %q, want %q", got, tt.want)
			}
		})
	}
}

type errStr string

func (e errStr) Error() string { return string(e) }
