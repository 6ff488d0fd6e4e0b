package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorFormattingIncludesContextFields(t *testing.T) {
	err := New(
		"gateway",
		CodeTransport,
		WithVenue("binance"),
		WithStream("binance:futures:book"),
		WithTopic("market:orderbook_l2_delta"),
		WithSymbol("BTC-USDT"),
		WithHTTP(502),
		WithMessage("subscribe rejected"),
		WithCause(errors.New("ws closed 1006")),
	)

	out := err.Error()
	if !strings.Contains(out, "component=gateway") {
		t.Fatalf("expected component marker in error string: %s", out)
	}
	if !strings.Contains(out, "code=transport") {
		t.Fatalf("expected code marker in error string: %s", out)
	}
	if !strings.Contains(out, "venue=binance") {
		t.Fatalf("expected venue marker in error string: %s", out)
	}
	if !strings.Contains(out, "stream=binance:futures:book") {
		t.Fatalf("expected stream marker in error string: %s", out)
	}
	if !strings.Contains(out, "http=502") {
		t.Fatalf("expected http status in error string: %s", out)
	}
	if !strings.Contains(out, "message=\"subscribe rejected\"") {
		t.Fatalf("expected message in error string: %s", out)
	}
	if !strings.Contains(out, "cause=\"ws closed 1006\"") {
		t.Fatalf("expected wrapped cause in error string: %s", out)
	}
}

func TestCodeOfUnwrapsNestedEnvelopes(t *testing.T) {
	inner := New("journal", CodeStorage, WithMessage("flush failed"))
	wrapped := fmt.Errorf("batch 12: %w", inner)

	if got := CodeOf(wrapped); got != CodeStorage {
		t.Fatalf("expected storage code, got %q", got)
	}
	if !IsCode(wrapped, CodeStorage) {
		t.Fatalf("expected IsCode to match storage")
	}
	if IsCode(wrapped, CodeTransport) {
		t.Fatalf("did not expect transport code match")
	}
	if got := CodeOf(errors.New("plain")); got != "" {
		t.Fatalf("expected empty code for plain error, got %q", got)
	}
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := errors.New("disk full")
	err := New("journal", CodeStorage, WithCause(cause))
	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is to reach the cause")
	}
}

func TestNilErrorString(t *testing.T) {
	var e *E
	if got := e.Error(); got != "<nil>" {
		t.Fatalf("expected <nil> string for nil error, got %q", got)
	}
}
