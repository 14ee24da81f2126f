package router

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassifyPassesThroughFaults(t *testing.T) {
	slip := Slippage("raydium", "price moved %s%%", "2.5")
	wrapped := fmt.Errorf("execute: %w", slip)

	got := Classify(wrapped)
	if got != slip {
		t.Fatalf("expected the original fault, got %#v", got)
	}
	if got.Kind != FaultSlippage {
		t.Fatalf("expected slippage, got %s", got.Kind)
	}
	if got.Message() != "price moved 2.5%" {
		t.Fatalf("unexpected message %q", got.Message())
	}
}

func TestClassifyTreatsUnknownErrorsAsTransient(t *testing.T) {
	cases := []error{
		errors.New("connection reset by peer"),
		context.DeadlineExceeded,
		&Fault{Kind: 0, Reason: "untagged"},
	}
	for _, err := range cases {
		got := Classify(err)
		if got == nil || got.Kind != FaultTransient {
			t.Fatalf("expected transient for %v, got %#v", err, got)
		}
	}
	if Classify(nil) != nil {
		t.Fatal("nil error must classify to nil")
	}
}

func TestTransientFaultUnwraps(t *testing.T) {
	root := errors.New("rpc timeout")
	f := Transient("meteora", root)
	if !errors.Is(f, root) {
		t.Fatal("expected transient fault to unwrap to its cause")
	}
	if f.Message() != "rpc timeout" {
		t.Fatalf("unexpected message %q", f.Message())
	}
	if want := "router transient fault venue=meteora: rpc timeout"; f.Error() != want {
		t.Fatalf("expected %q, got %q", want, f.Error())
	}
}

func TestFaultKindString(t *testing.T) {
	want := map[FaultKind]string{
		FaultTransient: "transient",
		FaultSlippage:  "slippage",
		FaultFatal:     "fatal",
		FaultKind(42):  "unknown",
	}
	for kind, expected := range want {
		if kind.String() != expected {
			t.Fatalf("kind %d: expected %q, got %q", kind, expected, kind.String())
		}
	}
}
