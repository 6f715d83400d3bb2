package errcode

import (
	"errors"
	"fmt"
	"testing"
)

func TestCodesAreStableStrings(t *testing.T) {
	cases := map[string]error{
		"resource_unavailable":  ResourceUnavailable,
		"unsupported_operation": UnsupportedOperation,
		"transfer_failure":      TransferFailure,
		"timeout":               Timeout,
		"stopped":               Stopped,
		"overflow":              Overflow,
	}
	for want, e := range cases {
		if e == nil || e.Error() != want {
			t.Fatalf("error %q mismatch: got %#v", want, e)
		}
	}
}

func TestWrapKeepsCodeAndCause(t *testing.T) {
	cause := errors.New("nack")
	err := Wrap(TransferFailure, "i2c1/0x48", cause)

	if !errors.Is(err, TransferFailure) {
		t.Fatalf("errors.Is(TransferFailure) = false for %v", err)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("cause lost: %v", err)
	}
	if errors.Is(err, Timeout) {
		t.Fatal("unexpected match on Timeout")
	}
	if got := Of(fmt.Errorf("outer: %w", err)); got != TransferFailure {
		t.Fatalf("Of = %q, want %q", got, TransferFailure)
	}
	if err.Error() != "i2c1/0x48: transfer_failure: nack" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestOf(t *testing.T) {
	if Of(nil) != OK {
		t.Fatal("nil should map to OK")
	}
	if Of(Timeout) != Timeout {
		t.Fatal("bare code should map to itself")
	}
	if Of(errors.New("boom")) != Error {
		t.Fatal("foreign error should map to Error")
	}
	if Wrap(Busy, "op", nil) != nil {
		t.Fatal("Wrap(nil) must be nil")
	}
}
