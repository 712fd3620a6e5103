package smp

import (
	"testing"
)

func TestReasonCodeStrings(t *testing.T) {
	// Every wire code has a name; everything past the table falls
	// back to the hex form.
	for r := ReasonPasskeyEntryFailed; r <= ReasonCrossTransportNotAllowed; r++ {
		if s := r.String(); s == "" || s == "reserved" {
			t.Fatalf("code 0x%02X: %q", byte(r), s)
		}
	}
	if s := ReasonCode(0x00).String(); s != "reserved" {
		t.Fatalf("code 0x00: %q", s)
	}
	if s := ReasonCode(0x4F).String(); s != "reserved (0x4F)" {
		t.Fatalf("code 0x4F: %q", s)
	}
}

func TestErrorPeerPrefix(t *testing.T) {
	if got := reasonError(ReasonConfirmValueFailed).Error(); got != "smp: confirm value failed" {
		t.Fatalf("local error = %q", got)
	}
	if got := peerError(ReasonConfirmValueFailed).Error(); got != "smp: peer reported: confirm value failed" {
		t.Fatalf("peer error = %q", got)
	}

	code, ok := ReasonOf(peerError(ReasonUnspecified))
	if !ok || code != ReasonUnspecified {
		t.Fatalf("ReasonOf = %v, %v", code, ok)
	}
	if _, ok := ReasonOf(ErrTimeout); ok {
		t.Fatal("ReasonOf matched a non-protocol error")
	}
}
