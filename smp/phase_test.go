package smp

import (
	"testing"
)

func newTestPhase(chn *fakeChannel, del *fakeDelegate, role Role, rec *failRecorder) *activePhase {
	pp := newPairingPhase(chn, del, role, LinkTypeLE, testLogger())
	a := newActivePhase(pp, rec.hook())
	return &a
}

func TestActivePhaseAbortSendsFailedOnce(t *testing.T) {
	chn := &fakeChannel{}
	del := &fakeDelegate{}
	rec := &failRecorder{}
	a := newTestPhase(chn, del, RoleInitiator, rec)

	a.abort(ReasonConfirmValueFailed)

	expectFailedPDU(t, chn.pop(t), ReasonConfirmValueFailed)
	if len(del.failures) != 1 {
		t.Fatalf("delegate failures = %d", len(del.failures))
	}
	if code, peer := ReasonOf(del.failures[0]); code != ReasonConfirmValueFailed || peer {
		t.Fatalf("failure = %v", del.failures[0])
	}
	if len(rec.errs) != 1 {
		t.Fatalf("manager hook ran %d times", len(rec.errs))
	}
}

func TestActivePhasePanicsAfterFailure(t *testing.T) {
	chn := &fakeChannel{}
	a := newTestPhase(chn, &fakeDelegate{}, RoleInitiator, &failRecorder{})
	a.abort(ReasonUnspecified)

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on use after failure")
		}
	}()
	a.checkActive()
}

func TestActivePhaseTimeoutTearsLinkDown(t *testing.T) {
	chn := &fakeChannel{}
	del := &fakeDelegate{}
	rec := &failRecorder{}
	a := newTestPhase(chn, del, RoleResponder, rec)

	a.onPairingTimeout()

	if chn.linkErrors != 1 {
		t.Fatalf("link errors = %d", chn.linkErrors)
	}
	// no pairing failed PDU after a timeout
	if len(chn.sent) != 0 {
		t.Fatalf("sent %d pdus", len(chn.sent))
	}
	if len(del.failures) != 1 || del.failures[0] != ErrTimeout {
		t.Fatalf("failures = %v", del.failures)
	}
}

func TestActivePhaseChannelClosed(t *testing.T) {
	del := &fakeDelegate{}
	rec := &failRecorder{}
	a := newTestPhase(&fakeChannel{}, del, RoleInitiator, rec)

	a.onChannelClosed()

	if len(del.failures) != 1 || del.failures[0] != ErrDisconnected {
		t.Fatalf("failures = %v", del.failures)
	}
	if len(rec.errs) != 1 || rec.errs[0] != ErrDisconnected {
		t.Fatalf("hook errs = %v", rec.errs)
	}
}

func TestOrderingFaultReasonPerTransport(t *testing.T) {
	le := newTestPhase(&fakeChannel{lt: LinkTypeLE}, &fakeDelegate{}, RoleInitiator, &failRecorder{})
	if le.orderingFault() != ReasonUnspecified {
		t.Fatalf("le fault = %v", le.orderingFault())
	}

	pp := newPairingPhase(&fakeChannel{lt: LinkTypeACL}, &fakeDelegate{}, RoleInitiator, LinkTypeACL, testLogger())
	acl := newActivePhase(pp, (&failRecorder{}).hook())
	if acl.orderingFault() != ReasonCommandNotSupported {
		t.Fatalf("acl fault = %v", acl.orderingFault())
	}
}

func TestPairingPhaseLinkTypeMismatchPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on link type mismatch")
		}
	}()
	newPairingPhase(&fakeChannel{lt: LinkTypeACL}, &fakeDelegate{}, RoleInitiator, LinkTypeLE, testLogger())
}
