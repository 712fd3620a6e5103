package smp

import (
	"bytes"
	"testing"
)

type kdSide struct {
	chn   *fakeChannel
	del   *fakeDelegate
	rec   *failRecorder
	phase *keyDistribution

	data        *PairingData
	distributed *LinkKey
}

func newKDSide(role Role, localKeys, remoteKeys byte, keySize int, scLTK *LTK) *kdSide {
	s := &kdSide{
		chn: &fakeChannel{},
		del: &fakeDelegate{},
		rec: &failRecorder{},
	}
	if localKeys&keyDistIDKey != 0 {
		id := IdentityInfo{Address: addrA}
		if role == RoleResponder {
			id.Address = addrB
		}
		id.IRK[0] = byte(role) + 1
		s.del.identity = &id
	}
	features := PairingFeatures{
		LocalInitiator:    role == RoleInitiator,
		Method:            MethodJustWorks,
		EncryptionKeySize: keySize,
		LocalKeys:         localKeys,
		RemoteKeys:        remoteKeys,
		WillBond:          true,
	}
	pp := newPairingPhase(s.chn, s.del, role, LinkTypeLE, testLogger())
	s.phase = newKeyDistribution(pp, s.rec.hook(), features, scLTK,
		func(data PairingData, distributed *LinkKey) {
			s.data = &data
			s.distributed = distributed
		})
	return s
}

// shuttleKeys drains the responder's queue into the initiator and
// vice versa until both run dry.
func shuttleKeys(t *testing.T, init, resp *kdSide) {
	t.Helper()
	for len(init.chn.sent)+len(resp.chn.sent) > 0 {
		if len(resp.chn.sent) > 0 {
			init.phase.handle(resp.chn.pop(t))
			continue
		}
		resp.phase.handle(init.chn.pop(t))
	}
}

func TestKeyDistributionFullExchange(t *testing.T) {
	all := keyDistEncKey | keyDistIDKey | keyDistSignKey
	init := newKDSide(RoleInitiator, all, all, 16, nil)
	resp := newKDSide(RoleResponder, all, all, 16, nil)

	init.phase.start()
	if len(init.chn.sent) != 0 {
		t.Fatal("initiator distributed before the responder")
	}
	resp.phase.start()
	if len(resp.chn.sent) != 5 {
		t.Fatalf("responder sent %d pdus, want 5", len(resp.chn.sent))
	}
	shuttleKeys(t, init, resp)

	if init.data == nil || resp.data == nil {
		t.Fatal("distribution did not complete")
	}
	if init.data.LTK == nil || resp.data.LTK == nil {
		t.Fatal("missing ltk")
	}
	// Both sides encrypt reconnections with the responder-distributed
	// key.
	if !bytes.Equal(init.data.LTK.Key.Value[:], resp.data.LTK.Key.Value[:]) {
		t.Fatal("reconnection keys differ")
	}
	if init.data.LTK.Key.EDiv != resp.data.LTK.Key.EDiv ||
		init.data.LTK.Key.Rand != resp.data.LTK.Key.Rand {
		t.Fatal("ediv/rand differ")
	}
	if resp.distributed == nil || !bytes.Equal(resp.distributed.Value[:], resp.data.LTK.Key.Value[:]) {
		t.Fatal("responder did not record its distributed key")
	}

	if init.data.IdentityAddress == nil || *init.data.IdentityAddress != addrB {
		t.Fatalf("initiator identity address = %v, want %v", init.data.IdentityAddress, addrB)
	}
	if resp.data.IdentityAddress == nil || *resp.data.IdentityAddress != addrA {
		t.Fatalf("responder identity address = %v, want %v", resp.data.IdentityAddress, addrA)
	}
	if init.data.IRK == nil || init.data.IRK.Value != resp.del.identity.IRK {
		t.Fatal("initiator got wrong irk")
	}
	if init.data.CSRK == nil || resp.data.CSRK == nil {
		t.Fatal("missing csrk")
	}
}

func TestKeyDistributionMasksShortKey(t *testing.T) {
	init := newKDSide(RoleInitiator, 0, keyDistEncKey, 10, nil)
	resp := newKDSide(RoleResponder, keyDistEncKey, 0, 10, nil)

	init.phase.start()
	resp.phase.start()
	shuttleKeys(t, init, resp)

	if init.data == nil || init.data.LTK == nil {
		t.Fatal("distribution did not complete")
	}
	key := init.data.LTK.Key.Value
	for i := 10; i < 16; i++ {
		if key[i] != 0 {
			t.Fatalf("byte %d of masked key is %#02x", i, key[i])
		}
	}
	var zero [10]byte
	if bytes.Equal(key[:10], zero[:]) {
		t.Fatal("key low bytes all zero")
	}
}

func TestKeyDistributionSecureConnectionsSkipsEncKey(t *testing.T) {
	scLTK := &LTK{Security: SecurityProperties{Level: SecurityLevelSecureAuthenticated}}
	scLTK.Key.Value[0] = 0x5A

	init := newKDSide(RoleInitiator, 0, keyDistIDKey, 16, scLTK)
	resp := newKDSide(RoleResponder, keyDistIDKey, 0, 16, nil)

	init.phase.start()
	resp.phase.start()
	if len(resp.chn.sent) != 2 {
		t.Fatalf("responder sent %d pdus, want identity pair only", len(resp.chn.sent))
	}
	shuttleKeys(t, init, resp)

	if init.data == nil {
		t.Fatal("distribution did not complete")
	}
	if init.data.LTK != scLTK {
		t.Fatal("key agreement ltk not carried through")
	}
	if init.data.IdentityAddress == nil {
		t.Fatal("missing identity address")
	}
}

func TestKeyDistributionLinkKeyBitHasNoPDU(t *testing.T) {
	init := newKDSide(RoleInitiator, keyDistLinkKey, keyDistLinkKey, 16, nil)
	init.phase.start()

	if len(init.chn.sent) != 0 {
		t.Fatal("link key bit produced a distribution pdu")
	}
	if init.data == nil {
		t.Fatal("phase did not complete immediately")
	}
	if init.data.LTK != nil {
		t.Fatal("unexpected ltk")
	}
}

func TestKeyDistributionMasterIdentBeforeEncInfo(t *testing.T) {
	init := newKDSide(RoleInitiator, 0, keyDistEncKey, 16, nil)
	init.phase.start()

	init.phase.handle(newPDU(masterIdentification))
	expectFailedPDU(t, init.chn.pop(t), ReasonUnspecified)
	if len(init.rec.errs) != 1 {
		t.Fatal("failure hook not invoked")
	}
}

func TestKeyDistributionAddressBeforeIRK(t *testing.T) {
	init := newKDSide(RoleInitiator, 0, keyDistIDKey, 16, nil)
	init.phase.start()

	init.phase.handle(newPDU(identityAddrInformation))
	expectFailedPDU(t, init.chn.pop(t), ReasonUnspecified)
}

func TestKeyDistributionUnexpectedKey(t *testing.T) {
	init := newKDSide(RoleInitiator, 0, keyDistEncKey, 16, nil)
	init.phase.start()

	init.phase.handle(newPDU(signingInformation))
	expectFailedPDU(t, init.chn.pop(t), ReasonUnspecified)
}

func TestKeyDistributionDuplicateKey(t *testing.T) {
	init := newKDSide(RoleInitiator, 0, keyDistEncKey|keyDistSignKey, 16, nil)
	init.phase.start()

	init.phase.handle(newPDU(signingInformation))
	init.phase.handle(newPDU(signingInformation))
	expectFailedPDU(t, init.chn.pop(t), ReasonUnspecified)
}

func TestKeyDistributionRejectsPairingPDU(t *testing.T) {
	init := newKDSide(RoleInitiator, 0, keyDistEncKey, 16, nil)
	init.phase.start()

	init.phase.handle(newPDU(pairingConfirm))
	expectFailedPDU(t, init.chn.pop(t), ReasonCommandNotSupported)
}

func TestKeyDistributionIdentityWithdrawn(t *testing.T) {
	resp := newKDSide(RoleResponder, keyDistIDKey, 0, 16, nil)
	resp.del.identity = nil

	resp.phase.start()
	expectFailedPDU(t, resp.chn.pop(t), ReasonUnspecified)
	if len(resp.rec.errs) != 1 {
		t.Fatal("failure hook not invoked")
	}
}
