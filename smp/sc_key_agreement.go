package smp

import (
	"bytes"
	"crypto"
	"encoding/binary"
)

// scKeyAgreement runs Secure Connections Phase 2: ECDH public key
// exchange, an authentication stage 1 (numeric comparison, just works
// or 20-round passkey commitment), and the f5/f6 stage 2 that yields
// the LTK directly.
type scKeyAgreement struct {
	activePhase

	features   PairingFeatures
	preq, pres pdu
	localAddr  Address
	peerAddr   Address

	guard attemptGuard

	keys        *ecdhKeys
	peerPubKey  crypto.PublicKey
	peerPubRaw  []byte
	sentPubKey  bool
	stage1Begun bool

	passkey     uint32
	havePasskey bool
	iteration   int

	localRandom  []byte
	peerConfirm  []byte
	peerRandom   []byte
	sentConfirm  bool
	sentRandom   bool
	pendingCai   []byte // responder: confirm received before the passkey resolved
	userOK       bool
	stage1Done   bool
	macKey       []byte
	ltk          []byte
	sentDHCheck  bool
	peerDHCheck  []byte // responder: Ea received before user confirmation
	checkedDHKey bool

	complete func(ltk []byte)
}

func newSCKeyAgreement(pp pairingPhase, fail func(error), guard attemptGuard,
	features PairingFeatures, preq, pres pdu, localAddr, peerAddr Address,
	complete func([]byte)) *scKeyAgreement {
	return &scKeyAgreement{
		activePhase: newActivePhase(pp, fail),
		features:    features,
		preq:        preq,
		pres:        pres,
		localAddr:   localAddr,
		peerAddr:    peerAddr,
		guard:       guard,
		complete:    complete,
	}
}

func (s *scKeyAgreement) start() {
	s.checkActive()
	keys, err := generateECDHKeys()
	if err != nil {
		s.onFailure(err)
		return
	}
	s.keys = keys

	if s.role == RoleInitiator {
		s.sendPublicKey()
	}
	// The responder sends its key in reply to the initiator's.
}

func (s *scKeyAgreement) sendPublicKey() {
	b := newPDU(pairingPublicKey)
	copy(b.payload(), marshalPublicKeyXY(s.keys.public))
	if err := s.chn.Send(b); err != nil {
		s.onFailure(err)
		return
	}
	s.sentPubKey = true
}

func (s *scKeyAgreement) handle(p pdu) {
	s.checkActive()
	switch p.code() {
	case pairingPublicKey:
		s.handlePublicKey(p.payload())
	case pairingConfirm:
		s.handleConfirm(p.payload())
	case pairingRandom:
		s.handleRandom(p.payload())
	case pairingDHKeyCheck:
		s.handleDHKeyCheck(p.payload())
	default:
		s.abort(ReasonCommandNotSupported)
	}
}

func (s *scKeyAgreement) handlePublicKey(payload []byte) {
	if s.peerPubKey != nil || (s.role == RoleInitiator && !s.sentPubKey) {
		s.abort(ReasonUnspecified)
		return
	}

	// A peer echoing our own public key is attempting the reflection
	// attack (CVE-2020-26558).
	if bytes.Equal(marshalPublicKeyXY(s.keys.public), payload) {
		s.abort(ReasonInvalidParameters)
		return
	}

	pub, ok := unmarshalPublicKey(payload)
	if !ok {
		s.abort(ReasonInvalidParameters)
		return
	}
	s.peerPubKey = pub
	s.peerPubRaw = append([]byte{}, payload...)

	if s.role == RoleResponder {
		s.sendPublicKey()
	}
	s.beginStage1()
}

// beginStage1 resolves the user-interaction input the selected method
// needs, then starts the commitment exchange.
func (s *scKeyAgreement) beginStage1() {
	s.stage1Begun = true
	switch s.features.Method {
	case MethodJustWorks, MethodNumericComparison:
		// Responder leads with its commitment; the user is
		// consulted after the randoms are exchanged.
		if s.role == RoleResponder {
			s.sendJWConfirm()
		}

	case MethodPasskeyEntryInput:
		s.del.RequestPasskey(func(passkey int64) {
			s.guard.run(func() {
				if passkey < 0 {
					s.abort(ReasonPasskeyEntryFailed)
					return
				}
				s.setPasskey(uint32(passkey))
			})
		})

	case MethodPasskeyEntryDisplay:
		passkey, err := generatePasskey()
		if err != nil {
			s.onFailure(err)
			return
		}
		s.del.DisplayPasskey(passkey, MethodPasskeyEntryDisplay, func(ok bool) {
			s.guard.run(func() {
				if !ok {
					s.abort(ReasonPasskeyEntryFailed)
					return
				}
				s.setPasskey(passkey)
			})
		})

	default:
		s.abort(ReasonCommandNotSupported)
	}
}

func (s *scKeyAgreement) setPasskey(passkey uint32) {
	s.passkey = passkey
	s.havePasskey = true
	if s.role == RoleInitiator {
		s.startPasskeyRound()
		return
	}
	if s.pendingCai != nil {
		cai := s.pendingCai
		s.pendingCai = nil
		s.answerPasskeyConfirm(cai)
	}
}

// passkeyZ is the commitment bit for the current round.
func (s *scKeyAgreement) passkeyZ() byte {
	return 0x80 | byte((s.passkey>>uint(s.iteration))&1)
}

// localX/peerX order the public key X coordinates as (initiator,
// responder).
func (s *scKeyAgreement) keyX() (initX, respX []byte) {
	local := marshalPublicKeyX(s.keys.public)
	peer := marshalPublicKeyX(s.peerPubKey)
	if s.role == RoleInitiator {
		return local, peer
	}
	return peer, local
}

func (s *scKeyAgreement) sendJWConfirm() {
	r, err := random128()
	if err != nil {
		s.onFailure(err)
		return
	}
	s.localRandom = r

	initX, respX := s.keyX()
	// Cb = f4(PKbx, PKax, Nb, 0)
	conf, err := smpF4(respX, initX, s.localRandom, 0)
	if err != nil {
		s.onFailure(err)
		return
	}
	s.sendConfirmValue(conf)
}

func (s *scKeyAgreement) startPasskeyRound() {
	r, err := random128()
	if err != nil {
		s.onFailure(err)
		return
	}
	s.localRandom = r
	s.sentRandom = false
	s.peerConfirm = nil
	s.peerRandom = nil

	initX, respX := s.keyX()
	conf, err := smpF4(initX, respX, s.localRandom, s.passkeyZ())
	if err != nil {
		s.onFailure(err)
		return
	}
	s.sendConfirmValue(conf)
}

func (s *scKeyAgreement) sendConfirmValue(conf []byte) {
	b := newPDU(pairingConfirm)
	copy(b.payload(), conf)
	if err := s.chn.Send(b); err != nil {
		s.onFailure(err)
		return
	}
	s.sentConfirm = true
}

func (s *scKeyAgreement) sendRandomValue() {
	b := newPDU(pairingRandom)
	copy(b.payload(), s.localRandom)
	if err := s.chn.Send(b); err != nil {
		s.onFailure(err)
		return
	}
	s.sentRandom = true
}

func (s *scKeyAgreement) handleConfirm(payload []byte) {
	if s.peerPubKey == nil || !s.stage1Begun || s.stage1Done || s.peerConfirm != nil {
		s.abort(s.orderingFault())
		return
	}

	switch s.features.Method {
	case MethodJustWorks, MethodNumericComparison:
		// Only the responder commits; the initiator answers with
		// its random.
		if s.role != RoleInitiator {
			s.abort(s.orderingFault())
			return
		}
		s.peerConfirm = append([]byte{}, payload...)
		r, err := random128()
		if err != nil {
			s.onFailure(err)
			return
		}
		s.localRandom = r
		s.sendRandomValue()

	case MethodPasskeyEntryInput, MethodPasskeyEntryDisplay:
		s.peerConfirm = append([]byte{}, payload...)
		if s.role == RoleInitiator {
			// Responder's commitment for this round; reveal ours.
			s.sendRandomValue()
			return
		}
		if !s.havePasskey {
			// Reply once the user supplied the passkey.
			s.pendingCai = s.peerConfirm
			s.peerConfirm = nil
			return
		}
		s.answerPasskeyConfirm(s.peerConfirm)
	}
}

// answerPasskeyConfirm is the responder's reply to the initiator's
// round commitment.
func (s *scKeyAgreement) answerPasskeyConfirm(cai []byte) {
	s.peerConfirm = cai
	r, err := random128()
	if err != nil {
		s.onFailure(err)
		return
	}
	s.localRandom = r
	s.sentRandom = false

	initX, respX := s.keyX()
	conf, err := smpF4(respX, initX, s.localRandom, s.passkeyZ())
	if err != nil {
		s.onFailure(err)
		return
	}
	s.sendConfirmValue(conf)
}

func (s *scKeyAgreement) handleRandom(payload []byte) {
	if s.stage1Done {
		s.abort(s.orderingFault())
		return
	}

	switch s.features.Method {
	case MethodJustWorks, MethodNumericComparison:
		s.handleJWRandom(payload)
	case MethodPasskeyEntryInput, MethodPasskeyEntryDisplay:
		s.handlePasskeyRandom(payload)
	}
}

func (s *scKeyAgreement) handleJWRandom(payload []byte) {
	if s.peerRandom != nil {
		s.abort(s.orderingFault())
		return
	}

	if s.role == RoleInitiator {
		// Nb: verify the responder's commitment.
		if s.peerConfirm == nil || !s.sentRandom {
			s.abort(s.orderingFault())
			return
		}
		s.peerRandom = append([]byte{}, payload...)
		initX, respX := s.keyX()
		expected, err := smpF4(respX, initX, s.peerRandom, 0)
		if err != nil {
			s.onFailure(err)
			return
		}
		if !bytes.Equal(expected, s.peerConfirm) {
			s.abort(ReasonConfirmValueFailed)
			return
		}
		s.confirmStage1()
		return
	}

	// Responder receives Na after committing, then reveals Nb.
	if !s.sentConfirm {
		s.abort(s.orderingFault())
		return
	}
	s.peerRandom = append([]byte{}, payload...)
	s.sendRandomValue()
	s.confirmStage1()
}

// confirmStage1 consults the user: numeric comparison displays the g2
// check value, just works asks for plain consent.
func (s *scKeyAgreement) confirmStage1() {
	s.stage1Done = true

	done := func(ok bool) {
		s.guard.run(func() {
			if !ok {
				s.abort(ReasonNumericComparisonFailed)
				return
			}
			s.userOK = true
			s.stage2()
		})
	}

	if s.features.Method == MethodNumericComparison {
		initX, respX := s.keyX()
		na, nb := s.orderedRandoms()
		check, err := smpG2(initX, respX, na, nb)
		if err != nil {
			s.onFailure(err)
			return
		}
		s.del.DisplayPasskey(check, MethodNumericComparison, done)
		return
	}
	s.del.ConfirmPairing(done)
}

func (s *scKeyAgreement) handlePasskeyRandom(payload []byte) {
	if s.peerConfirm == nil || s.peerRandom != nil || !s.sentConfirm ||
		(s.role == RoleInitiator && !s.sentRandom) {
		s.abort(s.orderingFault())
		return
	}
	s.peerRandom = append([]byte{}, payload...)

	initX, respX := s.keyX()
	var expected []byte
	var err error
	if s.role == RoleInitiator {
		expected, err = smpF4(respX, initX, s.peerRandom, s.passkeyZ())
	} else {
		expected, err = smpF4(initX, respX, s.peerRandom, s.passkeyZ())
	}
	if err != nil {
		s.onFailure(err)
		return
	}
	if !bytes.Equal(expected, s.peerConfirm) {
		s.abort(ReasonConfirmValueFailed)
		return
	}

	if s.role == RoleResponder {
		s.sendRandomValue()
	}

	s.iteration++
	if s.iteration < passkeyIterationCount {
		if s.role == RoleInitiator {
			s.startPasskeyRound()
		} else {
			s.peerConfirm = nil
			s.peerRandom = nil
			s.sentConfirm = false
		}
		return
	}

	s.stage1Done = true
	s.userOK = true
	s.stage2()
}

// orderedRandoms returns (Na, Nb).
func (s *scKeyAgreement) orderedRandoms() (na, nb []byte) {
	if s.role == RoleInitiator {
		return s.localRandom, s.peerRandom
	}
	return s.peerRandom, s.localRandom
}

// orderedAddrs returns (A, B) as 7-byte values for f5/f6.
func (s *scKeyAgreement) orderedAddrs() (a, b []byte) {
	if s.role == RoleInitiator {
		return s.localAddr.leBytes7(), s.peerAddr.leBytes7()
	}
	return s.peerAddr.leBytes7(), s.localAddr.leBytes7()
}

// ioCapOf extracts the 3-byte IOcap field (little-endian: io cap, oob
// flag, auth req) from a cached request or response PDU.
func ioCapOf(p pdu) []byte {
	return []byte{p[1], p[2], p[3]}
}

// passkeyR is the 128-bit form of the passkey for f6, zero for just
// works and numeric comparison.
func (s *scKeyAgreement) passkeyR() []byte {
	r := make([]byte, 16)
	switch s.features.Method {
	case MethodPasskeyEntryInput, MethodPasskeyEntryDisplay:
		binary.LittleEndian.PutUint32(r[:4], s.passkey)
	}
	return r
}

// stage2 derives MacKey and LTK via f5 and runs the f6 DHKey check
// exchange, initiator first.
func (s *scKeyAgreement) stage2() {
	dh, err := generateSharedSecret(s.keys.private, s.peerPubKey)
	if err != nil {
		s.onFailure(err)
		return
	}

	na, nb := s.orderedRandoms()
	a, b := s.orderedAddrs()
	macKey, ltk, err := smpF5(dh, na, nb, a, b)
	if err != nil {
		s.onFailure(err)
		return
	}
	s.macKey = macKey
	s.ltk = ltk

	if s.role == RoleInitiator {
		s.sendDHKeyCheck()
		return
	}
	if s.peerDHCheck != nil {
		check := s.peerDHCheck
		s.peerDHCheck = nil
		s.verifyDHKeyCheck(check)
	}
}

// localDHKeyCheck computes Ea (initiator) or Eb (responder).
func (s *scKeyAgreement) localDHKeyCheck() ([]byte, error) {
	na, nb := s.orderedRandoms()
	a, b := s.orderedAddrs()
	if s.role == RoleInitiator {
		return smpF6(s.macKey, na, nb, s.passkeyR(), ioCapOf(s.preq), a, b)
	}
	return smpF6(s.macKey, nb, na, s.passkeyR(), ioCapOf(s.pres), b, a)
}

// expectedPeerDHKeyCheck computes the peer's check value for
// comparison.
func (s *scKeyAgreement) expectedPeerDHKeyCheck() ([]byte, error) {
	na, nb := s.orderedRandoms()
	a, b := s.orderedAddrs()
	if s.role == RoleInitiator {
		return smpF6(s.macKey, nb, na, s.passkeyR(), ioCapOf(s.pres), b, a)
	}
	return smpF6(s.macKey, na, nb, s.passkeyR(), ioCapOf(s.preq), a, b)
}

func (s *scKeyAgreement) sendDHKeyCheck() {
	check, err := s.localDHKeyCheck()
	if err != nil {
		s.onFailure(err)
		return
	}
	b := newPDU(pairingDHKeyCheck)
	copy(b.payload(), check)
	if err := s.chn.Send(b); err != nil {
		s.onFailure(err)
		return
	}
	s.sentDHCheck = true
}

func (s *scKeyAgreement) handleDHKeyCheck(payload []byte) {
	if s.checkedDHKey || (s.role == RoleInitiator && !s.sentDHCheck) {
		s.abort(s.orderingFault())
		return
	}
	if s.role == RoleResponder && (s.macKey == nil || !s.userOK) {
		// Stage 2 still waiting on user interaction.
		if !s.stage1Done {
			s.abort(s.orderingFault())
			return
		}
		s.peerDHCheck = append([]byte{}, payload...)
		return
	}
	s.verifyDHKeyCheck(payload)
}

func (s *scKeyAgreement) verifyDHKeyCheck(payload []byte) {
	expected, err := s.expectedPeerDHKeyCheck()
	if err != nil {
		s.onFailure(err)
		return
	}
	if !bytes.Equal(expected, payload) {
		s.abort(ReasonDHKeyCheckFailed)
		return
	}
	s.checkedDHKey = true

	if s.role == RoleResponder && !s.sentDHCheck {
		s.sendDHKeyCheck()
	}

	ltk := append([]byte{}, s.ltk...)
	maskKey(ltk, s.features.EncryptionKeySize)
	s.complete(ltk)
}
