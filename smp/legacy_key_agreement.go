package smp

import "bytes"

// legacyKeyAgreement runs legacy Phase 2: the confirm/random exchange
// that commits both sides to the same TK and derives the STK.
type legacyKeyAgreement struct {
	activePhase

	features   PairingFeatures
	preq, pres pdu // cached wire PDUs, inputs to c1
	localAddr  Address
	peerAddr   Address

	guard attemptGuard

	tk           []byte
	localRandom  []byte
	localConfirm []byte
	peerConfirm  []byte
	peerRandom   []byte

	sentConfirm bool
	sentRandom  bool

	// complete receives the STK, already masked to the negotiated
	// key size.
	complete func(stk []byte)
}

func newLegacyKeyAgreement(pp pairingPhase, fail func(error), guard attemptGuard,
	features PairingFeatures, preq, pres pdu, localAddr, peerAddr Address,
	complete func([]byte)) *legacyKeyAgreement {
	return &legacyKeyAgreement{
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

// start requests a temporary key through the delegate. The
// continuations may fire long after this phase is gone; the guard
// drops them then.
func (l *legacyKeyAgreement) start() {
	l.checkActive()
	switch l.features.Method {
	case MethodPasskeyEntryInput:
		l.del.RequestPasskey(func(passkey int64) {
			l.guard.run(func() {
				if passkey < 0 {
					l.abort(ReasonPasskeyEntryFailed)
					return
				}
				l.setTK(uint32(passkey))
			})
		})

	case MethodPasskeyEntryDisplay:
		passkey, err := generatePasskey()
		if err != nil {
			l.onFailure(err)
			return
		}
		l.del.DisplayPasskey(passkey, MethodPasskeyEntryDisplay, func(ok bool) {
			l.guard.run(func() {
				if !ok {
					l.abort(ReasonUnspecified)
					return
				}
				l.setTK(passkey)
			})
		})

	case MethodJustWorks:
		l.del.ConfirmPairing(func(ok bool) {
			l.guard.run(func() {
				if !ok {
					l.abort(ReasonUnspecified)
					return
				}
				l.setTK(0)
			})
		})

	default:
		// OOB/numeric comparison never apply to the legacy
		// transport flow here.
		l.abort(ReasonCommandNotSupported)
	}
}

// setTK generates the local random and confirm value once user
// interaction resolves.
func (l *legacyKeyAgreement) setTK(passkey uint32) {
	l.tk = legacyTK(passkey)

	r, err := random128()
	if err != nil {
		l.onFailure(err)
		return
	}
	l.localRandom = r

	ia, ra := l.addrs()
	c, err := smpC1(l.tk, l.localRandom, l.preq, l.pres,
		byte(ia.Type), byte(ra.Type), ia.Value[:], ra.Value[:])
	if err != nil {
		l.onFailure(err)
		return
	}
	l.localConfirm = c

	// Initiator always leads with its confirm. A responder defers
	// until the peer's confirm arrived, which may already have
	// happened while the user was deciding.
	if l.role == RoleInitiator || l.peerConfirm != nil {
		l.sendConfirm()
	}
}

// addrs returns (initiator, responder) addresses.
func (l *legacyKeyAgreement) addrs() (Address, Address) {
	if l.role == RoleInitiator {
		return l.localAddr, l.peerAddr
	}
	return l.peerAddr, l.localAddr
}

func (l *legacyKeyAgreement) sendConfirm() {
	b := newPDU(pairingConfirm)
	copy(b.payload(), l.localConfirm)
	if err := l.chn.Send(b); err != nil {
		l.onFailure(err)
		return
	}
	l.sentConfirm = true
}

func (l *legacyKeyAgreement) sendRandom() {
	b := newPDU(pairingRandom)
	copy(b.payload(), l.localRandom)
	if err := l.chn.Send(b); err != nil {
		l.onFailure(err)
		return
	}
	l.sentRandom = true
}

func (l *legacyKeyAgreement) handle(p pdu) {
	l.checkActive()
	switch p.code() {
	case pairingConfirm:
		l.handleConfirm(p.payload())
	case pairingRandom:
		l.handleRandom(p.payload())
	default:
		l.abort(ReasonCommandNotSupported)
	}
}

func (l *legacyKeyAgreement) handleConfirm(payload []byte) {
	// At most one confirm per pairing; an initiator may see the
	// peer's confirm only after sending its own, a responder only
	// before.
	if l.peerConfirm != nil ||
		(l.role == RoleInitiator && !l.sentConfirm) ||
		(l.role == RoleResponder && l.sentConfirm) {
		l.abort(l.orderingFault())
		return
	}

	l.peerConfirm = append([]byte{}, payload...)

	if l.role == RoleResponder {
		// TK may still be pending user interaction; setTK sends
		// the confirm in that case.
		if l.tk != nil {
			l.sendConfirm()
		}
		return
	}
	l.sendRandom()
}

func (l *legacyKeyAgreement) handleRandom(payload []byte) {
	if l.peerConfirm == nil || l.peerRandom != nil || !l.sentConfirm ||
		(l.role == RoleInitiator && !l.sentRandom) {
		l.abort(l.orderingFault())
		return
	}

	l.peerRandom = append([]byte{}, payload...)

	// Recompute the peer's confirm from its random; a mismatch means
	// the TKs differ.
	ia, ra := l.addrs()
	expected, err := smpC1(l.tk, l.peerRandom, l.preq, l.pres,
		byte(ia.Type), byte(ra.Type), ia.Value[:], ra.Value[:])
	if err != nil {
		l.onFailure(err)
		return
	}
	if !bytes.Equal(expected, l.peerConfirm) {
		l.abort(ReasonConfirmValueFailed)
		return
	}

	initRand, respRand := l.localRandom, l.peerRandom
	if l.role == RoleResponder {
		initRand, respRand = l.peerRandom, l.localRandom
	}
	stk, err := smpS1(l.tk, respRand, initRand)
	if err != nil {
		l.onFailure(err)
		return
	}
	maskKey(stk, l.features.EncryptionKeySize)

	// The responder sends its random only after the STK callback, so
	// the key is installed before the peer can request encryption.
	l.complete(stk)
	if l.role == RoleResponder {
		l.sendRandom()
	}
}

// maskKey zeroes the most-significant bytes beyond size. Keys are
// little-endian, so those are the trailing bytes.
func maskKey(k []byte, size int) {
	for i := size; i < len(k); i++ {
		k[i] = 0
	}
}
