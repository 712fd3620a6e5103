package smp

import (
	"crypto/rand"
	"encoding/binary"
)

// keyDistribution runs Phase 3 over the now-encrypted link: the
// responder distributes its keys first, then the initiator. Received
// and generated keys are assembled into PairingData.
type keyDistribution struct {
	activePhase

	features PairingFeatures
	security SecurityProperties

	// scLTK is the f5-derived key when pairing used Secure
	// Connections; phase 3 never distributes an encryption key then.
	scLTK *LTK

	// local material distributed this pairing
	localLTK *LinkKey

	// peer material as it arrives
	peerLTKValue  []byte
	peerMasterID  *LinkKey
	peerIRK       []byte
	peerIdentity  *Address
	peerCSRK      []byte
	recvKeys      byte
	sentLocalKeys bool

	complete func(data PairingData, distributed *LinkKey)
}

func newKeyDistribution(pp pairingPhase, fail func(error), features PairingFeatures,
	scLTK *LTK, complete func(PairingData, *LinkKey)) *keyDistribution {
	return &keyDistribution{
		activePhase: newActivePhase(pp, fail),
		features:    features,
		security:    features.Security(),
		scLTK:       scLTK,
		complete:    complete,
	}
}

func (k *keyDistribution) start() {
	k.checkActive()
	if k.role == RoleResponder {
		if !k.sendLocalKeys() {
			return
		}
		k.checkComplete()
		return
	}
	// Initiator: wait for the responder's keys first.
	if pduKeys(k.features.RemoteKeys) == 0 {
		if !k.sendLocalKeys() {
			return
		}
		k.checkComplete()
	}
}

// sendLocalKeys distributes every key allotted to the local side.
// Reports false when a send or local failure already aborted the
// phase.
func (k *keyDistribution) sendLocalKeys() bool {
	keys := k.features.LocalKeys

	if keys&keyDistEncKey != 0 {
		var lk LinkKey
		if _, err := rand.Read(lk.Value[:]); err != nil {
			k.onFailure(err)
			return false
		}
		var meta [10]byte
		if _, err := rand.Read(meta[:]); err != nil {
			k.onFailure(err)
			return false
		}
		lk.EDiv = binary.LittleEndian.Uint16(meta[:2])
		lk.Rand = binary.LittleEndian.Uint64(meta[2:])
		maskKey(lk.Value[:], k.features.EncryptionKeySize)
		k.localLTK = &lk

		b := newPDU(encryptionInformation)
		copy(b.payload(), lk.Value[:])
		if err := k.chn.Send(b); err != nil {
			k.onFailure(err)
			return false
		}

		b = newPDU(masterIdentification)
		binary.LittleEndian.PutUint16(b.payload()[:2], lk.EDiv)
		binary.LittleEndian.PutUint64(b.payload()[2:], lk.Rand)
		if err := k.chn.Send(b); err != nil {
			k.onFailure(err)
			return false
		}
	}

	if keys&keyDistIDKey != 0 {
		id, ok := k.del.IdentityInformation()
		if !ok {
			// Phase 1 only offered the identity key because the
			// delegate had one; losing it mid-pairing is a local
			// fault.
			k.log.Errorf("identity info withdrawn during key distribution")
			k.abort(ReasonUnspecified)
			return false
		}
		b := newPDU(identityInformation)
		copy(b.payload(), id.IRK[:])
		if err := k.chn.Send(b); err != nil {
			k.onFailure(err)
			return false
		}

		b = newPDU(identityAddrInformation)
		b[1] = byte(id.Address.Type)
		copy(b.payload()[1:], id.Address.Value[:])
		if err := k.chn.Send(b); err != nil {
			k.onFailure(err)
			return false
		}
	}

	if keys&keyDistSignKey != 0 {
		var csrk [16]byte
		if _, err := rand.Read(csrk[:]); err != nil {
			k.onFailure(err)
			return false
		}
		b := newPDU(signingInformation)
		copy(b.payload(), csrk[:])
		if err := k.chn.Send(b); err != nil {
			k.onFailure(err)
			return false
		}
	}

	k.sentLocalKeys = true
	return true
}

func (k *keyDistribution) handle(p pdu) {
	k.checkActive()
	switch p.code() {
	case encryptionInformation:
		if !k.expect(keyDistEncKey) || k.peerLTKValue != nil {
			k.abort(ReasonUnspecified)
			return
		}
		k.peerLTKValue = append([]byte{}, p.payload()...)

	case masterIdentification:
		if k.peerLTKValue == nil || k.peerMasterID != nil {
			k.abort(ReasonUnspecified)
			return
		}
		lk := LinkKey{
			EDiv: binary.LittleEndian.Uint16(p.payload()[:2]),
			Rand: binary.LittleEndian.Uint64(p.payload()[2:]),
		}
		copy(lk.Value[:], k.peerLTKValue)
		k.peerMasterID = &lk
		k.recvKeys |= keyDistEncKey

	case identityInformation:
		if !k.expect(keyDistIDKey) || k.peerIRK != nil {
			k.abort(ReasonUnspecified)
			return
		}
		k.peerIRK = append([]byte{}, p.payload()...)

	case identityAddrInformation:
		if k.peerIRK == nil || k.peerIdentity != nil {
			k.abort(ReasonUnspecified)
			return
		}
		addr := Address{Type: AddressType(p.payload()[0])}
		copy(addr.Value[:], p.payload()[1:])
		k.peerIdentity = &addr
		k.recvKeys |= keyDistIDKey

	case signingInformation:
		if !k.expect(keyDistSignKey) || k.peerCSRK != nil {
			k.abort(ReasonUnspecified)
			return
		}
		k.peerCSRK = append([]byte{}, p.payload()...)
		k.recvKeys |= keyDistSignKey

	default:
		k.abort(ReasonCommandNotSupported)
	}

	if k.failed {
		return
	}
	k.checkComplete()
}

// expect reports whether the negotiated feature set allots key to the
// peer.
func (k *keyDistribution) expect(key byte) bool {
	return k.features.RemoteKeys&key != 0
}

// pduKeys strips the link key bit: it selects cross-transport
// derivation and has no distribution PDU of its own.
func pduKeys(keys byte) byte { return keys &^ keyDistLinkKey }

func (k *keyDistribution) checkComplete() {
	if k.recvKeys != pduKeys(k.features.RemoteKeys) {
		return
	}
	if !k.sentLocalKeys {
		// Initiator distributes after the responder finished.
		if k.role == RoleInitiator {
			if !k.sendLocalKeys() {
				return
			}
		} else {
			return
		}
	}

	data := PairingData{IdentityAddress: k.peerIdentity}
	if k.scLTK != nil {
		data.LTK = k.scLTK
	} else if lk := k.applicableLTK(); lk != nil {
		data.LTK = &LTK{Security: k.security, Key: *lk}
	}
	if k.peerIRK != nil {
		irk := Key{Security: k.security}
		copy(irk.Value[:], k.peerIRK)
		data.IRK = &irk
	}
	if k.peerCSRK != nil {
		csrk := Key{Security: k.security}
		copy(csrk.Value[:], k.peerCSRK)
		data.CSRK = &csrk
	}
	k.complete(data, k.localLTK)
}

// applicableLTK picks the distributed LTK the local role encrypts
// with on reconnection: the initiator uses the responder-distributed
// key, the responder its own.
func (k *keyDistribution) applicableLTK() *LinkKey {
	if k.role == RoleInitiator {
		return k.peerMasterID
	}
	return k.localLTK
}
