package smp

import (
	"github.com/blekit/secmgr"
)

// phase is the closed set of protocol states the manager can own:
// *securityRequestPhase, *featureExchange, *legacyKeyAgreement,
// *scKeyAgreement, *keyDistribution. A nil phase means idle.
type phase interface {
	start()
	handle(p pdu)
	abort(code ReasonCode)
	onPairingTimeout()
	onChannelClosed()
}

// pairingPhase carries the state every phase shares: the channel and
// delegate borrowed from the manager and the local role.
type pairingPhase struct {
	chn  Channel
	del  Delegate
	role Role
	log  secmgr.Logger
}

func newPairingPhase(chn Channel, del Delegate, role Role, lt LinkType, log secmgr.Logger) pairingPhase {
	// The channel is bound at link setup; a mismatch means the
	// manager was wired to the wrong channel, which is a broken
	// caller contract rather than peer input.
	if chn.LinkType() != lt {
		panic("smp: channel link type does not match pairing link type")
	}
	return pairingPhase{chn: chn, del: del, role: role, log: log}
}

// sendPairingFailed builds and sends a Pairing Failed PDU. It does not
// change local state.
func (p *pairingPhase) sendPairingFailed(code ReasonCode) {
	b := newPDU(pairingFailed)
	b[1] = byte(code)
	if err := p.chn.Send(b); err != nil {
		p.log.Errorf("send pairing failed: %v", err)
	}
}

// activePhase adds the one-shot failure semantics shared by every
// post-idle phase. A phase transitions Active -> Failed exactly once;
// any call into a failed phase is a programming error in the owner,
// since the channel and delegate may already belong to a new phase.
type activePhase struct {
	pairingPhase
	failed bool

	// fail is the manager's failure hook; it runs after the single
	// delegate notification.
	fail func(err error)
}

func newActivePhase(pp pairingPhase, fail func(error)) activePhase {
	return activePhase{pairingPhase: pp, fail: fail}
}

// checkActive panics when the phase has already failed.
func (a *activePhase) checkActive() {
	if a.failed {
		panic("smp: call into a failed pairing phase")
	}
}

// abort sends Pairing Failed with code and runs failure handling.
func (a *activePhase) abort(code ReasonCode) {
	a.checkActive()
	a.sendPairingFailed(code)
	a.onFailure(reasonError(code))
}

// onFailure marks the phase failed and produces the phase's single
// failure notification. status is either a local error or a
// peer-reported *Error.
func (a *activePhase) onFailure(status error) {
	a.checkActive()
	a.failed = true
	a.del.OnPairingFailed(status)
	a.fail(status)
}

// onPairingTimeout tears the link down; the protocol forbids further
// SMP traffic on this link after a pairing timeout.
func (a *activePhase) onPairingTimeout() {
	a.checkActive()
	a.chn.SignalLinkError()
	a.onFailure(ErrTimeout)
}

func (a *activePhase) onChannelClosed() {
	a.onFailure(ErrDisconnected)
}

// orderingFault is the reason used for protocol-ordering violations:
// the confirm/random opcodes are undefined off the LE transport.
func (a *activePhase) orderingFault() ReasonCode {
	if a.chn.LinkType() != LinkTypeLE {
		return ReasonCommandNotSupported
	}
	return ReasonUnspecified
}
