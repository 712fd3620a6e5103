package smp

// securityRequestPhase is the responder-only phase that asks the peer
// to begin pairing at a minimum security level.
type securityRequestPhase struct {
	activePhase

	level    SecurityLevel
	bondable bool

	// onPairingRequest receives the peer's Pairing Request verbatim;
	// the manager transitions to the feature exchange with it.
	onPairingRequest func(p pdu)
}

func newSecurityRequestPhase(pp pairingPhase, fail func(error), level SecurityLevel,
	bondable bool, onPairingRequest func(pdu)) *securityRequestPhase {
	return &securityRequestPhase{
		activePhase:      newActivePhase(pp, fail),
		level:            level,
		bondable:         bondable,
		onPairingRequest: onPairingRequest,
	}
}

func securityRequestAuthReq(level SecurityLevel, bondable bool) byte {
	var auth byte
	if bondable {
		auth |= authReqBond
	}
	if level >= SecurityLevelAuthenticated {
		auth |= authReqMITM
	}
	if level >= SecurityLevelSecureAuthenticated {
		auth |= authReqSC
	}
	return auth
}

func (s *securityRequestPhase) start() {
	s.checkActive()
	b := newPDU(securityRequest)
	b[1] = securityRequestAuthReq(s.level, s.bondable)
	if err := s.chn.Send(b); err != nil {
		s.log.Errorf("send security request: %v", err)
		s.onFailure(err)
	}
}

func (s *securityRequestPhase) handle(p pdu) {
	s.checkActive()
	if p.code() != pairingRequest {
		s.abort(ReasonUnspecified)
		return
	}
	s.onPairingRequest(p)
}
