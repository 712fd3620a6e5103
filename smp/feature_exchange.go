package smp

// pairingParams are the fields shared by Pairing Request and Pairing
// Response [Vol 3, Part H, 3.5.1].
type pairingParams struct {
	ioCap       IOCapability
	oobFlag     byte
	authReq     byte
	maxKeySize  byte
	initKeyDist byte
	respKeyDist byte
}

func (p pairingParams) marshal(code byte) pdu {
	b := newPDU(code)
	b[1] = byte(p.ioCap)
	b[2] = p.oobFlag
	b[3] = p.authReq
	b[4] = p.maxKeySize
	b[5] = p.initKeyDist
	b[6] = p.respKeyDist
	return b
}

// parsePairingParams reads an already size-validated request/response
// payload.
func parsePairingParams(payload []byte) pairingParams {
	return pairingParams{
		ioCap:       IOCapability(payload[0]),
		oobFlag:     payload[1],
		authReq:     payload[2],
		maxKeySize:  payload[3],
		initKeyDist: payload[4],
		respKeyDist: payload[5],
	}
}

func (p pairingParams) bondable() bool {
	return p.authReq&authReqBondMask == authReqBond
}

// localConfig is the capability configuration the feature exchange
// negotiates from.
type localConfig struct {
	ioCap    IOCapability
	bondable bool
	level    SecurityLevel
	identity bool // delegate has identity info to distribute
}

// buildLocalParameters assembles the local half of the exchange from
// configuration and channel capabilities. The key distribution fields
// carry wire semantics: initKeyDist is always the initiator's set, so
// the local/peer assignment depends on role.
func buildLocalParameters(cfg localConfig, chn Channel, role Role) pairingParams {
	pp := pairingParams{
		ioCap:      cfg.ioCap,
		oobFlag:    oobDataNotPresent,
		maxKeySize: maxEncryptionKeySize,
		authReq:    authReqCT2,
	}

	sc := chn.SupportsSecureConnections()
	if sc {
		pp.authReq |= authReqSC
	}
	if cfg.level >= SecurityLevelAuthenticated {
		pp.authReq |= authReqMITM
	}

	if !cfg.bondable {
		// Distribution or storage of bonding material in
		// non-bondable mode is prohibited.
		return pp
	}

	pp.authReq |= authReqBond
	peerKeys := keyDistEncKey | keyDistIDKey
	localKeys := keyDistEncKey
	if cfg.identity {
		localKeys |= keyDistIDKey
	}
	if sc {
		peerKeys |= keyDistLinkKey
		localKeys |= keyDistLinkKey
	}
	if role == RoleInitiator {
		pp.initKeyDist = localKeys
		pp.respKeyDist = peerKeys
	} else {
		pp.initKeyDist = peerKeys
		pp.respKeyDist = localKeys
	}
	return pp
}

// Pairing method selection [Vol 3, Part H, 2.3.5.1, Tables 2.6-2.8],
// indexed [responder io][initiator io].
var methodTableSC = [5][5]PairingMethod{
	{MethodJustWorks, MethodJustWorks, MethodPasskeyEntryDisplay, MethodJustWorks, MethodPasskeyEntryDisplay},
	{MethodJustWorks, MethodNumericComparison, MethodPasskeyEntryDisplay, MethodJustWorks, MethodNumericComparison},
	{MethodPasskeyEntryDisplay, MethodPasskeyEntryDisplay, MethodPasskeyEntryDisplay, MethodJustWorks, MethodPasskeyEntryDisplay},
	{MethodJustWorks, MethodJustWorks, MethodJustWorks, MethodJustWorks, MethodJustWorks},
	{MethodPasskeyEntryDisplay, MethodNumericComparison, MethodPasskeyEntryDisplay, MethodJustWorks, MethodNumericComparison},
}

var methodTableLegacy = [5][5]PairingMethod{
	{MethodJustWorks, MethodJustWorks, MethodPasskeyEntryDisplay, MethodJustWorks, MethodPasskeyEntryDisplay},
	{MethodJustWorks, MethodJustWorks, MethodPasskeyEntryDisplay, MethodJustWorks, MethodPasskeyEntryDisplay},
	{MethodPasskeyEntryDisplay, MethodPasskeyEntryDisplay, MethodPasskeyEntryDisplay, MethodJustWorks, MethodPasskeyEntryDisplay},
	{MethodJustWorks, MethodJustWorks, MethodJustWorks, MethodJustWorks, MethodJustWorks},
	{MethodPasskeyEntryDisplay, MethodPasskeyEntryDisplay, MethodPasskeyEntryDisplay, MethodJustWorks, MethodPasskeyEntryDisplay},
}

// passkeyInputSide resolves which side types the passkey. Both sides
// input when neither can display.
func passkeyInputSide(initIO, respIO IOCapability) (initiatorInputs, responderInputs bool) {
	switch {
	case initIO == IOCapKeyboardOnly && respIO == IOCapKeyboardOnly:
		return true, true
	case initIO == IOCapKeyboardOnly:
		return true, false
	case respIO == IOCapKeyboardOnly:
		return false, true
	case initIO == IOCapKeyboardDisplay && respIO == IOCapKeyboardDisplay:
		// Initiator displays, responder inputs [Table 2.8].
		return false, true
	case initIO == IOCapKeyboardDisplay:
		return true, false
	default:
		return false, true
	}
}

// selectPairingMethod picks the concrete, local-perspective method.
func selectPairingMethod(sc, localOOB, peerOOB, mitm bool, localIO, peerIO IOCapability, localInitiator bool) PairingMethod {
	// Legacy OOB needs both sides to hold the data; SC needs either.
	if localOOB && peerOOB {
		return MethodOutOfBand
	}
	if sc && (localOOB || peerOOB) {
		return MethodOutOfBand
	}
	if !mitm {
		return MethodJustWorks
	}

	initIO, respIO := localIO, peerIO
	if !localInitiator {
		initIO, respIO = peerIO, localIO
	}
	if initIO >= ioCapReservedStart || respIO >= ioCapReservedStart {
		return MethodJustWorks
	}

	table := &methodTableLegacy
	if sc {
		table = &methodTableSC
	}
	m := table[respIO][initIO]
	if m != MethodPasskeyEntryDisplay {
		return m
	}

	initIn, respIn := passkeyInputSide(initIO, respIO)
	localInputs := respIn
	if localInitiator {
		localInputs = initIn
	}
	if localInputs {
		return MethodPasskeyEntryInput
	}
	return MethodPasskeyEntryDisplay
}

// resolveFeatures derives the PairingFeatures from a request/response
// pair, or fails with the reason code to abort with.
func resolveFeatures(localInitiator bool, req, res pairingParams, requested SecurityLevel) (*PairingFeatures, error) {
	keySize := int(req.maxKeySize)
	if int(res.maxKeySize) < keySize {
		keySize = int(res.maxKeySize)
	}
	floor := minEncryptionKeySize
	if requested == SecurityLevelSecureAuthenticated {
		floor = maxEncryptionKeySize
	}
	if keySize < floor {
		return nil, reasonError(ReasonEncryptionKeySize)
	}

	bond := req.bondable() && res.bondable()
	if !bond && (req.initKeyDist != 0 || req.respKeyDist != 0 ||
		res.initKeyDist != 0 || res.respKeyDist != 0) {
		return nil, reasonError(ReasonInvalidParameters)
	}

	sc := req.authReq&authReqSC != 0 && res.authReq&authReqSC != 0
	mitm := req.authReq&authReqMITM != 0 || res.authReq&authReqMITM != 0

	localIO, peerIO := req.ioCap, res.ioCap
	localOOB, peerOOB := req.oobFlag == oobDataPresent, res.oobFlag == oobDataPresent
	if !localInitiator {
		localIO, peerIO = res.ioCap, req.ioCap
		localOOB, peerOOB = res.oobFlag == oobDataPresent, req.oobFlag == oobDataPresent
	}
	method := selectPairingMethod(sc, localOOB, peerOOB, mitm, localIO, peerIO, localInitiator)
	if mitm && !method.providesMITM() {
		return nil, reasonError(ReasonAuthenticationRequired)
	}

	var localKeys, remoteKeys byte
	if localInitiator {
		// The response may not request distribution of a key bit
		// the request had cleared.
		if res.initKeyDist&^req.initKeyDist != 0 || res.respKeyDist&^req.respKeyDist != 0 {
			return nil, reasonError(ReasonInvalidParameters)
		}
		localKeys = res.initKeyDist
		remoteKeys = res.respKeyDist
	} else {
		// The responder defers to the initiator's declared bits;
		// local support was already applied when building the
		// response.
		localKeys = res.respKeyDist
		remoteKeys = res.initKeyDist
	}

	ctkd := CrossTransportNone
	if sc {
		// SC never distributes the encryption key over SMP.
		localKeys &^= keyDistEncKey
		remoteKeys &^= keyDistEncKey
		if localKeys&keyDistLinkKey != 0 && remoteKeys&keyDistLinkKey != 0 {
			ctkd = CrossTransportH6
			if req.authReq&authReqCT2 != 0 && res.authReq&authReqCT2 != 0 {
				ctkd = CrossTransportH7
			}
		}
	} else if requested == SecurityLevelSecureAuthenticated {
		return nil, reasonError(ReasonAuthenticationRequired)
	}

	return &PairingFeatures{
		LocalInitiator:    localInitiator,
		SecureConnections: sc,
		Method:            method,
		EncryptionKeySize: keySize,
		LocalKeys:         localKeys,
		RemoteKeys:        remoteKeys,
		WillBond:          bond,
		CrossTransport:    ctkd,
	}, nil
}

// featureExchange runs Phase 1: negotiating the security level, I/O
// capabilities, bonding and key distribution into PairingFeatures.
type featureExchange struct {
	activePhase

	cfg localConfig

	// responder path: the inbound request that started the exchange.
	peerRequest *pairingParams

	sentRequest *pairingParams
	done        bool

	complete func(f PairingFeatures, preq, pres pdu)
}

func newFeatureExchange(pp pairingPhase, fail func(error), cfg localConfig,
	peerRequest *pairingParams, complete func(PairingFeatures, pdu, pdu)) *featureExchange {
	return &featureExchange{
		activePhase: newActivePhase(pp, fail),
		cfg:         cfg,
		peerRequest: peerRequest,
		complete:    complete,
	}
}

func (f *featureExchange) start() {
	f.checkActive()
	if f.role == RoleInitiator {
		pp := buildLocalParameters(f.cfg, f.chn, f.role)
		f.sentRequest = &pp
		if err := f.chn.Send(pp.marshal(pairingRequest)); err != nil {
			f.log.Errorf("send pairing request: %v", err)
			f.onFailure(err)
		}
		return
	}

	if f.peerRequest == nil {
		panic("smp: responder feature exchange without a peer request")
	}
	f.respond(*f.peerRequest)
}

// respond builds the response from local parameters intersected with
// the peer's distribution requests, resolves, and only sends when
// resolution succeeds.
func (f *featureExchange) respond(req pairingParams) {
	res := buildLocalParameters(f.cfg, f.chn, RoleResponder)
	res.initKeyDist &= req.initKeyDist
	res.respKeyDist &= req.respKeyDist

	ff, err := resolveFeatures(false, req, res, f.cfg.level)
	if err != nil {
		code, _ := ReasonOf(err)
		f.abort(code)
		return
	}

	if err := f.chn.Send(res.marshal(pairingResponse)); err != nil {
		f.log.Errorf("send pairing response: %v", err)
		f.onFailure(err)
		return
	}
	f.done = true
	f.complete(*ff, req.marshal(pairingRequest), res.marshal(pairingResponse))
}

func (f *featureExchange) handle(p pdu) {
	f.checkActive()
	switch p.code() {
	case pairingResponse:
		if f.role != RoleInitiator {
			// A responder never receives a pairing response; the
			// manager must not route one here.
			panic("smp: pairing response routed to responder feature exchange")
		}
		if f.sentRequest == nil || f.done {
			f.abort(ReasonUnspecified)
			return
		}
		res := parsePairingParams(p.payload())
		ff, err := resolveFeatures(true, *f.sentRequest, res, f.cfg.level)
		if err != nil {
			code, _ := ReasonOf(err)
			f.abort(code)
			return
		}
		f.done = true
		f.complete(*ff, f.sentRequest.marshal(pairingRequest), res.marshal(pairingResponse))

	default:
		f.abort(ReasonCommandNotSupported)
	}
}
