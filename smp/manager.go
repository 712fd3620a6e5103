package smp

import (
	"sync"
	"time"

	"github.com/blekit/secmgr"
)

const defaultPairingTimeout = 30 * time.Second

// Config is the capability configuration of a SecurityManager.
type Config struct {
	IOCapability IOCapability
	Bondable     bool
	LinkType     LinkType
	// Timeout overrides the protocol pairing timeout; zero keeps the
	// 30 second default.
	Timeout time.Duration
	Logger  secmgr.Logger
}

type pendingRequest struct {
	level SecurityLevel
	cb    func(SecurityProperties, error)
}

// attemptGuard correlates a delegate continuation with the pairing
// attempt that issued it. A continuation firing after its attempt
// ended, or after the manager moved on to a new attempt, is a no-op.
type attemptGuard struct {
	m  *SecurityManager
	id uint64
}

func (g attemptGuard) run(fn func()) {
	g.m.mu.Lock()
	defer g.m.mu.Unlock()
	if g.m.attempt != g.id {
		g.m.log.Debugf("dropping continuation for stale pairing attempt %d", g.id)
		return
	}
	fn()
}

// SecurityManager drives pairing on a single link. It owns the
// current phase exclusively, the pairing timer, the cached LTK and
// the reported security properties.
//
// Entry points are serialized; each event runs to completion before
// the next. Delegate continuations must not be invoked synchronously
// from within the delegate call that handed them out, and delegates
// must not re-enter the manager from notification callbacks.
type SecurityManager struct {
	mu sync.Mutex

	chn  Channel
	conn Connection
	del  Delegate
	log  secmgr.Logger

	ioCap    IOCapability
	bondable bool
	linkType LinkType
	timeout  time.Duration

	// phase is nil while idle; otherwise exactly one of the closed
	// set of concrete phases.
	phase   phase
	attempt uint64

	timer *time.Timer

	requests []*pendingRequest

	features   *PairingFeatures
	preq, pres pdu

	ltk   *LTK
	props SecurityProperties

	// key-agreement output awaiting link encryption
	keyReady bool
	scLTK    *LTK

	hasPendingSecReq   bool
	pendingSecReqLevel SecurityLevel
}

// New wires a manager to its collaborators and installs it as the
// channel handler.
func New(chn Channel, conn Connection, del Delegate, cfg Config) *SecurityManager {
	log := cfg.Logger
	if log == nil {
		log = secmgr.GetLogger()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultPairingTimeout
	}
	m := &SecurityManager{
		chn:      chn,
		conn:     conn,
		del:      del,
		log:      log.ChildLogger(map[string]interface{}{"component": "smp", "role": conn.Role().String()}),
		ioCap:    cfg.IOCapability,
		bondable: cfg.Bondable,
		linkType: cfg.LinkType,
		timeout:  timeout,
		props:    NoSecurity,
	}
	chn.SetHandler(m)
	return m
}

// SecurityProperties reports the currently established security.
func (m *SecurityManager) SecurityProperties() SecurityProperties {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.props
}

// UpgradeSecurity requests that the link reach at least level. The
// callback fires exactly once, when the request is satisfied or the
// attempt serving it fails.
func (m *SecurityManager) UpgradeSecurity(level SecurityLevel, cb func(SecurityProperties, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.phase != nil {
		m.requests = append(m.requests, &pendingRequest{level, cb})
		return
	}
	if m.props.SatisfiesLevel(level) {
		cb(m.props, nil)
		return
	}

	m.requests = append(m.requests, &pendingRequest{level, cb})
	m.startNextUpgrade()
}

// AssignLongTermKey installs a key established out of band (for
// example loaded from a bond store). Rejected while a security
// upgrade is in progress.
func (m *SecurityManager) AssignLongTermKey(ltk LTK) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.phase != nil {
		return ErrInProgress
	}
	k := ltk
	m.ltk = &k
	if err := m.conn.AssignLinkKey(ltk.Key); err != nil {
		return err
	}
	if m.conn.Role() == RoleInitiator {
		return m.conn.StartEncryption()
	}
	return nil
}

// Abort sends Pairing Failed with code on whatever phase is active; a
// call while idle only logs.
func (m *SecurityManager) Abort(code ReasonCode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.abortPhase(code)
}

func (m *SecurityManager) abortPhase(code ReasonCode) {
	switch ph := m.phase.(type) {
	case *securityRequestPhase:
		ph.abort(code)
	case *featureExchange:
		ph.abort(code)
	case *legacyKeyAgreement:
		ph.abort(code)
	case *scKeyAgreement:
		ph.abort(code)
	case *keyDistribution:
		ph.abort(code)
	case nil:
		m.log.Debugf("abort while idle ignored")
	}
}

// Reset aborts any in-progress pairing, swaps the I/O capability and
// returns to idle.
func (m *SecurityManager) Reset(ioCap IOCapability) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.phase != nil {
		m.abortPhase(ReasonUnspecified)
	}
	m.ioCap = ioCap
	m.attempt++
	m.stopTimer()
}

// Handle routes an inbound frame. Implements Handler.
func (m *SecurityManager) Handle(frame []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := parse(frame, m.maxPDUSize())
	if err != nil {
		code, _ := ReasonOf(err)
		m.log.Warnf("malformed frame: %v", err)
		if m.phase != nil {
			m.abortPhase(code)
			return
		}
		m.sendFailedIdle(code)
		return
	}

	switch p.code() {
	case pairingFailed:
		m.handlePeerFailed(p)
	case securityRequest:
		m.handleSecurityRequestPDU(p)
	case pairingRequest:
		m.handlePairingRequestPDU(p)
	default:
		if m.phase == nil {
			// C.5.1 Pairing Not Supported
			m.sendFailedIdle(ReasonPairingNotSupported)
			return
		}
		m.phase.handle(p)
	}
}

// OnChannelClosed implements Handler.
func (m *SecurityManager) OnChannelClosed() {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch ph := m.phase.(type) {
	case *securityRequestPhase:
		ph.onChannelClosed()
	case *featureExchange:
		ph.onChannelClosed()
	case *legacyKeyAgreement:
		ph.onChannelClosed()
	case *scKeyAgreement:
		ph.onChannelClosed()
	case *keyDistribution:
		ph.onChannelClosed()
	case nil:
	}
}

// OnEncryptionChange is delivered by the link layer whenever the
// encryption state of the connection changes.
func (m *SecurityManager) OnEncryptionChange(enabled bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err != nil || !enabled {
		if err == nil {
			err = ErrEncryption
		}
		if m.phase != nil {
			m.log.Errorf("encryption failed during pairing: %v", err)
			m.abortPhase(ReasonUnspecified)
		}
		m.setProps(NoSecurity)
		m.del.OnAuthenticationFailure(err)
		return
	}

	if m.phase == nil {
		// Encryption established outside a pairing: the installed
		// key must be the one this manager handed out. A mismatch
		// indicates a bug or tampering elsewhere in the stack.
		lk, ok := m.conn.LinkKey()
		if m.ltk == nil || !ok || lk != m.ltk.Key {
			m.log.Errorf("installed link key does not match cached LTK, tearing link down")
			m.chn.SignalLinkError()
			m.del.OnAuthenticationFailure(ErrKeyMismatch)
			return
		}
		m.setProps(m.ltk.Security)
		m.resolveRequests()
		return
	}

	switch m.phase.(type) {
	case *legacyKeyAgreement, *scKeyAgreement:
		if !m.keyReady {
			m.log.Errorf("encryption enabled before key agreement finished")
			m.abortPhase(ReasonUnspecified)
			return
		}
		m.startKeyDistributionOrComplete()
	default:
		m.log.Warnf("unexpected encryption change while pairing")
	}
}

func (m *SecurityManager) maxPDUSize() int {
	// The LE channel MTU is 23 without Secure Connections support and
	// 65 with it (the public key PDU needs the larger size).
	if m.linkType == LinkTypeLE && !m.chn.SupportsSecureConnections() {
		return maxPDUSizeLE
	}
	return maxPDUSizeACL
}

// sendFailedIdle answers a stray PDU with Pairing Failed without any
// phase to fail.
func (m *SecurityManager) sendFailedIdle(code ReasonCode) {
	b := newPDU(pairingFailed)
	b[1] = byte(code)
	if err := m.chn.Send(b); err != nil {
		m.log.Errorf("send pairing failed: %v", err)
	}
}

func (m *SecurityManager) handlePeerFailed(p pdu) {
	code := ReasonCode(p.payload()[0])
	if m.phase == nil {
		m.log.Warnf("peer reported pairing failure while idle: %v", code)
		return
	}
	err := peerError(code)
	switch ph := m.phase.(type) {
	case *securityRequestPhase:
		ph.onFailure(err)
	case *featureExchange:
		ph.onFailure(err)
	case *legacyKeyAgreement:
		ph.onFailure(err)
	case *scKeyAgreement:
		ph.onFailure(err)
	case *keyDistribution:
		ph.onFailure(err)
	}
}

// handleSecurityRequestPDU covers the initiator reacting to a peer's
// Security Request.
func (m *SecurityManager) handleSecurityRequestPDU(p pdu) {
	if m.phase != nil {
		m.log.Debugf("security request while pairing ignored")
		return
	}
	if m.conn.Role() != RoleInitiator {
		m.sendFailedIdle(ReasonCommandNotSupported)
		return
	}

	auth := p.payload()[0]
	level := SecurityLevelEncrypted
	if auth&authReqMITM != 0 {
		level = SecurityLevelAuthenticated
	}
	scWanted := auth&authReqSC != 0
	if scWanted && level == SecurityLevelAuthenticated {
		level = SecurityLevelSecureAuthenticated
	}

	// Re-authenticate with the existing key when it already covers
	// the request.
	if m.ltk != nil && m.ltk.Security.SatisfiesLevel(level) &&
		(!scWanted || m.ltk.Security.SecureConnections) {
		if err := m.conn.AssignLinkKey(m.ltk.Key); err != nil {
			m.log.Errorf("assign link key: %v", err)
			return
		}
		if err := m.conn.StartEncryption(); err != nil {
			m.log.Errorf("start encryption: %v", err)
		}
		return
	}

	m.startFeatureExchange(level, nil)
}

func (m *SecurityManager) handlePairingRequestPDU(p pdu) {
	if m.conn.Role() != RoleResponder {
		m.sendFailedIdle(ReasonCommandNotSupported)
		return
	}

	switch ph := m.phase.(type) {
	case nil:
		level := SecurityLevelEncrypted
		if m.hasPendingSecReq {
			level = m.pendingSecReqLevel
		}
		req := parsePairingParams(p.payload())
		m.startFeatureExchange(level, &req)

	case *securityRequestPhase:
		// The peer answered our Security Request by starting
		// pairing at our requested level.
		ph.handle(p)

	default:
		// A new Pairing Request in the middle of a pairing: answer
		// it once, then abandon the running attempt.
		req := parsePairingParams(p.payload())
		res := buildLocalParameters(m.localConfig(m.currentLevel()), m.chn, RoleResponder)
		res.initKeyDist &= req.initKeyDist
		res.respKeyDist &= req.respKeyDist
		if err := m.chn.Send(res.marshal(pairingResponse)); err != nil {
			m.log.Errorf("send pairing response: %v", err)
		}
		m.abortPhase(ReasonUnspecified)
	}
}

// onPeerPairingRequest is the security-request phase completion: the
// peer opened pairing at our requested level.
func (m *SecurityManager) onPeerPairingRequest(p pdu) {
	level := m.pendingSecReqLevel
	req := parsePairingParams(p.payload())
	m.startFeatureExchange(level, &req)
}

func (m *SecurityManager) currentLevel() SecurityLevel {
	if len(m.requests) > 0 {
		return m.requests[0].level
	}
	return SecurityLevelEncrypted
}

func (m *SecurityManager) localConfig(level SecurityLevel) localConfig {
	_, identity := m.del.IdentityInformation()
	return localConfig{
		ioCap:    m.ioCap,
		bondable: m.bondable,
		level:    level,
		identity: identity,
	}
}

func (m *SecurityManager) newPhaseBase() pairingPhase {
	return newPairingPhase(m.chn, m.del, m.conn.Role(), m.linkType, m.log)
}

func (m *SecurityManager) phaseFailHook() func(error) {
	return m.onPhaseFailed
}

func (m *SecurityManager) guard() attemptGuard {
	return attemptGuard{m: m, id: m.attempt}
}

func (m *SecurityManager) startNextUpgrade() {
	// Reject levels our I/O capability can never reach before any
	// PDU goes on the wire, queued retries included.
	for len(m.requests) > 0 {
		r := m.requests[0]
		if r.level < SecurityLevelAuthenticated || m.ioCap != IOCapNoInputNoOutput {
			break
		}
		m.requests = m.requests[1:]
		r.cb(m.props, reasonError(ReasonAuthenticationRequired))
	}
	if len(m.requests) == 0 {
		return
	}
	level := m.requests[0].level

	if m.conn.Role() == RoleInitiator {
		m.startFeatureExchange(level, nil)
		return
	}

	// A responder can only ask the peer to initiate.
	m.attempt++
	m.hasPendingSecReq = true
	m.pendingSecReqLevel = level
	ph := newSecurityRequestPhase(m.newPhaseBase(), m.phaseFailHook(), level,
		m.bondable, m.onPeerPairingRequest)
	m.phase = ph
	m.restartTimer()
	ph.start()
}

func (m *SecurityManager) startFeatureExchange(level SecurityLevel, peerRequest *pairingParams) {
	m.attempt++
	m.keyReady = false
	m.scLTK = nil
	ph := newFeatureExchange(m.newPhaseBase(), m.phaseFailHook(),
		m.localConfig(level), peerRequest, m.onFeaturesResolved)
	m.phase = ph
	m.restartTimer()
	ph.start()
}

// onFeaturesResolved is the Phase 1 completion callback.
func (m *SecurityManager) onFeaturesResolved(f PairingFeatures, preq, pres pdu) {
	ff := f
	m.features = &ff
	m.preq = preq
	m.pres = pres

	local := m.conn.LocalAddress()
	peer := m.conn.PeerAddress()

	if f.SecureConnections {
		ph := newSCKeyAgreement(m.newPhaseBase(), m.phaseFailHook(), m.guard(),
			f, preq, pres, local, peer, m.onSCKeyReady)
		m.phase = ph
		ph.start()
		return
	}
	ph := newLegacyKeyAgreement(m.newPhaseBase(), m.phaseFailHook(), m.guard(),
		f, preq, pres, local, peer, m.onSTKReady)
	m.phase = ph
	ph.start()
}

// onSTKReady installs the legacy short-term key for the encryption
// that carries Phase 3.
func (m *SecurityManager) onSTKReady(stk []byte) {
	var lk LinkKey
	copy(lk.Value[:], stk)
	m.installAgreedKey(lk)
}

// onSCKeyReady installs the final Secure Connections LTK.
func (m *SecurityManager) onSCKeyReady(ltk []byte) {
	var lk LinkKey
	copy(lk.Value[:], ltk)
	sc := LTK{Security: m.features.Security(), Key: lk}
	m.scLTK = &sc
	m.installAgreedKey(lk)
}

func (m *SecurityManager) installAgreedKey(lk LinkKey) {
	if err := m.conn.AssignLinkKey(lk); err != nil {
		m.log.Errorf("assign link key: %v", err)
		m.abortPhase(ReasonUnspecified)
		return
	}
	m.keyReady = true
	if m.conn.Role() == RoleInitiator {
		if err := m.conn.StartEncryption(); err != nil {
			m.log.Errorf("start encryption: %v", err)
			m.abortPhase(ReasonUnspecified)
		}
	}
	// The responder waits for the peer to request encryption.
}

func (m *SecurityManager) startKeyDistributionOrComplete() {
	if pduKeys(m.features.LocalKeys|m.features.RemoteKeys) != 0 {
		ph := newKeyDistribution(m.newPhaseBase(), m.phaseFailHook(),
			*m.features, m.scLTK, m.onKeysDistributed)
		m.phase = ph
		ph.start()
		return
	}

	data := PairingData{}
	if m.scLTK != nil {
		data.LTK = m.scLTK
	}
	m.completePairing(data)
}

func (m *SecurityManager) onKeysDistributed(data PairingData, distributed *LinkKey) {
	m.completePairing(data)
}

func (m *SecurityManager) completePairing(data PairingData) {
	props := m.features.Security()

	if data.LTK != nil {
		ltk := *data.LTK
		m.ltk = &ltk
		if err := m.conn.AssignLinkKey(ltk.Key); err != nil {
			m.log.Errorf("assign long term key: %v", err)
		}
	}

	if m.features.CrossTransport != CrossTransportNone && data.LTK != nil {
		bk, err := deriveBREDRLinkKey(data.LTK.Key.Value[:], m.features.CrossTransport)
		if err != nil {
			// Cross-transport derivation failure never fails the
			// pairing itself.
			m.log.Errorf("cross-transport key derivation: %v", err)
		} else {
			ct := LTK{Security: data.LTK.Security}
			copy(ct.Key.Value[:], bk)
			data.CrossTransportKey = &ct
		}
	}

	m.setProps(props)
	if m.features.WillBond {
		m.del.OnNewPairingData(data)
	}
	m.del.OnPairingComplete(nil)

	m.stopTimer()
	m.phase = nil
	m.attempt++
	m.keyReady = false
	m.scLTK = nil
	m.hasPendingSecReq = false

	m.resolveRequests()
	if len(m.requests) > 0 {
		m.startNextUpgrade()
	}
}

// onPhaseFailed is installed into every phase; it runs after the
// phase's single delegate failure notification.
func (m *SecurityManager) onPhaseFailed(err error) {
	m.stopTimer()
	m.phase = nil
	m.attempt++
	m.keyReady = false
	m.scLTK = nil
	m.hasPendingSecReq = false

	m.del.OnPairingComplete(err)

	reqs := m.requests
	m.requests = nil
	for _, r := range reqs {
		r.cb(m.props, err)
	}
}

// resolveRequests answers every queued request the current properties
// satisfy.
func (m *SecurityManager) resolveRequests() {
	var unmet []*pendingRequest
	for _, r := range m.requests {
		if m.props.SatisfiesLevel(r.level) {
			r.cb(m.props, nil)
			continue
		}
		unmet = append(unmet, r)
	}
	m.requests = unmet
}

func (m *SecurityManager) setProps(p SecurityProperties) {
	if p == m.props {
		return
	}
	m.props = p
	m.del.OnNewSecurityProperties(p)
}

// Timer discipline: one single-shot handle, cancel-then-reschedule on
// every Pairing Request or Security Request sent or received, stopped
// when the pairing completes, fails or idles.
func (m *SecurityManager) restartTimer() {
	if m.timer != nil {
		m.timer.Stop()
	}
	// Stop cannot unschedule a callback that already fired, so the
	// expiry carries the attempt it was armed for.
	id := m.attempt
	m.timer = time.AfterFunc(m.timeout, func() { m.onPairingTimerExpired(id) })
}

func (m *SecurityManager) stopTimer() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *SecurityManager) onPairingTimerExpired(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.attempt != id {
		// The attempt this timer was armed for is already over.
		return
	}

	switch ph := m.phase.(type) {
	case *securityRequestPhase:
		ph.onPairingTimeout()
	case *featureExchange:
		ph.onPairingTimeout()
	case *legacyKeyAgreement:
		ph.onPairingTimeout()
	case *scKeyAgreement:
		ph.onPairingTimeout()
	case *keyDistribution:
		ph.onPairingTimeout()
	case nil:
	}
}
