package smp

import (
	"testing"

	"github.com/blekit/secmgr"
)

// fakeChannel records outbound PDUs.
type fakeChannel struct {
	sc      bool
	lt      LinkType
	handler Handler
	sent    []pdu
	sendErr error

	linkErrors int
}

func (c *fakeChannel) Send(b []byte) error {
	if c.sendErr != nil {
		return c.sendErr
	}
	cp := make(pdu, len(b))
	copy(cp, b)
	c.sent = append(c.sent, cp)
	return nil
}

func (c *fakeChannel) SetHandler(h Handler)            { c.handler = h }
func (c *fakeChannel) SignalLinkError()                { c.linkErrors++ }
func (c *fakeChannel) LinkType() LinkType              { return c.lt }
func (c *fakeChannel) SupportsSecureConnections() bool { return c.sc }

// pop removes and returns the oldest sent PDU.
func (c *fakeChannel) pop(t *testing.T) pdu {
	t.Helper()
	if len(c.sent) == 0 {
		t.Fatal("no pdu sent")
	}
	p := c.sent[0]
	c.sent = c.sent[1:]
	return p
}

func (c *fakeChannel) last(t *testing.T) pdu {
	t.Helper()
	if len(c.sent) == 0 {
		t.Fatal("no pdu sent")
	}
	return c.sent[len(c.sent)-1]
}

func expectFailedPDU(t *testing.T, p pdu, code ReasonCode) {
	t.Helper()
	if p.code() != pairingFailed {
		t.Fatalf("expected pairing failed, got opcode %#02x", p.code())
	}
	if ReasonCode(p.payload()[0]) != code {
		t.Fatalf("expected reason %v, got %v", code, ReasonCode(p.payload()[0]))
	}
}

// fakeConn is a scriptable link.
type fakeConn struct {
	role        Role
	local, peer Address

	key       LinkKey
	hasKey    bool
	assignErr error

	encErr    error
	encStarts int
}

func (c *fakeConn) Role() Role            { return c.role }
func (c *fakeConn) LocalAddress() Address { return c.local }
func (c *fakeConn) PeerAddress() Address  { return c.peer }

func (c *fakeConn) AssignLinkKey(key LinkKey) error {
	if c.assignErr != nil {
		return c.assignErr
	}
	c.key = key
	c.hasKey = true
	return nil
}

func (c *fakeConn) LinkKey() (LinkKey, bool) { return c.key, c.hasKey }

func (c *fakeConn) StartEncryption() error {
	if c.encErr != nil {
		return c.encErr
	}
	c.encStarts++
	return nil
}

// fakeDelegate captures continuations for the test to resolve and
// records every notification.
type fakeDelegate struct {
	confirms   []ConfirmFunc
	displayed  []uint32
	displayFns []ConfirmFunc
	passkeyFns []PasskeyFunc
	identity   *IdentityInfo

	failures     []error
	completes    []error
	pairingData  []PairingData
	authFailures []error
	propUpdates  []SecurityProperties
}

func (d *fakeDelegate) ConfirmPairing(confirm ConfirmFunc) {
	d.confirms = append(d.confirms, confirm)
}

func (d *fakeDelegate) DisplayPasskey(passkey uint32, method PairingMethod, confirm ConfirmFunc) {
	d.displayed = append(d.displayed, passkey)
	d.displayFns = append(d.displayFns, confirm)
}

func (d *fakeDelegate) RequestPasskey(respond PasskeyFunc) {
	d.passkeyFns = append(d.passkeyFns, respond)
}

func (d *fakeDelegate) IdentityInformation() (IdentityInfo, bool) {
	if d.identity == nil {
		return IdentityInfo{}, false
	}
	return *d.identity, true
}

func (d *fakeDelegate) OnPairingFailed(err error)  { d.failures = append(d.failures, err) }
func (d *fakeDelegate) OnPairingComplete(err error) { d.completes = append(d.completes, err) }
func (d *fakeDelegate) OnNewPairingData(data PairingData) {
	d.pairingData = append(d.pairingData, data)
}
func (d *fakeDelegate) OnAuthenticationFailure(err error) {
	d.authFailures = append(d.authFailures, err)
}
func (d *fakeDelegate) OnNewSecurityProperties(props SecurityProperties) {
	d.propUpdates = append(d.propUpdates, props)
}

func testLogger() secmgr.Logger { return secmgr.GetLogger() }

// testGuard returns a guard whose attempt never goes stale.
func testGuard() attemptGuard {
	return attemptGuard{m: &SecurityManager{log: testLogger()}, id: 0}
}

// failRecorder captures the manager-side failure hook.
type failRecorder struct {
	errs []error
}

func (r *failRecorder) hook() func(error) {
	return func(err error) { r.errs = append(r.errs, err) }
}

var (
	addrA = Address{Type: AddressTypePublic, Value: [6]byte{0xA6, 0xA5, 0xA4, 0xA3, 0xA2, 0xA1}}
	addrB = Address{Type: AddressTypeRandom, Value: [6]byte{0xB6, 0xB5, 0xB4, 0xB3, 0xB2, 0xB1}}
)

// wirePair builds matching request/response PDUs for phase tests.
func wirePair(keySize byte) (pdu, pdu) {
	req := fp(IOCapNoInputNoOutput, authReqBond, 16, keyDistEncKey, keyDistEncKey)
	res := fp(IOCapNoInputNoOutput, authReqBond, keySize, keyDistEncKey, keyDistEncKey)
	return req.marshal(pairingRequest), res.marshal(pairingResponse)
}
