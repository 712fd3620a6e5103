package smp

// Channel is the reliable, ordered packet channel the protocol runs
// over (the fixed SMP L2CAP channel). Inbound frames are delivered to
// the handler installed with SetHandler.
type Channel interface {
	Send(pdu []byte) error
	SetHandler(h Handler)
	// SignalLinkError requests teardown of the underlying link. The
	// protocol forbids further SMP traffic after a pairing timeout.
	SignalLinkError()
	LinkType() LinkType
	SupportsSecureConnections() bool
}

// Handler receives channel events. The SecurityManager implements it.
type Handler interface {
	Handle(frame []byte)
	OnChannelClosed()
}

// Connection is the link-layer connection the channel belongs to.
// Encryption state changes are delivered to the manager through
// OnEncryptionChange, not through this interface.
type Connection interface {
	Role() Role
	LocalAddress() Address
	PeerAddress() Address
	StartEncryption() error
	// AssignLinkKey installs key material for the next encryption
	// start (an intermediate STK during legacy pairing, an LTK
	// otherwise).
	AssignLinkKey(key LinkKey) error
	// LinkKey reports the currently installed key, if any.
	LinkKey() (LinkKey, bool)
}

// ConfirmFunc resolves a yes/no user interaction. It must be invoked
// at most once, and not synchronously from within the delegate call
// that received it. A stale continuation (its pairing attempt ended)
// is a no-op.
type ConfirmFunc func(ok bool)

// PasskeyFunc resolves a passkey request. A negative value rejects.
// Same invocation rules as ConfirmFunc.
type PasskeyFunc func(passkey int64)

// Delegate is the application-layer party to pairing: it answers user
// interaction requests and receives terminal notifications.
type Delegate interface {
	ConfirmPairing(confirm ConfirmFunc)
	// DisplayPasskey shows a 6-digit value; for numeric comparison
	// both sides display the same value.
	DisplayPasskey(passkey uint32, method PairingMethod, confirm ConfirmFunc)
	RequestPasskey(respond PasskeyFunc)

	// IdentityInformation returns the local identity material, or
	// false when none is available for distribution.
	IdentityInformation() (IdentityInfo, bool)

	OnPairingFailed(err error)
	// OnPairingComplete fires once per pairing attempt with nil on
	// success.
	OnPairingComplete(err error)
	OnNewPairingData(data PairingData)
	OnAuthenticationFailure(err error)
	OnNewSecurityProperties(props SecurityProperties)
}
