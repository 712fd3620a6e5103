package smp

import "fmt"

// Role of the local device on the link. The initiator is the LE
// central; the responder is the LE peripheral.
type Role byte

const (
	RoleInitiator Role = iota
	RoleResponder
)

func (r Role) String() string {
	if r == RoleInitiator {
		return "initiator"
	}
	return "responder"
}

// LinkType of the logical transport the SMP channel runs over.
type LinkType byte

const (
	LinkTypeLE LinkType = iota
	LinkTypeACL
)

// IOCapability values [Vol 3, Part H, 3.5.1].
type IOCapability byte

const (
	IOCapDisplayOnly     IOCapability = 0x00
	IOCapDisplayYesNo    IOCapability = 0x01
	IOCapKeyboardOnly    IOCapability = 0x02
	IOCapNoInputNoOutput IOCapability = 0x03
	IOCapKeyboardDisplay IOCapability = 0x04

	ioCapReservedStart IOCapability = 0x05
)

// AddressType of a device address as carried in Identity Address
// Information.
type AddressType byte

const (
	AddressTypePublic AddressType = 0x00
	AddressTypeRandom AddressType = 0x01
)

// Address is a 6-byte device address in little-endian wire order plus
// its type.
type Address struct {
	Type  AddressType
	Value [6]byte
}

func (a Address) String() string {
	v := a.Value
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X/%d",
		v[5], v[4], v[3], v[2], v[1], v[0], a.Type)
}

// leBytes7 is the 7-byte little-endian form used by the pairing
// crypto: address bytes followed by the type octet.
func (a Address) leBytes7() []byte {
	out := make([]byte, 0, 7)
	out = append(out, a.Value[:]...)
	out = append(out, byte(a.Type))
	return out
}

// PairingMethod is the concrete user-interaction model selected by the
// feature exchange.
type PairingMethod int

const (
	MethodJustWorks PairingMethod = iota
	MethodPasskeyEntryDisplay
	MethodPasskeyEntryInput
	MethodNumericComparison
	MethodOutOfBand
)

var methodStrings = map[PairingMethod]string{
	MethodJustWorks:           "just works",
	MethodPasskeyEntryDisplay: "passkey entry (display)",
	MethodPasskeyEntryInput:   "passkey entry (input)",
	MethodNumericComparison:   "numeric comparison",
	MethodOutOfBand:           "out of band",
}

func (m PairingMethod) String() string { return methodStrings[m] }

// providesMITM reports whether the method protects against
// man-in-the-middle attacks. Just Works never does.
func (m PairingMethod) providesMITM() bool { return m != MethodJustWorks }

// SecurityLevel of a link, ordered: secure-authenticated >
// authenticated > encrypted > none.
type SecurityLevel int

const (
	SecurityLevelNone SecurityLevel = iota
	SecurityLevelEncrypted
	SecurityLevelAuthenticated
	SecurityLevelSecureAuthenticated
)

var levelStrings = map[SecurityLevel]string{
	SecurityLevelNone:                "none",
	SecurityLevelEncrypted:           "encrypted",
	SecurityLevelAuthenticated:       "authenticated",
	SecurityLevelSecureAuthenticated: "secure authenticated",
}

func (l SecurityLevel) String() string { return levelStrings[l] }

// SecurityProperties describe the protection of an established key or
// link.
type SecurityProperties struct {
	Level             SecurityLevel
	EncryptionKeySize int
	SecureConnections bool
}

// NoSecurity is the zero starting point of every link.
var NoSecurity = SecurityProperties{Level: SecurityLevelNone}

// SatisfiesLevel reports whether the properties meet level.
func (p SecurityProperties) SatisfiesLevel(level SecurityLevel) bool {
	return p.Level >= level
}

// AtLeast is the total order over properties: level first, then key
// size and the Secure Connections flag as tie-relevant attributes.
func (p SecurityProperties) AtLeast(o SecurityProperties) bool {
	if p.Level != o.Level {
		return p.Level > o.Level
	}
	if p.EncryptionKeySize != o.EncryptionKeySize {
		return p.EncryptionKeySize > o.EncryptionKeySize
	}
	return p.SecureConnections || !o.SecureConnections
}

func (p SecurityProperties) String() string {
	return fmt.Sprintf("%v (key size %d, sc %v)", p.Level, p.EncryptionKeySize, p.SecureConnections)
}

// CrossTransportAlg selects the derivation used for the BR/EDR link
// key when both sides requested link-key distribution.
type CrossTransportAlg int

const (
	CrossTransportNone CrossTransportAlg = iota
	CrossTransportH6                     // legacy derivation chain
	CrossTransportH7                     // both sides set CT2
)

// PairingFeatures is the outcome of a successful feature exchange.
// Immutable once produced; a new pairing produces a new value.
type PairingFeatures struct {
	LocalInitiator    bool
	SecureConnections bool
	Method            PairingMethod
	EncryptionKeySize int

	// Key distribution sets, local-perspective: LocalKeys are
	// distributed by this device, RemoteKeys by the peer.
	LocalKeys  byte
	RemoteKeys byte

	WillBond       bool
	CrossTransport CrossTransportAlg
}

// Security derives the properties of keys produced under these
// features.
func (f PairingFeatures) Security() SecurityProperties {
	level := SecurityLevelEncrypted
	if f.Method.providesMITM() {
		level = SecurityLevelAuthenticated
	}
	if level == SecurityLevelAuthenticated && f.SecureConnections &&
		f.EncryptionKeySize == maxEncryptionKeySize {
		level = SecurityLevelSecureAuthenticated
	}
	return SecurityProperties{
		Level:             level,
		EncryptionKeySize: f.EncryptionKeySize,
		SecureConnections: f.SecureConnections,
	}
}

// LinkKey is the raw material installed on the link for encryption.
// Legacy-distributed keys carry EDiv/Rand; keys produced by a KDF
// carry zeros.
type LinkKey struct {
	Value [16]byte
	EDiv  uint16
	Rand  uint64
}

// LTK is a long-term key together with the security properties it was
// established under.
type LTK struct {
	Security SecurityProperties
	Key      LinkKey
}

// Key is a plain 128-bit key (IRK, CSRK) with its properties.
type Key struct {
	Security SecurityProperties
	Value    [16]byte
}

// PairingData is handed to the application layer when a bonding
// pairing completes. Nil fields were not distributed this pairing.
type PairingData struct {
	IdentityAddress   *Address
	LTK               *LTK
	IRK               *Key
	CSRK              *Key
	CrossTransportKey *LTK
}

// IdentityInfo is the local identity material the delegate may supply
// for distribution.
type IdentityInfo struct {
	IRK     [16]byte
	Address Address
}
