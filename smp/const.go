package smp

// SMP opcodes [Vol 3, Part H, 3.3].
const (
	pairingRequest          = 0x01 // Pairing Request LE-U, ACL-U
	pairingResponse         = 0x02 // Pairing Response LE-U, ACL-U
	pairingConfirm          = 0x03 // Pairing Confirm LE-U
	pairingRandom           = 0x04 // Pairing Random LE-U
	pairingFailed           = 0x05 // Pairing Failed LE-U, ACL-U
	encryptionInformation   = 0x06 // Encryption Information LE-U
	masterIdentification    = 0x07 // Master Identification LE-U
	identityInformation     = 0x08 // Identity Information LE-U, ACL-U
	identityAddrInformation = 0x09 // Identity Address Information LE-U, ACL-U
	signingInformation      = 0x0A // Signing Information LE-U, ACL-U
	securityRequest         = 0x0B // Security Request LE-U
	pairingPublicKey        = 0x0C // Pairing Public Key LE-U
	pairingDHKeyCheck       = 0x0D // Pairing DHKey Check LE-U
	pairingKeypress         = 0x0E // Pairing Keypress Notification LE-U
)

// Exact payload length per opcode [Vol 3, Part H, 3.6]. Opcodes not
// present here are not supported on any transport.
var payloadSize = map[byte]int{
	pairingRequest:          6,
	pairingResponse:         6,
	pairingConfirm:          16,
	pairingRandom:           16,
	pairingFailed:           1,
	encryptionInformation:   16,
	masterIdentification:    10,
	identityInformation:     16,
	identityAddrInformation: 7,
	signingInformation:      16,
	securityRequest:         1,
	pairingPublicKey:        64,
	pairingDHKeyCheck:       16,
	pairingKeypress:         1,
}

// AuthReq bitfield [Vol 3, Part H, 3.5.1].
const (
	authReqBondMask = byte(0x03)
	authReqBond     = byte(0x01)
	authReqNoBond   = byte(0x00)
	authReqMITM     = byte(0x04)
	authReqSC       = byte(0x08)
	authReqKeypress = byte(0x10)
	authReqCT2      = byte(0x20)
)

// Key distribution / generation bitfield [Vol 3, Part H, 3.6.1].
const (
	keyDistEncKey  = byte(0x01)
	keyDistIDKey   = byte(0x02)
	keyDistSignKey = byte(0x04)
	keyDistLinkKey = byte(0x08)
)

const (
	// MTU of the fixed SMP channel. LE links without Secure
	// Connections support use the small size; everything else uses
	// the large one, which every defined PDU fits.
	maxPDUSizeLE  = 23
	maxPDUSizeACL = 65

	minEncryptionKeySize = 5
	maxEncryptionKeySize = 16

	passkeyIterationCount = 20

	oobDataNotPresent = byte(0x00)
	oobDataPresent    = byte(0x01)
)
