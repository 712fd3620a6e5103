package smp

import (
	"fmt"

	"github.com/pkg/errors"
)

// ReasonCode is a Pairing Failed reason [Vol 3, Part H, 3.5.5, Table 3.7].
type ReasonCode byte

const (
	ReasonPasskeyEntryFailed       ReasonCode = 0x01
	ReasonOOBNotAvailable          ReasonCode = 0x02
	ReasonAuthenticationRequired   ReasonCode = 0x03
	ReasonConfirmValueFailed       ReasonCode = 0x04
	ReasonPairingNotSupported      ReasonCode = 0x05
	ReasonEncryptionKeySize        ReasonCode = 0x06
	ReasonCommandNotSupported      ReasonCode = 0x07
	ReasonUnspecified              ReasonCode = 0x08
	ReasonRepeatedAttempts         ReasonCode = 0x09
	ReasonInvalidParameters        ReasonCode = 0x0A
	ReasonDHKeyCheckFailed         ReasonCode = 0x0B
	ReasonNumericComparisonFailed  ReasonCode = 0x0C
	ReasonBREDRPairingInProgress   ReasonCode = 0x0D
	ReasonCrossTransportNotAllowed ReasonCode = 0x0E
)

// Core spec v5.2, Vol 3, Part H, 3.5.5, Table 3.7
var reasonStrings = []string{
	"reserved",
	"passkey entry failed",
	"oob not available",
	"authentication requirements",
	"confirm value failed",
	"pairing not supported",
	"encryption key size",
	"command not supported",
	"unspecified reason",
	"repeated attempts",
	"invalid parameters",
	"dhkey check failed",
	"numeric comparison failed",
	"BR/EDR pairing in progress",
	"cross-transport key derivation not allowed",
}

func (r ReasonCode) String() string {
	if int(r) < len(reasonStrings) {
		return reasonStrings[r]
	}
	return fmt.Sprintf("reserved (0x%02X)", byte(r))
}

// Error is a pairing failure tied to a protocol reason code. Peer
// indicates whether the code was reported by the remote device in a
// Pairing Failed PDU rather than detected locally.
type Error struct {
	Reason ReasonCode
	Peer   bool
}

func (e *Error) Error() string {
	if e.Peer {
		return "smp: peer reported: " + e.Reason.String()
	}
	return "smp: " + e.Reason.String()
}

func reasonError(r ReasonCode) *Error {
	return &Error{Reason: r}
}

func peerError(r ReasonCode) *Error {
	return &Error{Reason: r, Peer: true}
}

// ReasonOf extracts the protocol reason code behind err, if any.
func ReasonOf(err error) (ReasonCode, bool) {
	e, ok := errors.Cause(err).(*Error)
	if !ok {
		return 0, false
	}
	return e.Reason, true
}

// Local failure statuses with no wire representation.
var (
	ErrTimeout      = errors.New("smp: pairing timed out")
	ErrDisconnected = errors.New("smp: link disconnected")
	ErrEncryption   = errors.New("smp: link encryption failed")
	ErrInProgress   = errors.New("smp: security upgrade in progress")
	ErrKeyMismatch  = errors.New("smp: link key does not match cached LTK")
)
