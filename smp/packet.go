package smp

// pdu is a raw SMP packet: one opcode byte followed by a fixed-size
// payload.
type pdu []byte

func (p pdu) code() byte      { return p[0] }
func (p pdu) payload() []byte { return p[1:] }

// parse validates a raw frame against the per-opcode payload size
// table. maxSize is the channel MTU. On success the returned pdu may
// be indexed freely; callers need no further length checks.
func parse(b []byte, maxSize int) (pdu, error) {
	if len(b) < 1 || len(b) > maxSize {
		return nil, reasonError(ReasonInvalidParameters)
	}
	sz, ok := payloadSize[b[0]]
	if !ok {
		return nil, reasonError(ReasonCommandNotSupported)
	}
	if len(b)-1 != sz {
		return nil, reasonError(ReasonInvalidParameters)
	}
	return pdu(b), nil
}

// newPDU allocates a buffer pre-sized for code's header plus payload
// and writes the opcode. The opcode must be in the size table.
func newPDU(code byte) pdu {
	sz, ok := payloadSize[code]
	if !ok {
		panic("smp: newPDU with unknown opcode")
	}
	b := make(pdu, 1+sz)
	b[0] = code
	return b
}
