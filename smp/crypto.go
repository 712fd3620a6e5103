package smp

import (
	"crypto/aes"
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/aead/cmac"

	"github.com/blekit/secmgr/sliceops"
)

// All functions take and return buffers in little-endian wire order;
// byte order is flipped internally around the MSB-first block cipher.

func aesCMAC(key, msg []byte) ([]byte, error) {
	tmp := sliceops.SwapBuf(key)
	mCipher, err := aes.NewCipher(tmp)
	if err != nil {
		return nil, err
	}

	msgMsb := sliceops.SwapBuf(msg)

	mMac, err := cmac.New(mCipher)
	if err != nil {
		return nil, err
	}

	mMac.Write(msgMsb)

	return sliceops.SwapBuf(mMac.Sum(nil)), nil
}

func aes128(key, msg []byte) []byte {
	mCipher, err := aes.NewCipher(key)
	if err != nil {
		return nil
	}

	out := make([]byte, 16)
	mCipher.Encrypt(out, msg)
	return out
}

func xorSlice(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}

// smpC1 is the legacy confirm value [Vol 3, Part H, 2.2.3]:
// c1(k, r, preq, pres, iat, rat, ia, ra) = e(k, e(k, r xor p1) xor p2).
// preq/pres are the full 7-byte request/response PDUs as sent on the
// wire.
func smpC1(k, r, preq, pres []byte, iat, rat byte, ia, ra []byte) ([]byte, error) {
	switch {
	case len(k) != 16:
		return nil, fmt.Errorf("length error k")
	case len(r) != 16:
		return nil, fmt.Errorf("length error r")
	case len(preq) != 7:
		return nil, fmt.Errorf("length error preq")
	case len(pres) != 7:
		return nil, fmt.Errorf("length error pres")
	case len(ia) != 6:
		return nil, fmt.Errorf("length error ia")
	case len(ra) != 6:
		return nil, fmt.Errorf("length error ra")
	}

	// p1 = pres || preq || rat || iat
	p1 := make([]byte, 0, 16)
	p1 = append(p1, sliceops.SwapBuf(pres)...)
	p1 = append(p1, sliceops.SwapBuf(preq)...)
	p1 = append(p1, rat&0x01, iat&0x01)

	// p2 = padding || ia || ra
	p2 := make([]byte, 0, 16)
	p2 = append(p2, 0x00, 0x00, 0x00, 0x00)
	p2 = append(p2, sliceops.SwapBuf(ia)...)
	p2 = append(p2, sliceops.SwapBuf(ra)...)

	kM := sliceops.SwapBuf(k)
	t := aes128(kM, xorSlice(sliceops.SwapBuf(r), p1))
	out := aes128(kM, xorSlice(t, p2))

	return sliceops.SwapBuf(out), nil
}

// smpS1 is the legacy STK generation function [Vol 3, Part H, 2.2.4]:
// s1(k, r1, r2) = e(k, r1' || r2') over the 64 LSBs of each random.
func smpS1(k, r1, r2 []byte) ([]byte, error) {
	if len(k) != 16 || len(r1) != 16 || len(r2) != 16 {
		return nil, fmt.Errorf("length error")
	}

	r1M := sliceops.SwapBuf(r1)
	r2M := sliceops.SwapBuf(r2)

	m := make([]byte, 0, 16)
	m = append(m, r1M[8:]...)
	m = append(m, r2M[8:]...)

	out := aes128(sliceops.SwapBuf(k), m)
	return sliceops.SwapBuf(out), nil
}

func smpF4(u, v, x []byte, z uint8) ([]byte, error) {
	if len(u) != 32 || len(v) != 32 || len(x) != 16 {
		return nil, fmt.Errorf("length error")
	}

	m := []byte{z}
	m = append(m, v...)
	m = append(m, u...)

	return aesCMAC(x, m)
}

func smpF5(w, n1, n2, a1, a2 []byte) ([]byte, []byte, error) {
	switch {
	case len(w) != 32:
		return nil, nil, fmt.Errorf("length error w")
	case len(n1) != 16:
		return nil, nil, fmt.Errorf("length error n1")
	case len(n2) != 16:
		return nil, nil, fmt.Errorf("length error n2")
	case len(a1) != 7:
		return nil, nil, fmt.Errorf("length error a1")
	case len(a2) != 7:
		return nil, nil, fmt.Errorf("length error a2")
	}

	btle := []byte{0x65, 0x6c, 0x74, 0x62}
	salt := []byte{0xbe, 0x83, 0x60, 0x5a, 0xdb, 0x0b, 0x37, 0x60,
		0x38, 0xa5, 0xf5, 0xaa, 0x91, 0x83, 0x88, 0x6c}
	length := []byte{0x00, 0x01}

	t, err := aesCMAC(salt, w)
	if err != nil {
		return nil, nil, err
	}

	m := length
	m = append(m, a2...)
	m = append(m, a1...)
	m = append(m, n2...)
	m = append(m, n1...)
	m = append(m, btle...)
	m = append(m, 0x00)

	macKey, err := aesCMAC(t, m)
	if err != nil {
		return nil, nil, err
	}

	// ltk generation bit
	m[52] = 0x01

	ltk, err := aesCMAC(t, m)
	if err != nil {
		return nil, nil, err
	}

	return macKey, ltk, nil
}

func smpF6(w, n1, n2, r, ioCap, a1, a2 []byte) ([]byte, error) {
	if len(w) != 16 || len(n1) != 16 || len(n2) != 16 || len(r) != 16 ||
		len(ioCap) != 3 || len(a1) != 7 || len(a2) != 7 {
		return nil, fmt.Errorf("length error")
	}

	// f6(W, N1, N2, R, IOcap, A1, A2) = AES-CMAC W (N1 || N2 || R || IOcap || A1 || A2)
	m := append([]byte{}, a2...)
	m = append(m, a1...)
	m = append(m, ioCap...)
	m = append(m, r...)
	m = append(m, n2...)
	m = append(m, n1...)

	return aesCMAC(w, m)
}

func smpG2(u, v, x, y []byte) (uint32, error) {
	if len(u) != 32 || len(v) != 32 || len(x) != 16 || len(y) != 16 {
		return 0, fmt.Errorf("length error")
	}

	// g2(U, V, X, Y) = AES-CMAC X (U || V || Y) mod 2^32
	m := append([]byte{}, y...)
	m = append(m, v...)
	m = append(m, u...)

	h, err := aesCMAC(x, m)
	if err != nil {
		return 0, err
	}

	out := binary.LittleEndian.Uint32(h[:4])
	return out % 1000000, nil
}

// smpH6 and smpH7 are the cross-transport key conversion functions
// [Vol 3, Part H, 2.2.10/2.2.11].
func smpH6(w []byte, keyID uint32) ([]byte, error) {
	if len(w) != 16 {
		return nil, fmt.Errorf("length error")
	}
	m := make([]byte, 4)
	binary.LittleEndian.PutUint32(m, keyID)
	return aesCMAC(w, m)
}

func smpH7(salt, w []byte) ([]byte, error) {
	if len(salt) != 16 || len(w) != 16 {
		return nil, fmt.Errorf("length error")
	}
	return aesCMAC(salt, w)
}

const (
	keyIDtmp1 = uint32(0x746D7031)
	keyIDtmp2 = uint32(0x746D7032)
	keyIDlebr = uint32(0x6C656272)
)

var saltCTKD = []byte{0x31, 0x70, 0x6d, 0x74, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}

// deriveBREDRLinkKey converts an LE LTK to a BR/EDR link key via the
// negotiated conversion chain.
func deriveBREDRLinkKey(ltk []byte, alg CrossTransportAlg) ([]byte, error) {
	var ilk []byte
	var err error
	switch alg {
	case CrossTransportH7:
		ilk, err = smpH7(saltCTKD, ltk)
	case CrossTransportH6:
		ilk, err = smpH6(ltk, keyIDtmp1)
	default:
		return nil, fmt.Errorf("no cross-transport algorithm selected")
	}
	if err != nil {
		return nil, err
	}
	return smpH6(ilk, keyIDlebr)
}

// legacyTK expands a numeric passkey (or zero for Just Works) into the
// 16-byte temporary key, little-endian.
func legacyTK(passkey uint32) []byte {
	tk := make([]byte, 16)
	binary.LittleEndian.PutUint32(tk[:4], passkey)
	return tk
}

func random128() ([]byte, error) {
	r := make([]byte, 16)
	if _, err := rand.Read(r); err != nil {
		return nil, err
	}
	return r, nil
}

// generatePasskey draws a 6-digit display passkey. The modulo over a
// 32-bit draw is not perfectly uniform; accepted, matching existing
// stacks.
func generatePasskey() (uint32, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b) % 1000000, nil
}
