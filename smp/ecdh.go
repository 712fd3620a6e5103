package smp

import (
	"crypto"
	"crypto/elliptic"
	"crypto/rand"

	ecdh "github.com/wsddn/go-ecdh"

	"github.com/blekit/secmgr/sliceops"
)

// ecdhKeys is a P-256 key pair for the Secure Connections key
// agreement. Wire format of a public key is X || Y, each 32 bytes
// little-endian.
type ecdhKeys struct {
	public  crypto.PublicKey
	private crypto.PrivateKey
}

func generateECDHKeys() (*ecdhKeys, error) {
	var err error
	kp := ecdhKeys{}
	e := ecdh.NewEllipticECDH(elliptic.P256())

	kp.private, kp.public, err = e.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}

	return &kp, nil
}

func unmarshalPublicKey(b []byte) (crypto.PublicKey, bool) {
	if len(b) != 64 {
		return nil, false
	}
	e := ecdh.NewEllipticECDH(elliptic.P256())
	xs := sliceops.SwapBuf(b[:32])
	ys := sliceops.SwapBuf(b[32:])

	// uncompressed point header
	r := append([]byte{0x04}, xs...)
	r = append(r, ys...)

	return e.Unmarshal(r)
}

func marshalPublicKeyXY(k crypto.PublicKey) []byte {
	e := ecdh.NewEllipticECDH(elliptic.P256())

	ba := e.Marshal(k)
	ba = ba[1:] // strip header
	x := sliceops.SwapBuf(ba[:32])
	y := sliceops.SwapBuf(ba[32:])

	return append(x, y...)
}

func marshalPublicKeyX(k crypto.PublicKey) []byte {
	e := ecdh.NewEllipticECDH(elliptic.P256())

	ba := e.Marshal(k)
	ba = ba[1:] // strip header
	return sliceops.SwapBuf(ba[:32])
}

func generateSharedSecret(prv crypto.PrivateKey, pub crypto.PublicKey) ([]byte, error) {
	e := ecdh.NewEllipticECDH(elliptic.P256())
	b, err := e.GenerateSharedSecret(prv, pub)
	return sliceops.SwapBuf(b), err
}
