// Package bond persists pairing data across connections.
package bond

import (
	"encoding/binary"
	"encoding/hex"
	"io/ioutil"
	"os"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/blekit/secmgr/smp"
)

// ErrNotFound is returned by Find when no bond exists for an address.
var ErrNotFound = errors.New("bond: not found")

// Store keeps pairing data keyed by peer address.
type Store interface {
	Save(addr smp.Address, data smp.PairingData) error
	Find(addr smp.Address) (smp.PairingData, error)
	Delete(addr smp.Address) error
}

type fileStore struct {
	filename string
	lock     sync.RWMutex
}

// NewFileStore returns a Store backed by a single JSON file. The file
// is created on first save.
func NewFileStore(filename string) Store {
	return &fileStore{filename: filename}
}

type bondFile struct {
	Bonds map[string]bondRecord `json:"bonds"`
}

type bondRecord struct {
	LongTermKey           string `json:"longTermKey,omitempty"`
	EncryptionDiversifier string `json:"encryptionDiversifier,omitempty"`
	RandomValue           string `json:"randomValue,omitempty"`
	SecurityLevel         int    `json:"securityLevel"`
	KeySize               int    `json:"keySize"`
	SecureConnections     bool   `json:"secureConnections"`
	IdentityAddress       string `json:"identityAddress,omitempty"`
	IdentityResolvingKey  string `json:"identityResolvingKey,omitempty"`
	SigningKey            string `json:"signingKey,omitempty"`
}

func (fs *fileStore) Save(addr smp.Address, data smp.PairingData) error {
	fs.lock.Lock()
	defer fs.lock.Unlock()

	bonds, err := fs.load()
	if err != nil {
		return err
	}
	bonds.Bonds[addrKey(addr)] = encodeRecord(data)
	return fs.store(bonds)
}

func (fs *fileStore) Find(addr smp.Address) (smp.PairingData, error) {
	fs.lock.RLock()
	defer fs.lock.RUnlock()

	bonds, err := fs.load()
	if err != nil {
		return smp.PairingData{}, err
	}
	rec, ok := bonds.Bonds[addrKey(addr)]
	if !ok {
		return smp.PairingData{}, ErrNotFound
	}
	return decodeRecord(rec)
}

func (fs *fileStore) Delete(addr smp.Address) error {
	fs.lock.Lock()
	defer fs.lock.Unlock()

	bonds, err := fs.load()
	if err != nil {
		return err
	}
	delete(bonds.Bonds, addrKey(addr))
	return fs.store(bonds)
}

func addrKey(addr smp.Address) string {
	return addr.String()
}

func encodeRecord(data smp.PairingData) bondRecord {
	rec := bondRecord{}

	if data.LTK != nil {
		rec.LongTermKey = hex.EncodeToString(data.LTK.Key.Value[:])

		eDiv := make([]byte, 2)
		binary.LittleEndian.PutUint16(eDiv, data.LTK.Key.EDiv)
		randVal := make([]byte, 8)
		binary.LittleEndian.PutUint64(randVal, data.LTK.Key.Rand)
		rec.EncryptionDiversifier = hex.EncodeToString(eDiv)
		rec.RandomValue = hex.EncodeToString(randVal)

		rec.SecurityLevel = int(data.LTK.Security.Level)
		rec.KeySize = data.LTK.Security.EncryptionKeySize
		rec.SecureConnections = data.LTK.Security.SecureConnections
	}
	if data.IdentityAddress != nil {
		rec.IdentityAddress = encodeAddr(*data.IdentityAddress)
	}
	if data.IRK != nil {
		rec.IdentityResolvingKey = hex.EncodeToString(data.IRK.Value[:])
	}
	if data.CSRK != nil {
		rec.SigningKey = hex.EncodeToString(data.CSRK.Value[:])
	}
	return rec
}

func decodeRecord(rec bondRecord) (smp.PairingData, error) {
	var data smp.PairingData

	sec := smp.SecurityProperties{
		Level:             smp.SecurityLevel(rec.SecurityLevel),
		EncryptionKeySize: rec.KeySize,
		SecureConnections: rec.SecureConnections,
	}

	if rec.LongTermKey != "" {
		ltkVal, err := hex.DecodeString(rec.LongTermKey)
		if err != nil || len(ltkVal) != 16 {
			return data, errors.New("bond: invalid long term key")
		}
		eDiv, err := hex.DecodeString(rec.EncryptionDiversifier)
		if err != nil || len(eDiv) != 2 {
			return data, errors.New("bond: invalid encryption diversifier")
		}
		randVal, err := hex.DecodeString(rec.RandomValue)
		if err != nil || len(randVal) != 8 {
			return data, errors.New("bond: invalid random value")
		}
		ltk := smp.LTK{Security: sec}
		copy(ltk.Key.Value[:], ltkVal)
		ltk.Key.EDiv = binary.LittleEndian.Uint16(eDiv)
		ltk.Key.Rand = binary.LittleEndian.Uint64(randVal)
		data.LTK = &ltk
	}
	if rec.IdentityAddress != "" {
		a, err := decodeAddr(rec.IdentityAddress)
		if err != nil {
			return data, err
		}
		data.IdentityAddress = &a
	}
	if rec.IdentityResolvingKey != "" {
		v, err := hex.DecodeString(rec.IdentityResolvingKey)
		if err != nil || len(v) != 16 {
			return data, errors.New("bond: invalid identity resolving key")
		}
		k := smp.Key{Security: sec}
		copy(k.Value[:], v)
		data.IRK = &k
	}
	if rec.SigningKey != "" {
		v, err := hex.DecodeString(rec.SigningKey)
		if err != nil || len(v) != 16 {
			return data, errors.New("bond: invalid signing key")
		}
		k := smp.Key{Security: sec}
		copy(k.Value[:], v)
		data.CSRK = &k
	}
	return data, nil
}

// encodeAddr packs the type octet ahead of the address bytes.
func encodeAddr(a smp.Address) string {
	b := make([]byte, 0, 7)
	b = append(b, byte(a.Type))
	b = append(b, a.Value[:]...)
	return hex.EncodeToString(b)
}

func decodeAddr(s string) (smp.Address, error) {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 7 {
		return smp.Address{}, errors.New("bond: invalid identity address")
	}
	a := smp.Address{Type: smp.AddressType(b[0])}
	copy(a.Value[:], b[1:])
	return a, nil
}

func (fs *fileStore) load() (*bondFile, error) {
	fileData, err := ioutil.ReadFile(fs.filename)
	if err != nil {
		if os.IsNotExist(err) {
			return &bondFile{Bonds: map[string]bondRecord{}}, nil
		}
		return nil, errors.Wrap(err, "bond: read store")
	}

	var bonds bondFile
	if len(fileData) > 0 {
		if err := jsoniter.Unmarshal(fileData, &bonds); err != nil {
			return nil, errors.Wrap(err, "bond: unmarshal store")
		}
	}
	if bonds.Bonds == nil {
		bonds.Bonds = map[string]bondRecord{}
	}
	return &bonds, nil
}

func (fs *fileStore) store(bonds *bondFile) error {
	out, err := jsoniter.Marshal(bonds)
	if err != nil {
		return errors.Wrap(err, "bond: marshal store")
	}
	if err := ioutil.WriteFile(fs.filename, out, 0644); err != nil {
		return errors.Wrap(err, "bond: write store")
	}
	return nil
}
