package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"golang.org/x/crypto/sha3"
)

// AddressLength is the byte length of a ledger account address.
const AddressLength = 32

// Ed25519Scheme is the authentication key scheme byte for single Ed25519 keys.
const Ed25519Scheme byte = 0x00

var ErrInvalidAddress = errors.New("crypto: invalid address")

// Address is a 32-byte ledger account address.
type Address [AddressLength]byte

// String renders the canonical long form: 0x followed by 64 lowercase hex digits.
func (a Address) String() string {
	return hexutil.Encode(a[:])
}

func (a Address) Bytes() []byte {
	out := make([]byte, AddressLength)
	copy(out, a[:])
	return out
}

// IsZero reports whether the address is all zeros.
func (a Address) IsZero() bool {
	return a == Address{}
}

// ParseAddress accepts long and short hex forms ("0x1", "1", "0x00..01").
func ParseAddress(s string) (Address, error) {
	trimmed := strings.TrimSpace(s)
	trimmed = strings.TrimPrefix(strings.TrimPrefix(trimmed, "0x"), "0X")
	if trimmed == "" || len(trimmed) > 2*AddressLength {
		return Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	padded := strings.Repeat("0", 2*AddressLength-len(trimmed)) + strings.ToLower(trimmed)
	raw, err := hexutil.Decode("0x" + padded)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %q: %v", ErrInvalidAddress, s, err)
	}
	var addr Address
	copy(addr[:], raw)
	return addr, nil
}

// MustParseAddress is ParseAddress for constants; it panics on bad input.
func MustParseAddress(s string) Address {
	addr, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return addr
}

// --- Key Management ---

type PrivateKey struct {
	key ed25519.PrivateKey
}

type PublicKey struct {
	key ed25519.PublicKey
}

func GeneratePrivateKey() (*PrivateKey, error) {
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key: key}, nil
}

// Bytes returns the 32-byte seed the key was derived from.
func (k *PrivateKey) Bytes() []byte {
	seed := k.key.Seed()
	out := make([]byte, len(seed))
	copy(out, seed)
	return out
}

func (k *PrivateKey) PubKey() *PublicKey {
	pub := k.key.Public().(ed25519.PublicKey)
	return &PublicKey{key: pub}
}

// Sign signs msg as-is; callers pass a fully prefixed signing message.
func (k *PrivateKey) Sign(msg []byte) []byte {
	return ed25519.Sign(k.key, msg)
}

func (k *PublicKey) Bytes() []byte {
	out := make([]byte, len(k.key))
	copy(out, k.key)
	return out
}

// Address derives the account address: sha3-256(public key || scheme).
func (k *PublicKey) Address() Address {
	h := sha3.New256()
	h.Write(k.key)
	h.Write([]byte{Ed25519Scheme})
	var addr Address
	copy(addr[:], h.Sum(nil))
	return addr
}

func (k *PublicKey) Verify(msg, sig []byte) bool {
	return ed25519.Verify(k.key, msg, sig)
}

// PrivateKeyFromBytes accepts a 32-byte seed or a 64-byte expanded key.
func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	switch len(b) {
	case ed25519.SeedSize:
		return &PrivateKey{key: ed25519.NewKeyFromSeed(b)}, nil
	case ed25519.PrivateKeySize:
		key := make(ed25519.PrivateKey, ed25519.PrivateKeySize)
		copy(key, b)
		return &PrivateKey{key: key}, nil
	default:
		return nil, fmt.Errorf("crypto: invalid private key length %d", len(b))
	}
}
