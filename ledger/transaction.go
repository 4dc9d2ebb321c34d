package ledger

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"golang.org/x/crypto/sha3"

	"didmovement/crypto"
)

// Domain separators hashed into signing messages and transaction hashes.
const (
	rawTransactionSalt = "APTOS::RawTransaction"
	transactionSalt    = "APTOS::Transaction"
)

// BCS enum tags used below.
const (
	payloadEntryFunction   uint32 = 2
	authenticatorEd25519   uint32 = 0
	transactionUserVariant byte   = 0
)

// ModuleID names a published Move module.
type ModuleID struct {
	Address crypto.Address
	Name    string
}

func (m ModuleID) MarshalBCS(s *Serializer) {
	s.FixedBytes(m.Address[:])
	s.Str(m.Name)
}

func (m ModuleID) String() string {
	return m.Address.String() + "::" + m.Name
}

// EntryFunction is the payload of every transaction the service submits.
// Args hold the BCS encoding of each argument (see U8Arg, StringArg, ...).
// The DID modules take no type arguments, so none are encoded.
type EntryFunction struct {
	Module   ModuleID
	Function string
	Args     [][]byte
}

// NewEntryFunction parses an identifier such as "0x1::coin::transfer".
func NewEntryFunction(identifier string, args ...[]byte) (EntryFunction, error) {
	parts := strings.Split(strings.TrimSpace(identifier), "::")
	if len(parts) != 3 || parts[1] == "" || parts[2] == "" {
		return EntryFunction{}, fmt.Errorf("ledger: invalid function identifier %q", identifier)
	}
	addr, err := crypto.ParseAddress(parts[0])
	if err != nil {
		return EntryFunction{}, fmt.Errorf("ledger: function identifier %q: %w", identifier, err)
	}
	return EntryFunction{
		Module:   ModuleID{Address: addr, Name: parts[1]},
		Function: parts[2],
		Args:     args,
	}, nil
}

// ID returns the fully qualified function identifier.
func (e EntryFunction) ID() string {
	return e.Module.String() + "::" + e.Function
}

func (e EntryFunction) MarshalBCS(s *Serializer) {
	s.Uleb128(payloadEntryFunction)
	s.Struct(e.Module)
	s.Str(e.Function)
	s.Uleb128(0) // type arguments
	s.Uleb128(uint32(len(e.Args)))
	for _, arg := range e.Args {
		s.WriteBytes(arg)
	}
}

// RawTransaction is the unsigned transaction envelope.
type RawTransaction struct {
	Sender                  crypto.Address
	SequenceNumber          uint64
	Payload                 EntryFunction
	MaxGasAmount            uint64
	GasUnitPrice            uint64
	ExpirationTimestampSecs uint64
	ChainID                 uint8
}

func (t *RawTransaction) MarshalBCS(s *Serializer) {
	s.FixedBytes(t.Sender[:])
	s.U64(t.SequenceNumber)
	s.Struct(t.Payload)
	s.U64(t.MaxGasAmount)
	s.U64(t.GasUnitPrice)
	s.U64(t.ExpirationTimestampSecs)
	s.U8(t.ChainID)
}

// SigningMessage is the exact byte string the sender signs.
func (t *RawTransaction) SigningMessage() []byte {
	prefix := sha3.Sum256([]byte(rawTransactionSalt))
	body := Serialize(t)
	out := make([]byte, 0, len(prefix)+len(body))
	out = append(out, prefix[:]...)
	return append(out, body...)
}

// Sign attaches an Ed25519 authenticator produced by sign.
func (t *RawTransaction) Sign(sign func(msg []byte) (publicKey, signature []byte, err error)) (*SignedTransaction, error) {
	pub, sig, err := sign(t.SigningMessage())
	if err != nil {
		return nil, err
	}
	if len(pub) != 32 || len(sig) != 64 {
		return nil, fmt.Errorf("ledger: unexpected ed25519 key/signature length %d/%d", len(pub), len(sig))
	}
	return &SignedTransaction{Raw: *t, PublicKey: pub, Signature: sig}, nil
}

// SignedTransaction is a RawTransaction plus its Ed25519 authenticator.
type SignedTransaction struct {
	Raw       RawTransaction
	PublicKey []byte
	Signature []byte
}

func (t *SignedTransaction) MarshalBCS(s *Serializer) {
	s.Struct(&t.Raw)
	s.Uleb128(authenticatorEd25519)
	s.WriteBytes(t.PublicKey)
	s.WriteBytes(t.Signature)
}

// Bytes returns the submission body.
func (t *SignedTransaction) Bytes() []byte {
	return Serialize(t)
}

// Hash computes the hash the ledger will report for this transaction.
func (t *SignedTransaction) Hash() string {
	prefix := sha3.Sum256([]byte(transactionSalt))
	h := sha3.New256()
	h.Write(prefix[:])
	h.Write([]byte{transactionUserVariant})
	h.Write(t.Bytes())
	return hexutil.Encode(h.Sum(nil))
}

// --- Argument encoders ---

func U8Arg(v uint8) []byte {
	var s Serializer
	s.U8(v)
	return s.Bytes()
}

func U64Arg(v uint64) []byte {
	var s Serializer
	s.U64(v)
	return s.Bytes()
}

func StringArg(v string) []byte {
	var s Serializer
	s.Str(v)
	return s.Bytes()
}
