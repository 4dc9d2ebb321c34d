package ledger

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"golang.org/x/crypto/sha3"

	"didmovement/crypto"
)

func TestSerializerPrimitives(t *testing.T) {
	var s Serializer
	s.U8(7)
	s.Bool(true)
	s.U16(0x0102)
	s.U32(0x01020304)
	s.U64(1)
	s.Uleb128(300)
	s.Str("ab")
	want := []byte{
		7,
		1,
		0x02, 0x01,
		0x04, 0x03, 0x02, 0x01,
		1, 0, 0, 0, 0, 0, 0, 0,
		0xac, 0x02,
		2, 'a', 'b',
	}
	if got := s.Bytes(); !bytes.Equal(got, want) {
		t.Fatalf("unexpected encoding\n got %x\nwant %x", got, want)
	}
}

func TestNewEntryFunction(t *testing.T) {
	fn, err := NewEntryFunction("0x1::init::init", U8Arg(2), StringArg("agent"))
	if err != nil {
		t.Fatalf("entry function: %v", err)
	}
	if fn.ID() != crypto.MustParseAddress("0x1").String()+"::init::init" {
		t.Fatalf("unexpected id %s", fn.ID())
	}
	encoded := Serialize(fn)
	if encoded[0] != 2 {
		t.Fatalf("expected entry function variant 2, got %d", encoded[0])
	}
	if !bytes.Equal(encoded[1:33], fn.Module.Address[:]) {
		t.Fatalf("module address not serialised in place")
	}
	// module name, function name, no type args, two args
	tail := []byte{4, 'i', 'n', 'i', 't', 4, 'i', 'n', 'i', 't', 0, 2, 1, 2, 6, 5, 'a', 'g', 'e', 'n', 't'}
	if !bytes.Equal(encoded[33:], tail) {
		t.Fatalf("unexpected tail %x", encoded[33:])
	}

	for _, bad := range []string{"", "0x1::init", "0x1::::init", "zz::init::init"} {
		if _, err := NewEntryFunction(bad); err == nil {
			t.Fatalf("expected %q to be rejected", bad)
		}
	}
}

func TestSignAndHash(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	fn, err := NewEntryFunction("0x1::init::init", U8Arg(0), StringArg("human"))
	if err != nil {
		t.Fatalf("entry function: %v", err)
	}
	raw := &RawTransaction{
		Sender:                  key.PubKey().Address(),
		SequenceNumber:          3,
		Payload:                 fn,
		MaxGasAmount:            200000,
		GasUnitPrice:            100,
		ExpirationTimestampSecs: 1700000600,
		ChainID:                 250,
	}
	msg := raw.SigningMessage()
	prefix := sha3.Sum256([]byte("APTOS::RawTransaction"))
	if !bytes.HasPrefix(msg, prefix[:]) {
		t.Fatalf("signing message missing domain prefix")
	}
	if !bytes.Equal(msg[len(prefix):], Serialize(raw)) {
		t.Fatalf("signing message body differs from raw encoding")
	}

	signed, err := raw.Sign(func(m []byte) ([]byte, []byte, error) {
		return key.PubKey().Bytes(), key.Sign(m), nil
	})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if !key.PubKey().Verify(msg, signed.Signature) {
		t.Fatalf("signature does not verify over the signing message")
	}
	body := signed.Bytes()
	rawLen := len(Serialize(raw))
	// authenticator: variant 0, 32-byte key, 64-byte signature
	if len(body) != rawLen+1+1+32+1+64 {
		t.Fatalf("unexpected signed length %d", len(body))
	}
	if body[rawLen] != 0 || body[rawLen+1] != 32 || body[rawLen+34] != 64 {
		t.Fatalf("unexpected authenticator layout %x", body[rawLen:rawLen+35])
	}

	hash := signed.Hash()
	if !strings.HasPrefix(hash, "0x") || len(hash) != 66 {
		t.Fatalf("unexpected hash format %s", hash)
	}
	if signed.Hash() != hash {
		t.Fatalf("hash must be deterministic")
	}
	raw.SequenceNumber++
	other, err := raw.Sign(func(m []byte) ([]byte, []byte, error) {
		return key.PubKey().Bytes(), key.Sign(m), nil
	})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if other.Hash() == hash {
		t.Fatalf("different transactions must hash differently")
	}
}

func TestSignRejectsMalformedKeys(t *testing.T) {
	raw := &RawTransaction{}
	if _, err := raw.Sign(func([]byte) ([]byte, []byte, error) {
		return []byte{1}, make([]byte, 64), nil
	}); err == nil {
		t.Fatalf("expected short public key to fail")
	}
	boom := errors.New("boom")
	if _, err := raw.Sign(func([]byte) ([]byte, []byte, error) {
		return nil, nil, boom
	}); !errors.Is(err, boom) {
		t.Fatalf("expected signer error to propagate, got %v", err)
	}
}
