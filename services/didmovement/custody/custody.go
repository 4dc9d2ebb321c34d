// Package custody generates and holds the signing keys of managed accounts
// and owns the per-account record counter.
package custody

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	errs "didmovement/core/errors"
	"didmovement/crypto"
	"didmovement/observability"
	"didmovement/observability/logging"
	"didmovement/services/didmovement/addrlock"
	"didmovement/storage"
)

const maxCounterRetries = 3

// AccountRecord is the persisted form of a custodied account. PrivateKey holds
// the Ed25519 seed, sealed when Sealed is set.
type AccountRecord struct {
	Address     string `json:"address"`
	PrivateKey  []byte `json:"private_key"`
	Sealed      bool   `json:"sealed,omitempty"`
	RecordCount uint64 `json:"record_count"`
	CreatedAt   int64  `json:"created_at"`
}

// AccountView is the redacted account shape returned to API callers.
type AccountView struct {
	Address     string `json:"address"`
	PrivateKey  string `json:"private_key"`
	RecordCount uint64 `json:"record_count"`
	CreatedAt   int64  `json:"created_at"`
}

// Account is a loaded signing account. Its key material never leaves the
// package; callers can only ask it to sign.
type Account struct {
	address  crypto.Address
	material []byte
}

// Address returns the account address.
func (a *Account) Address() crypto.Address {
	return a.address
}

// Sign signs msg and returns the public key alongside the signature.
func (a *Account) Sign(msg []byte) ([]byte, []byte, error) {
	key, err := crypto.PrivateKeyFromBytes(a.material)
	if err != nil {
		return nil, nil, errs.Wrap(errs.ErrSigningError, "custody.sign", err)
	}
	pub := key.PubKey()
	if pub.Address() != a.address {
		return nil, nil, errs.E(errs.ErrSigningError, "custody.sign", "key material does not derive %s", a.address)
	}
	return pub.Bytes(), key.Sign(msg), nil
}

func (a *Account) String() string {
	return fmt.Sprintf("Account{address: %s, private_key: %s}", a.address, logging.RedactedValue)
}

// LogValue keeps key material out of structured logs.
func (a *Account) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("address", a.address.String()),
		slog.String("private_key", logging.MaskBytes(a.material)),
	)
}

// Manager owns AccountRecords in the key-value store.
type Manager struct {
	db      storage.Database
	sealer  *crypto.Sealer
	locks   *addrlock.Map
	logger  *slog.Logger
	metrics *observability.StoreMetrics
	nowFn   func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithSealer encrypts key material at rest.
func WithSealer(sealer *crypto.Sealer) Option {
	return func(m *Manager) { m.sealer = sealer }
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.nowFn = now
		}
	}
}

// NewManager builds a Manager over db.
func NewManager(db storage.Database, opts ...Option) *Manager {
	m := &Manager{
		db:      db,
		locks:   addrlock.New(),
		metrics: observability.Store(),
		nowFn:   time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logging.OrDefault(m.logger).With("component", "custody")
	if m.sealer == nil {
		m.logger.Warn("custody sealing disabled; private keys are stored unencrypted")
	}
	return m
}

// AccountKey is the store key of the AccountRecord for addr.
func AccountKey(addr crypto.Address) []byte {
	return storage.Key("accounts", addr.String())
}

// ParseAddress normalises a caller supplied address or returns InvalidArgument.
func ParseAddress(raw string) (crypto.Address, error) {
	addr, err := crypto.ParseAddress(raw)
	if err != nil {
		return crypto.Address{}, errs.Wrap(errs.ErrInvalidArgument, "address", err)
	}
	return addr, nil
}

// GenerateAccount creates a keypair and persists it with a zero record count.
func (m *Manager) GenerateAccount(ctx context.Context) (crypto.Address, error) {
	const op = "custody.generate_account"
	if err := ctx.Err(); err != nil {
		return crypto.Address{}, err
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return crypto.Address{}, errs.Wrap(errs.ErrSigningError, op, err)
	}
	addr := key.PubKey().Address()
	material := key.Bytes()
	sealed := false
	if m.sealer != nil {
		material, err = m.sealer.Seal(material, []byte(addr.String()))
		if err != nil {
			return crypto.Address{}, errs.Wrap(errs.ErrSigningError, op, err)
		}
		sealed = true
	}
	record := AccountRecord{
		Address:    addr.String(),
		PrivateKey: material,
		Sealed:     sealed,
		CreatedAt:  m.nowFn().UTC().Unix(),
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return crypto.Address{}, errs.Wrap(errs.ErrStoreUnavailable, op, err)
	}
	commit := storage.NewAtomic().Check(AccountKey(addr), nil).Set(AccountKey(addr), raw)
	if err := m.db.Commit(commit); err != nil {
		return crypto.Address{}, errs.Wrap(errs.ErrStoreUnavailable, op, err)
	}
	m.logger.Info("account generated", "address", addr.String(), "sealed", sealed)
	return addr, nil
}

// LoadSigningAccount returns the signer for addr.
func (m *Manager) LoadSigningAccount(ctx context.Context, addr crypto.Address) (*Account, error) {
	const op = "custody.load_signing_account"
	record, _, err := m.load(op, addr)
	if err != nil {
		return nil, err
	}
	material := record.PrivateKey
	if record.Sealed {
		if m.sealer == nil {
			return nil, errs.E(errs.ErrSigningError, op, "account %s is sealed but no passphrase is configured", addr)
		}
		material, err = m.sealer.Open(record.PrivateKey, []byte(addr.String()))
		if err != nil {
			return nil, errs.Wrap(errs.ErrSigningError, op, err)
		}
	}
	return &Account{address: addr, material: material}, nil
}

// AccountInfo returns the redacted view of addr.
func (m *Manager) AccountInfo(ctx context.Context, addr crypto.Address) (AccountView, error) {
	record, _, err := m.load("custody.account_info", addr)
	if err != nil {
		return AccountView{}, err
	}
	return AccountView{
		Address:     record.Address,
		PrivateKey:  logging.MaskBytes(record.PrivateKey),
		RecordCount: record.RecordCount,
		CreatedAt:   record.CreatedAt,
	}, nil
}

// NextRecordIndex reserves the next record index of addr. stage receives the
// index and the atomic operation that will also persist the incremented
// counter; whatever stage adds to it commits together with the increment.
func (m *Manager) NextRecordIndex(ctx context.Context, addr crypto.Address, stage func(index uint64, op *storage.Atomic) error) (uint64, error) {
	const op = "custody.next_record_index"
	unlock, err := m.locks.LockContext(ctx, "records:"+addr.String())
	if err != nil {
		return 0, errs.Wrap(errs.ErrTimedOut, op, err)
	}
	defer unlock()

	for attempt := 1; attempt <= maxCounterRetries; attempt++ {
		record, raw, err := m.load(op, addr)
		if err != nil {
			return 0, err
		}
		index := record.RecordCount
		commit := storage.NewAtomic().Check(AccountKey(addr), raw)
		if stage != nil {
			if err := stage(index, commit); err != nil {
				return 0, err
			}
		}
		record.RecordCount = index + 1
		updated, err := json.Marshal(record)
		if err != nil {
			return 0, errs.Wrap(errs.ErrStoreUnavailable, op, err)
		}
		commit.Set(AccountKey(addr), updated)
		err = m.db.Commit(commit)
		if err == nil {
			return index, nil
		}
		if !errs.Is(err, storage.ErrConflict) {
			return 0, errs.Wrap(errs.ErrStoreUnavailable, op, err)
		}
		m.metrics.RecordConflict("record_counter")
		m.logger.Warn("record counter conflict", "address", addr.String(), "attempt", attempt)
	}
	return 0, errs.E(errs.ErrStoreUnavailable, op, "record counter for %s is contended", addr)
}

func (m *Manager) load(op string, addr crypto.Address) (AccountRecord, []byte, error) {
	raw, err := m.db.Get(AccountKey(addr))
	if errs.Is(err, storage.ErrNotFound) {
		return AccountRecord{}, nil, errs.E(errs.ErrAccountNotFound, op, "no account %s", addr)
	}
	if err != nil {
		return AccountRecord{}, nil, errs.Wrap(errs.ErrStoreUnavailable, op, err)
	}
	var record AccountRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return AccountRecord{}, nil, errs.Wrap(errs.ErrStoreUnavailable, op, fmt.Errorf("decode account %s: %w", addr, err))
	}
	return record, raw, nil
}
