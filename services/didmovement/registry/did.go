package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	errs "didmovement/core/errors"
	"didmovement/crypto"
	"didmovement/ledger"
	"didmovement/services/didmovement/addrlock"
	"didmovement/services/didmovement/pipeline"
	"didmovement/storage"
)

// DidType classifies the identity behind a DID.
type DidType uint8

const (
	Human DidType = iota
	Organization
	AIAgent
	SmartContract
)

var didTypeNames = [...]string{
	Human:         "Human",
	Organization:  "Organization",
	AIAgent:       "AIAgent",
	SmartContract: "SmartContract",
}

// Valid reports whether t is a recognised type.
func (t DidType) Valid() bool {
	return int(t) < len(didTypeNames)
}

func (t DidType) String() string {
	if !t.Valid() {
		return "DidType(" + strconv.Itoa(int(t)) + ")"
	}
	return didTypeNames[t]
}

func (t DidType) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("registry: invalid did type %d", uint8(t))
	}
	return []byte(t.String()), nil
}

func (t *DidType) UnmarshalText(text []byte) error {
	parsed, err := ParseDidType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ParseDidType accepts the numeric codes 0..3 and the type names, case-insensitively.
func ParseDidType(raw string) (DidType, error) {
	trimmed := strings.TrimSpace(raw)
	if n, err := strconv.ParseUint(trimmed, 10, 8); err == nil {
		if t := DidType(n); t.Valid() {
			return t, nil
		}
	}
	for i, name := range didTypeNames {
		if strings.EqualFold(trimmed, name) {
			return DidType(i), nil
		}
	}
	return 0, errs.E(errs.ErrInvalidArgument, "registry.parse_did_type", "unknown did type %q", raw)
}

// DidRecord is the local proof of a confirmed DID initialisation.
type DidRecord struct {
	Address     string  `json:"address"`
	Type        DidType `json:"type"`
	Description string  `json:"description"`
	TxHash      string  `json:"tx_hash"`
	Version     uint64  `json:"version"`
	CreatedAt   int64   `json:"created_at"`
}

// DidKey is the store key of the DidRecord for addr.
func DidKey(addr crypto.Address) []byte {
	return storage.Key("did", addr.String())
}

// DIDRegistry enforces at most one DID per address.
type DIDRegistry struct {
	db       storage.Database
	runner   pipeline.Runner
	accounts Accounts
	locks    *addrlock.Map
	logger   *slog.Logger
	nowFn    func() time.Time
	module   crypto.Address
	viewer   ledger.Viewer
}

// NewDIDRegistry builds a registry submitting to the DID module published at module.
func NewDIDRegistry(db storage.Database, runner pipeline.Runner, module crypto.Address, deps Deps) *DIDRegistry {
	deps = deps.withDefaults()
	return &DIDRegistry{
		db:       db,
		runner:   runner,
		accounts: deps.Accounts,
		locks:    deps.Locks,
		logger:   deps.Logger.With("component", "did_registry"),
		nowFn:    deps.Now,
		module:   module,
	}
}

// WithViewer enables OnChain lookups.
func (r *DIDRegistry) WithViewer(viewer ledger.Viewer) *DIDRegistry {
	r.viewer = viewer
	return r
}

// InitializeDid issues the DID of addr. The existence check, the ledger
// transaction and the local commit run under the address's ledger lock, and
// the commit itself re-checks absence atomically.
func (r *DIDRegistry) InitializeDid(ctx context.Context, addr crypto.Address, didType DidType, description string) (DidRecord, error) {
	const op = "registry.initialize_did"
	if !didType.Valid() {
		return DidRecord{}, errs.E(errs.ErrInvalidArgument, op, "unknown did type %d", uint8(didType))
	}
	description, err := normalizeText(op, "description", description)
	if err != nil {
		return DidRecord{}, err
	}

	unlock, err := r.locks.LockContext(ctx, ledgerLockKey(addr))
	if err != nil {
		return DidRecord{}, errs.Wrap(errs.ErrTimedOut, op, err)
	}
	defer unlock()

	existing, err := r.GetDid(ctx, addr)
	if err != nil {
		return DidRecord{}, err
	}
	if existing != nil {
		return DidRecord{}, errs.E(errs.ErrDidAlreadyExists, op, "address %s already has a %s DID", addr, existing.Type)
	}

	signer, err := r.accounts.LoadSigningAccount(ctx, addr)
	if err != nil {
		return DidRecord{}, err
	}
	payload, err := ledger.NewEntryFunction(r.module.String()+"::init::init",
		ledger.U8Arg(uint8(didType)),
		ledger.StringArg(description),
	)
	if err != nil {
		return DidRecord{}, errs.Wrap(errs.ErrInvalidArgument, op, err)
	}

	var record DidRecord
	_, err = r.runner.Run(ctx, signer, payload, func(ctx context.Context, receipt pipeline.Receipt) error {
		record = DidRecord{
			Address:     addr.String(),
			Type:        didType,
			Description: description,
			TxHash:      receipt.Hash,
			Version:     receipt.Version,
			CreatedAt:   r.nowFn().UTC().Unix(),
		}
		return r.commit(op, addr, record)
	})
	if err != nil {
		r.logger.Warn("did initialisation failed", "address", addr.String(), "kind", errs.KindName(err), "error", err)
		return DidRecord{}, err
	}
	r.logger.Info("did initialised", "address", addr.String(), "type", didType.String(), "hash", record.TxHash, "version", record.Version)
	return record, nil
}

func (r *DIDRegistry) commit(op string, addr crypto.Address, record DidRecord) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return errs.Wrap(errs.ErrStoreUnavailable, op, err)
	}
	key := DidKey(addr)
	err = r.db.Commit(storage.NewAtomic().Check(key, nil).Set(key, raw))
	if errs.Is(err, storage.ErrConflict) {
		return errs.E(errs.ErrDidAlreadyExists, op, "address %s gained a DID concurrently", addr)
	}
	if err != nil {
		return errs.Wrap(errs.ErrStoreUnavailable, op, err)
	}
	return nil
}

// GetDid returns the DID of addr, or nil when none exists. It never touches
// the ledger.
func (r *DIDRegistry) GetDid(ctx context.Context, addr crypto.Address) (*DidRecord, error) {
	const op = "registry.get_did"
	raw, err := r.db.Get(DidKey(addr))
	if errs.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.ErrStoreUnavailable, op, err)
	}
	var record DidRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, errs.Wrap(errs.ErrStoreUnavailable, op, err)
	}
	return &record, nil
}

// OnChainDid is the DID as the ledger's address aggregator reports it.
type OnChainDid struct {
	Type        DidType `json:"type"`
	Description string  `json:"description"`
}

// OnChain reads type and description of addr through the module's view
// functions.
func (r *DIDRegistry) OnChain(ctx context.Context, addr crypto.Address) (*OnChainDid, error) {
	const op = "registry.on_chain"
	if r.viewer == nil {
		return nil, errs.E(errs.ErrSubmissionFailed, op, "ledger views are not available")
	}
	typeOut, err := r.view(ctx, "get_type", addr)
	if err != nil {
		return nil, errs.Wrap(errs.ErrSubmissionFailed, op, err)
	}
	descOut, err := r.view(ctx, "get_description", addr)
	if err != nil {
		return nil, errs.Wrap(errs.ErrSubmissionFailed, op, err)
	}
	var typeCode json.Number
	if err := json.Unmarshal(typeOut, &typeCode); err != nil {
		var quoted string
		if json.Unmarshal(typeOut, &quoted) != nil {
			return nil, errs.Wrap(errs.ErrSubmissionFailed, op, fmt.Errorf("decode type: %w", err))
		}
		typeCode = json.Number(quoted)
	}
	didType, err := ParseDidType(typeCode.String())
	if err != nil {
		return nil, errs.Wrap(errs.ErrSubmissionFailed, op, err)
	}
	var description string
	if err := json.Unmarshal(descOut, &description); err != nil {
		return nil, errs.Wrap(errs.ErrSubmissionFailed, op, fmt.Errorf("decode description: %w", err))
	}
	return &OnChainDid{Type: didType, Description: description}, nil
}

func (r *DIDRegistry) view(ctx context.Context, function string, addr crypto.Address) (json.RawMessage, error) {
	out, err := r.viewer.View(ctx, ledger.ViewRequest{
		Function:  r.module.String() + "::addr_aggregator::" + function,
		Arguments: []any{addr.String()},
	})
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s returned no values", function)
	}
	return out[0], nil
}
