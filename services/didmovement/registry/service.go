package registry

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/url"
	"strings"
	"time"

	errs "didmovement/core/errors"
	"didmovement/crypto"
	"didmovement/ledger"
	"didmovement/observability"
	"didmovement/services/didmovement/addrlock"
	"didmovement/services/didmovement/pipeline"
	"didmovement/storage"
)

const maxServiceCommitRetries = 3

// ServiceDescriptor is one service advertised under a DID.
type ServiceDescriptor struct {
	Name            string `json:"name"`
	Description     string `json:"description"`
	URL             string `json:"url"`
	VerificationURL string `json:"verification_url"`
	SpecFields      string `json:"spec_fields"`
	// ExpiresAt is a unix timestamp; 0 never expires.
	ExpiresAt    uint64 `json:"expires_at"`
	TxHash       string `json:"tx_hash"`
	Version      uint64 `json:"version"`
	RegisteredAt int64  `json:"registered_at"`
}

// ServiceList holds the services of one address in commit order.
type ServiceList struct {
	Address  string              `json:"address"`
	Services []ServiceDescriptor `json:"services"`
}

// ServicesKey is the store key of the ServiceList for addr.
func ServicesKey(addr crypto.Address) []byte {
	return storage.Key("services", addr.String())
}

// ServiceRegistry appends services to per-address lists.
type ServiceRegistry struct {
	db           storage.Database
	runner       pipeline.Runner
	accounts     Accounts
	locks        *addrlock.Map
	logger       *slog.Logger
	nowFn        func() time.Time
	module       crypto.Address
	callbackBase string
	metrics      *observability.StoreMetrics
}

// NewServiceRegistry builds a registry submitting to the service aggregator
// published at module. Callback URLs are rooted at callbackBase.
func NewServiceRegistry(db storage.Database, runner pipeline.Runner, module crypto.Address, callbackBase string, deps Deps) *ServiceRegistry {
	deps = deps.withDefaults()
	return &ServiceRegistry{
		db:           db,
		runner:       runner,
		accounts:     deps.Accounts,
		locks:        deps.Locks,
		logger:       deps.Logger.With("component", "service_registry"),
		nowFn:        deps.Now,
		module:       module,
		callbackBase: strings.TrimRight(strings.TrimSpace(callbackBase), "/"),
		metrics:      observability.Store(),
	}
}

// CallbackURL is the endpoint advertised for service name of addr.
func (r *ServiceRegistry) CallbackURL(addr crypto.Address, name string) string {
	return r.callbackBase + "/" + addr.String() + "/" + url.PathEscape(name)
}

// RegisterService submits a service registration for addr and, once
// confirmed, appends it to the address's list. Multiple services per address
// are allowed.
func (r *ServiceRegistry) RegisterService(ctx context.Context, addr crypto.Address, name, description string) (ServiceDescriptor, error) {
	const op = "registry.register_service"
	name, err := normalizeText(op, "name", name)
	if err != nil {
		return ServiceDescriptor{}, err
	}
	description, err = normalizeText(op, "description", description)
	if err != nil {
		return ServiceDescriptor{}, err
	}

	unlock, err := r.locks.LockContext(ctx, ledgerLockKey(addr))
	if err != nil {
		return ServiceDescriptor{}, errs.Wrap(errs.ErrTimedOut, op, err)
	}
	defer unlock()

	signer, err := r.accounts.LoadSigningAccount(ctx, addr)
	if err != nil {
		return ServiceDescriptor{}, err
	}
	service := ServiceDescriptor{
		Name:        name,
		Description: description,
		URL:         r.CallbackURL(addr, name),
	}
	payload, err := ledger.NewEntryFunction(r.module.String()+"::service_aggregator::add_service",
		ledger.StringArg(service.Name),
		ledger.StringArg(service.Description),
		ledger.StringArg(service.URL),
		ledger.StringArg(service.VerificationURL),
		ledger.StringArg(service.SpecFields),
		ledger.U64Arg(service.ExpiresAt),
	)
	if err != nil {
		return ServiceDescriptor{}, errs.Wrap(errs.ErrInvalidArgument, op, err)
	}

	_, err = r.runner.Run(ctx, signer, payload, func(ctx context.Context, receipt pipeline.Receipt) error {
		service.TxHash = receipt.Hash
		service.Version = receipt.Version
		service.RegisteredAt = r.nowFn().UTC().Unix()
		return r.appendService(op, addr, service)
	})
	if err != nil {
		r.logger.Warn("service registration failed", "address", addr.String(), "name", name, "kind", errs.KindName(err), "error", err)
		return ServiceDescriptor{}, err
	}
	r.logger.Info("service registered", "address", addr.String(), "name", name, "hash", service.TxHash, "version", service.Version)
	return service, nil
}

func (r *ServiceRegistry) appendService(op string, addr crypto.Address, service ServiceDescriptor) error {
	key := ServicesKey(addr)
	for attempt := 1; attempt <= maxServiceCommitRetries; attempt++ {
		list, previous, err := r.load(op, addr)
		if err != nil {
			return err
		}
		list.Services = append(list.Services, service)
		raw, err := json.Marshal(list)
		if err != nil {
			return errs.Wrap(errs.ErrStoreUnavailable, op, err)
		}
		err = r.db.Commit(storage.NewAtomic().Check(key, previous).Set(key, raw))
		if err == nil {
			return nil
		}
		if !errs.Is(err, storage.ErrConflict) {
			return errs.Wrap(errs.ErrStoreUnavailable, op, err)
		}
		r.metrics.RecordConflict("services")
	}
	return errs.E(errs.ErrStoreUnavailable, op, "service list of %s is contended", addr)
}

// ListServices returns the services of addr in commit order; an address
// without services yields an empty list.
func (r *ServiceRegistry) ListServices(ctx context.Context, addr crypto.Address) (ServiceList, error) {
	list, _, err := r.load("registry.list_services", addr)
	return list, err
}

// load returns the list and its raw bytes; raw is nil when absent.
func (r *ServiceRegistry) load(op string, addr crypto.Address) (ServiceList, []byte, error) {
	empty := ServiceList{Address: addr.String(), Services: []ServiceDescriptor{}}
	raw, err := r.db.Get(ServicesKey(addr))
	if errs.Is(err, storage.ErrNotFound) {
		return empty, nil, nil
	}
	if err != nil {
		return ServiceList{}, nil, errs.Wrap(errs.ErrStoreUnavailable, op, err)
	}
	var list ServiceList
	if err := json.Unmarshal(raw, &list); err != nil {
		return ServiceList{}, nil, errs.Wrap(errs.ErrStoreUnavailable, op, err)
	}
	if list.Services == nil {
		list.Services = []ServiceDescriptor{}
	}
	return list, raw, nil
}
