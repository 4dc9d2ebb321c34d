package pipeline

import (
	"context"
	"log/slog"

	"didmovement/ledger"
	"didmovement/observability/logging"
)

// Offline is a Runner for deployments without a reachable ledger. It never
// builds or submits a transaction and commits with an empty Receipt.
type Offline struct {
	logger *slog.Logger
}

// NewOffline returns the degraded, store-only Runner.
func NewOffline(logger *slog.Logger) *Offline {
	return &Offline{logger: logging.OrDefault(logger).With("component", "pipeline", "mode", "offline")}
}

func (o *Offline) Run(ctx context.Context, signer Signer, payload ledger.EntryFunction, commit CommitFunc) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	o.logger.Warn("ledger write skipped", "address", signer.Address().String(), "function", payload.ID())
	if commit == nil {
		return Receipt{}, nil
	}
	return Receipt{}, commit(ctx, Receipt{})
}
