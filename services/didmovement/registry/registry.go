// Package registry issues DIDs and registers services under them. Every write
// goes through a pipeline.Runner and becomes local state only after the
// runner reports the ledger transaction as confirmed.
package registry

import (
	"context"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	errs "didmovement/core/errors"
	"didmovement/crypto"
	"didmovement/services/didmovement/addrlock"
	"didmovement/services/didmovement/custody"
)

const maxTextLength = 1024

// Accounts loads signing accounts for ledger writes.
type Accounts interface {
	LoadSigningAccount(ctx context.Context, addr crypto.Address) (*custody.Account, error)
}

// Deps are the collaborators shared by both registries. Locks should be the
// same map for the DID and service registry so writes of one address are
// serialised across both.
type Deps struct {
	Accounts Accounts
	Locks    *addrlock.Map
	Logger   *slog.Logger
	Now      func() time.Time
}

func (d Deps) withDefaults() Deps {
	if d.Locks == nil {
		d.Locks = addrlock.New()
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return d
}

func ledgerLockKey(addr crypto.Address) string {
	return "ledger:" + addr.String()
}

// normalizeText trims and NFC-normalises free text and enforces presence and
// a length bound.
func normalizeText(op, field, raw string) (string, error) {
	value := norm.NFC.String(strings.TrimSpace(raw))
	if value == "" {
		return "", errs.E(errs.ErrInvalidArgument, op, "%s is required", field)
	}
	if !utf8.ValidString(value) {
		return "", errs.E(errs.ErrInvalidArgument, op, "%s is not valid UTF-8", field)
	}
	if len(value) > maxTextLength {
		return "", errs.E(errs.ErrInvalidArgument, op, "%s exceeds %d bytes", field, maxTextLength)
	}
	return value, nil
}
