package custody

import (
	"strings"

	errs "didmovement/core/errors"
	"didmovement/crypto"
	"didmovement/storage"
)

var saltKey = storage.Key("meta", "custody_salt")

// LoadSealer derives the at-rest sealer from passphrase and the salt kept in
// db, creating the salt on first use. An empty passphrase yields a nil sealer.
func LoadSealer(db storage.Database, passphrase string) (*crypto.Sealer, error) {
	const op = "custody.load_sealer"
	if strings.TrimSpace(passphrase) == "" {
		return nil, nil
	}
	salt, err := db.Get(saltKey)
	if errs.Is(err, storage.ErrNotFound) {
		fresh, genErr := crypto.NewSalt()
		if genErr != nil {
			return nil, errs.Wrap(errs.ErrSigningError, op, genErr)
		}
		err = db.Commit(storage.NewAtomic().Check(saltKey, nil).Set(saltKey, fresh))
		switch {
		case err == nil:
			salt = fresh
		case errs.Is(err, storage.ErrConflict):
			salt, err = db.Get(saltKey)
		}
	}
	if err != nil {
		return nil, errs.Wrap(errs.ErrStoreUnavailable, op, err)
	}
	sealer, err := crypto.NewSealer(passphrase, salt)
	if err != nil {
		return nil, errs.Wrap(errs.ErrSigningError, op, err)
	}
	return sealer, nil
}
