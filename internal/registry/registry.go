// Package registry persists the non-secret side of provisioning:
// identity to public key mappings and per-counterpart copy trade
// configuration. Secrets never land here; the signing boundary owns
// key material.
package registry

import (
	"context"
	"encoding/json"
	"strings"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"

	"github.com/starfolk/gostellar/internal/domain"
)

type Registry struct {
	db *badger.DB
}

func Open(path string) (*Registry, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("registry: path is required")
	}
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "open registry")
	}
	return &Registry{db: db}, nil
}

func (r *Registry) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

const (
	keyPrefix  = "pubkey/"
	copyPrefix = "copycfg/"
)

// PublicKey implements ports.KeyResolver.
func (r *Registry) PublicKey(_ context.Context, identity string) (string, error) {
	var out string
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyPrefix + identity))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			out = string(val)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", errors.Errorf("no public key registered for identity %q", identity)
	}
	if err != nil {
		return "", err
	}
	return out, nil
}

func (r *Registry) SetPublicKey(identity, publicKey string) error {
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(keyPrefix+identity), []byte(publicKey))
	})
}

// Config implements ports.CopyConfigSource.
func (r *Registry) Config(_ context.Context, identity, counterpart string) (*domain.CopyTradeConfig, error) {
	var cfg domain.CopyTradeConfig
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(copyPrefix + identity + "/" + counterpart))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &cfg)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, errors.Errorf("no copy trade config for %s following %s", identity, counterpart)
	}
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (r *Registry) SetConfig(identity, counterpart string, cfg *domain.CopyTradeConfig) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(copyPrefix+identity+"/"+counterpart), raw)
	})
}
