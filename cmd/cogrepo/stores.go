package main

import (
	"errors"
	"fmt"

	"github.com/cogrepo/cogrepo/internal/archive"
	"github.com/cogrepo/cogrepo/internal/config"
	"github.com/cogrepo/cogrepo/internal/db"
	"github.com/cogrepo/cogrepo/internal/fileutil"
	"github.com/cogrepo/cogrepo/internal/ledger"
	"github.com/cogrepo/cogrepo/internal/output"
)

// stores bundles the durable state of a data directory.
type stores struct {
	cfg      config.Config
	lock     *fileutil.FileLock
	registry *archive.Registry
	ledger   *ledger.State
	catalog  *db.DB
	out      *output.Writer
}

type openMode int

const (
	// readOnly opens the registry, ledger and catalog without
	// taking the data-dir lock.
	readOnly openMode = iota
	// exclusive also takes the lock and opens the output file.
	exclusive
)

// openStores opens the stores of cfg.DataDir. In exclusive mode
// a second concurrent invocation fails fast.
func openStores(cfg config.Config, mode openMode) (*stores, error) {
	s := &stores{cfg: cfg}
	if mode == exclusive {
		lock, err := fileutil.Lock(cfg.LockPath())
		if errors.Is(err, fileutil.ErrLocked) {
			return nil, fmt.Errorf(
				"another cogrepo command is running on %s", cfg.DataDir,
			)
		}
		if err != nil {
			return nil, err
		}
		s.lock = lock
	}

	var err error
	if s.registry, err = archive.OpenRegistry(cfg.RegistryPath()); err != nil {
		s.Close()
		return nil, err
	}
	if s.ledger, err = ledger.Load(cfg.LedgerPath()); err != nil {
		s.Close()
		return nil, err
	}
	if s.catalog, err = db.Open(cfg.CatalogPath()); err != nil {
		s.Close()
		return nil, fmt.Errorf("opening catalog: %w", err)
	}
	if mode == exclusive {
		if s.out, err = output.Open(cfg.OutputPath()); err != nil {
			s.Close()
			return nil, err
		}
	}
	return s, nil
}

// Close releases everything openStores acquired.
func (s *stores) Close() error {
	var errs []error
	if s.out != nil {
		errs = append(errs, s.out.Close())
	}
	if s.catalog != nil {
		errs = append(errs, s.catalog.Close())
	}
	errs = append(errs, s.lock.Unlock())
	return errors.Join(errs...)
}
