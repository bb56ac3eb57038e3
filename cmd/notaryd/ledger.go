// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	"github.com/btcsuite/btcnotary/internal/cfgutil"
	"github.com/btcsuite/btcnotary/ledger"
	"github.com/btcsuite/btcwallet/walletdb"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// boltTimeout bounds how long opening the bolt ledger waits for its file
// lock.
const boltTimeout = 10 * time.Second

// openLedger opens the ledger backend selected by cfg.  The returned
// function releases it.
func openLedger(ctx context.Context, cfg *config) (ledger.Store, func(),
	error) {

	switch cfg.Ledger {
	case ledgerMemory:
		log.Warn("Using an in-memory ledger, state is lost on exit")
		return ledger.NewMemoryStore(), func() {}, nil

	case ledgerBolt:
		return openBoltLedger(cfg.DataDir)

	case ledgerSQLite:
		if err := cfgutil.EnsureDir(cfg.DataDir); err != nil {
			return nil, nil, err
		}
		dsn := filepath.Join(cfg.DataDir, sqliteDBName)
		return openSQLLedger(ctx, dsn, ledger.DialectSQLite)

	case ledgerPostgres:
		return openSQLLedger(ctx, cfg.LedgerDSN, ledger.DialectPostgres)
	}

	return nil, nil, fmt.Errorf("unknown ledger backend %q", cfg.Ledger)
}

func openBoltLedger(dataDir string) (ledger.Store, func(), error) {
	if err := cfgutil.EnsureDir(dataDir); err != nil {
		return nil, nil, err
	}

	dbPath := filepath.Join(dataDir, boltDBName)
	exists, err := cfgutil.FileExists(dbPath)
	if err != nil {
		return nil, nil, err
	}

	var db walletdb.DB
	if exists {
		db, err = walletdb.Open("bdb", dbPath, true, boltTimeout, false)
	} else {
		db, err = walletdb.Create("bdb", dbPath, true, boltTimeout, false)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("open ledger %s: %w", dbPath, err)
	}

	store, err := ledger.NewBoltStore(db)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	log.Infof("Opened ledger %s", dbPath)

	return store, func() {
		if err := db.Close(); err != nil {
			log.Errorf("Unable to close ledger: %v", err)
		}
	}, nil
}

func openSQLLedger(ctx context.Context, dsn string,
	dialect ledger.Dialect) (ledger.Store, func(), error) {

	db, err := sql.Open(dialect.String(), dsn)
	if err != nil {
		return nil, nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("connect to %v ledger: %w",
			dialect, err)
	}

	store, err := ledger.NewSQLStore(ctx, db, dialect)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	log.Infof("Opened %v ledger", dialect)

	return store, func() {
		if err := db.Close(); err != nil {
			log.Errorf("Unable to close ledger: %v", err)
		}
	}, nil
}
