// Copyright (c) 2013-2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btclog"
	"github.com/btcsuite/btcnotary/addrbook"
	"github.com/btcsuite/btcnotary/blockstream"
	"github.com/btcsuite/btcnotary/broadcast"
	"github.com/btcsuite/btcnotary/chain"
	"github.com/btcsuite/btcnotary/coinselect"
	"github.com/btcsuite/btcnotary/consensus"
	"github.com/btcsuite/btcnotary/ledger"
	"github.com/btcsuite/btcnotary/notary"
	"github.com/btcsuite/btcnotary/rollback"
	"github.com/btcsuite/btcnotary/signing"
	"github.com/btcsuite/btcnotary/txbuilder"
	"github.com/btcsuite/btcnotary/utxo"
	"github.com/btcsuite/btcnotary/withdrawal"
	"github.com/jrick/logrotate/rotator"
)

// logWriter implements an io.Writer that outputs to both standard output and
// the write-end pipe of an initialized log rotator.
type logWriter struct{}

func (logWriter) Write(p []byte) (n int, err error) {
	os.Stdout.Write(p)
	if logRotator != nil {
		logRotator.Write(p)
	}
	return len(p), nil
}

// Loggers per subsystem.  A single backend logger is created and all subsystem
// loggers created from it will write to the backend.  When adding new
// subsystems, add the subsystem logger variable here and to the
// subsystemLoggers map.
//
// Loggers can not be used before the log rotator has been initialized with a
// log file.  This must be performed early during application startup by
// calling initLogRotator.
var (
	// backendLog is the logging backend used to create all subsystem
	// loggers.  The backend must not be used before the log rotator has
	// been initialized, or data races and/or nil pointer dereferences will
	// occur.
	backendLog = btclog.NewBackend(logWriter{})

	// logRotator is one of the logging outputs.  It should be closed on
	// application shutdown.
	logRotator *rotator.Rotator

	log     = backendLog.Logger("NTRD")
	abokLog = backendLog.Logger("ABOK")
	bcstLog = backendLog.Logger("BCST")
	bstrLog = backendLog.Logger("BSTR")
	chanLog = backendLog.Logger("CHAN")
	cnssLog = backendLog.Logger("CNSS")
	cselLog = backendLog.Logger("CSEL")
	ldgrLog = backendLog.Logger("LDGR")
	ntryLog = backendLog.Logger("NTRY")
	rlbkLog = backendLog.Logger("RLBK")
	rpccLog = backendLog.Logger("RPCC")
	signLog = backendLog.Logger("SIGN")
	txblLog = backendLog.Logger("TXBL")
	utxoLog = backendLog.Logger("UTXO")
	wdrlLog = backendLog.Logger("WDRL")
)

// Initialize package-global logger variables.
func init() {
	addrbook.UseLogger(abokLog)
	broadcast.UseLogger(bcstLog)
	blockstream.UseLogger(bstrLog)
	chain.UseLogger(chanLog)
	consensus.UseLogger(cnssLog)
	coinselect.UseLogger(cselLog)
	ledger.UseLogger(ldgrLog)
	notary.UseLogger(ntryLog)
	rollback.UseLogger(rlbkLog)
	rpcclient.UseLogger(rpccLog)
	signing.UseLogger(signLog)
	txbuilder.UseLogger(txblLog)
	utxo.UseLogger(utxoLog)
	withdrawal.UseLogger(wdrlLog)
}

// subsystemLoggers maps each subsystem identifier to its associated logger.
var subsystemLoggers = map[string]btclog.Logger{
	"NTRD": log,
	"ABOK": abokLog,
	"BCST": bcstLog,
	"BSTR": bstrLog,
	"CHAN": chanLog,
	"CNSS": cnssLog,
	"CSEL": cselLog,
	"LDGR": ldgrLog,
	"NTRY": ntryLog,
	"RLBK": rlbkLog,
	"RPCC": rpccLog,
	"SIGN": signLog,
	"TXBL": txblLog,
	"UTXO": utxoLog,
	"WDRL": wdrlLog,
}

// initLogRotator initializes the logging rotater to write logs to logFile and
// create roll files in the same directory.  It must be called before the
// package-global log rotater variables are used.
func initLogRotator(logFile string) error {
	logDir, _ := filepath.Split(logFile)
	if err := os.MkdirAll(logDir, 0700); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	r, err := rotator.New(logFile, 10*1024, false, 3)
	if err != nil {
		return fmt.Errorf("failed to create file rotator: %w", err)
	}

	logRotator = r
	return nil
}

// setLogLevel sets the logging level for provided subsystem.  Invalid
// subsystems are ignored.
func setLogLevel(subsystemID string, logLevel string) {
	logger, ok := subsystemLoggers[subsystemID]
	if !ok {
		return
	}

	// Defaults to info if the log level is invalid.
	level, _ := btclog.LevelFromString(logLevel)
	logger.SetLevel(level)
}

// setLogLevels sets the log level for all subsystem loggers to the passed
// level.
func setLogLevels(logLevel string) {
	for subsystemID := range subsystemLoggers {
		setLogLevel(subsystemID, logLevel)
	}
}

// supportedSubsystems returns a sorted slice of the supported subsystems for
// logging purposes.
func supportedSubsystems() []string {
	subsystems := make([]string, 0, len(subsystemLoggers))
	for subsysID := range subsystemLoggers {
		subsystems = append(subsystems, subsysID)
	}

	// Sort the subsytems for stable display.
	sort.Strings(subsystems)
	return subsystems
}
