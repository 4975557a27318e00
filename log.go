// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/btcsuite/btclog"
	"github.com/btcsuite/hdwallet/chain"
	"github.com/btcsuite/hdwallet/chain/esplora"
	"github.com/btcsuite/hdwallet/chainfee"
	"github.com/btcsuite/hdwallet/txbuilder"
	"github.com/btcsuite/hdwallet/txstore"
	"github.com/btcsuite/hdwallet/wallet"
	"github.com/jrick/logrotate/rotator"
)

// logWriter implements an io.Writer that outputs to both standard error and
// an initialized log rotator.  Standard output is left to command results.
type logWriter struct{}

func (logWriter) Write(p []byte) (n int, err error) {
	os.Stderr.Write(p)
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

	log        = backendLog.Logger("HDWL")
	walletLog  = backendLog.Logger("WLLT")
	chainLog   = backendLog.Logger("CHNS")
	esploraLog = backendLog.Logger("ESPL")
	txbuildLog = backendLog.Logger("TXBD")
	feesLog    = backendLog.Logger("FEES")
	txstoreLog = backendLog.Logger("STOR")
)

// Initialize package-global logger variables.
func init() {
	wallet.UseLogger(walletLog)
	chain.UseLogger(chainLog)
	esplora.UseLogger(esploraLog)
	txbuilder.UseLogger(txbuildLog)
	chainfee.UseLogger(feesLog)
	txstore.UseLogger(txstoreLog)
}

// subsystemLoggers maps each subsystem identifier to its associated logger.
var subsystemLoggers = map[string]btclog.Logger{
	"HDWL": log,
	"WLLT": walletLog,
	"CHNS": chainLog,
	"ESPL": esploraLog,
	"TXBD": txbuildLog,
	"FEES": feesLog,
	"STOR": txstoreLog,
}

// initLogRotator initializes the logging rotater to write logs to logFile and
// create roll files in the same directory.  It must be called before the
// package-global log rotater variables are used.
func initLogRotator(logFile string, maxSizeKB int64, maxRolls int) error {
	logDir, _ := filepath.Split(logFile)
	err := os.MkdirAll(logDir, 0700)
	if err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	r, err := rotator.New(logFile, maxSizeKB, false, maxRolls)
	if err != nil {
		return fmt.Errorf("failed to create file rotator: %w", err)
	}

	logRotator = r
	return nil
}

// setLogLevel sets the logging level for provided subsystem.  Invalid
// subsystems are ignored.
func setLogLevel(subsystemID string, logLevel string) {
	// Ignore invalid subsystems.
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
	// Configure all sub-systems with the new logging level.
	for subsystemID := range subsystemLoggers {
		setLogLevel(subsystemID, logLevel)
	}
}
