// Copyright (c) 2013-2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcnotary/coinselect"
	"github.com/btcsuite/btcnotary/internal/cfgutil"
	"github.com/btcsuite/btcnotary/netparams"
	"github.com/btcsuite/btcnotary/notary"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	flags "github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename = "notaryd.conf"
	defaultLogLevel       = "info"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "notaryd.log"
	defaultNetwork        = "mainnet"
	defaultLedger         = "bolt"
	defaultWorkers        = 4
	defaultAMQPQueue      = "notary_blocks"

	boltDBName   = "ledger.db"
	sqliteDBName = "ledger.sqlite"

	appVersion = "0.1.0"
)

var (
	notarydHomeDir    = btcutil.AppDataDir("notaryd", false)
	defaultConfigFile = filepath.Join(notarydHomeDir, defaultConfigFilename)
	defaultDataDir    = notarydHomeDir
	defaultLogDir     = filepath.Join(notarydHomeDir, defaultLogDirname)
	defaultKeyFile    = filepath.Join(notarydHomeDir, "keys.wif")
	bitcoindCAFile    = filepath.Join(btcutil.AppDataDir("btcd", false),
		"rpc.cert")
)

// Ledger backends.
const (
	ledgerMemory   = "memory"
	ledgerBolt     = "bolt"
	ledgerSQLite   = "sqlite"
	ledgerPostgres = "postgres"
)

type config struct {
	// General application behavior
	ConfigFile  string `short:"C" long:"configfile" description:"Path to configuration file"`
	ShowVersion bool   `short:"V" long:"version" description:"Display version information and exit"`
	DataDir     string `short:"b" long:"datadir" description:"Directory to store the local ledger"`
	Network     string `long:"network" description:"Bitcoin network {mainnet, testnet3, testnet4, regtest, simnet}"`
	DebugLevel  string `short:"d" long:"debuglevel" description:"Logging level {trace, debug, info, warn, error, critical}, or <subsystem>=<level>,..."`
	LogDir      string `long:"logdir" description:"Directory to log output."`
	Profile     string `long:"profile" description:"Enable HTTP profiling on given port -- NOTE port must be between 1024 and 65536"`
	MetricsAddr string `long:"metricslisten" description:"Serve prometheus metrics on this interface/port"`

	// Notary options
	NodeID           string              `long:"nodeid" description:"Identifier of this notary in the ledger records"`
	KeyFile          string              `long:"keyfile" description:"File of WIF encoded notary keys, one per line"`
	Peers            int                 `long:"peers" description:"Number of notaries (default: the quorum of the withdrawal account)"`
	MinConfirmations int32               `long:"minconf" description:"Confirmations an output needs to be spent"`
	MaxInputs        int                 `long:"maxinputs" description:"Maximum inputs of a withdrawal transaction"`
	FlatFee          *cfgutil.AmountFlag `long:"flatfee" description:"Fee paid by every withdrawal transaction, in BTC or with a sat suffix"`
	RelayFee         *cfgutil.AmountFlag `long:"relayfee" description:"Minimum relay fee per kB deciding whether change is dust"`
	Workers          int64               `long:"workers" description:"Maximum concurrent transaction completions"`
	CreateAccounts   bool                `long:"createaccounts" description:"Create the service accounts in the ledger if missing"`

	// Ledger accounts
	WithdrawalAccount string `long:"withdrawalaccount" description:"Account receiving withdrawal transfers"`
	BillingAccount    string `long:"billingaccount" description:"Account receiving withdrawal fees"`
	TxStorageAccount  string `long:"txstorageaccount" description:"Account storing withdrawal transactions"`
	UTXOAccount       string `long:"utxoaccount" description:"Account storing output claims"`
	ClientAccount     string `long:"clientaddressaccount" description:"Account of registered client addresses"`
	ChangeAccount     string `long:"changeaddressaccount" description:"Account of registered change addresses"`

	// Ledger options
	Ledger    string `long:"ledger" description:"Ledger backend {memory, bolt, sqlite, postgres}"`
	LedgerDSN string `long:"ledgerdsn" default-mask:"-" description:"Connection string of the postgres ledger"`
	AMQPURL   string `long:"amqpurl" default-mask:"-" description:"Consume ledger blocks from this AMQP broker instead of the local journal"`
	AMQPQueue string `long:"amqpqueue" description:"Queue of the ledger blocks"`

	// RPC client options
	RPCConnect       string `short:"c" long:"rpcconnect" description:"Hostname/IP and port of the bitcoin node RPC server to connect to"`
	CAFile           string `long:"cafile" description:"File containing root certificates to authenticate a TLS connection with the node"`
	DisableClientTLS bool   `long:"noclienttls" description:"Disable TLS for the RPC client -- NOTE: This is only allowed if the RPC client is connecting to localhost"`
	RPCUser          string `short:"u" long:"rpcuser" description:"Username for node RPC authentication"`
	RPCPass          string `short:"P" long:"rpcpass" default-mask:"-" description:"Password for node RPC authentication"`

	activeNet *netparams.Params
}

// cleanAndExpandPath expands environement variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		homeDir := filepath.Dir(notarydHomeDir)
		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows cmd.exe-style
	// %VARIABLE%, but they variables can still be expanded via POSIX-style
	// $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}

// validLogLevel returns whether or not logLevel is a valid debug log level.
func validLogLevel(logLevel string) bool {
	switch logLevel {
	case "trace", "debug", "info", "warn", "error", "critical":
		return true
	}
	return false
}

// parseAndSetDebugLevels attempts to parse the specified debug level and set
// the levels accordingly.  An appropriate error is returned if anything is
// invalid.
func parseAndSetDebugLevels(debugLevel string) error {
	// When the specified string doesn't have any delimters, treat it as
	// the log level for all subsystems.
	if !strings.Contains(debugLevel, ",") && !strings.Contains(debugLevel, "=") {
		// Validate debug log level.
		if !validLogLevel(debugLevel) {
			str := "the specified debug level [%v] is invalid"
			return fmt.Errorf(str, debugLevel)
		}

		// Change the logging level for all subsystems.
		setLogLevels(debugLevel)

		return nil
	}

	// Split the specified string into subsystem/level pairs while detecting
	// issues and update the log levels accordingly.
	for _, logLevelPair := range strings.Split(debugLevel, ",") {
		if !strings.Contains(logLevelPair, "=") {
			str := "the specified debug level contains an invalid " +
				"subsystem/level pair [%v]"
			return fmt.Errorf(str, logLevelPair)
		}

		// Extract the specified subsystem and log level.
		fields := strings.Split(logLevelPair, "=")
		subsysID, logLevel := fields[0], fields[1]

		// Validate subsystem.
		if _, exists := subsystemLoggers[subsysID]; !exists {
			str := "the specified subsystem [%v] is invalid -- " +
				"supported subsytems %v"
			return fmt.Errorf(str, subsysID, supportedSubsystems())
		}

		// Validate log level.
		if !validLogLevel(logLevel) {
			str := "the specified debug level [%v] is invalid"
			return fmt.Errorf(str, logLevel)
		}

		setLogLevel(subsysID, logLevel)
	}

	return nil
}

// defaultConfig returns the configuration used when no option is set.
func defaultConfig() config {
	accounts := notary.DefaultAccounts()
	fees := coinselect.DefaultFeePolicy()

	return config{
		ConfigFile:        defaultConfigFile,
		DataDir:           defaultDataDir,
		Network:           defaultNetwork,
		DebugLevel:        defaultLogLevel,
		LogDir:            defaultLogDir,
		KeyFile:           defaultKeyFile,
		MinConfirmations:  notary.DefaultMinConfirmations,
		MaxInputs:         coinselect.DefaultMaxInputs,
		FlatFee:           cfgutil.NewAmountFlag(fees.FlatFee),
		RelayFee:          cfgutil.NewAmountFlag(txrules.DefaultRelayFeePerKb),
		Workers:           defaultWorkers,
		WithdrawalAccount: accounts.Withdrawal,
		BillingAccount:    accounts.Billing,
		TxStorageAccount:  accounts.TxStorage,
		UTXOAccount:       accounts.UTXOStorage,
		ClientAccount:     accounts.ClientAddresses,
		ChangeAccount:     accounts.ChangeAddresses,
		Ledger:            defaultLedger,
		AMQPQueue:         defaultAMQPQueue,
		CAFile:            bitcoindCAFile,
	}
}

// accounts returns the ledger accounts selected by the options.
func (c *config) accounts() notary.Accounts {
	return notary.Accounts{
		Withdrawal:      c.WithdrawalAccount,
		Billing:         c.BillingAccount,
		TxStorage:       c.TxStorageAccount,
		UTXOStorage:     c.UTXOAccount,
		ClientAddresses: c.ClientAccount,
		ChangeAddresses: c.ChangeAccount,
	}
}

// fees returns the fee policy selected by the options.
func (c *config) fees() coinselect.FeePolicy {
	return coinselect.FeePolicy{
		FlatFee:       c.FlatFee.Amount,
		RelayFeePerKb: c.RelayFee.Amount,
	}
}

// validate checks the options that do not depend on the environment and
// fills in the network dependent defaults.
func (c *config) validate() error {
	var err error
	c.activeNet, err = netparams.ByName(c.Network)
	if err != nil {
		return err
	}

	if c.NodeID == "" {
		return errors.New("--nodeid is required")
	}
	if c.MinConfirmations < 1 {
		return fmt.Errorf("--minconf must be positive, got %d",
			c.MinConfirmations)
	}
	if c.FlatFee.Amount <= 0 {
		return fmt.Errorf("--flatfee must be positive, got %v",
			c.FlatFee.Amount)
	}

	switch c.Ledger {
	case ledgerMemory, ledgerBolt, ledgerSQLite:
	case ledgerPostgres:
		if c.LedgerDSN == "" {
			return errors.New("--ledgerdsn is required by the " +
				"postgres ledger")
		}
	default:
		return fmt.Errorf("unknown ledger backend %q", c.Ledger)
	}

	if c.RPCConnect == "" {
		c.RPCConnect = net.JoinHostPort("localhost",
			c.activeNet.RPCClientPort)
	}

	// Add default port to connect flag if missing.
	c.RPCConnect, err = cfgutil.NormalizeAddress(c.RPCConnect,
		c.activeNet.RPCClientPort)
	if err != nil {
		return fmt.Errorf("invalid rpcconnect network address: %w", err)
	}

	if c.DisableClientTLS {
		local, err := cfgutil.IsLocalhost(c.RPCConnect)
		if err != nil {
			return err
		}
		if !local {
			return fmt.Errorf("the --noclienttls option may not be "+
				"used when connecting RPC to non localhost "+
				"address %s", c.RPCConnect)
		}
	}

	return nil
}

// loadConfig initializes and parses the config using a config file and command
// line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
//
// The above results in notaryd functioning properly without any config
// settings while still allowing the user to override settings with config files
// and command line options.  Command line options always take precedence.
func loadConfig() (*config, []string, error) {
	cfg := defaultConfig()

	// Pre-parse the command line options to see if an alternative config
	// file or the version flag was specified.
	preCfg := cfg
	preParser := flags.NewParser(&preCfg, flags.Default)
	_, err := preParser.Parse()
	if err != nil {
		var e *flags.Error
		if !errors.As(err, &e) || e.Type != flags.ErrHelp {
			preParser.WriteHelp(os.Stderr)
		}
		return nil, nil, err
	}

	// Show the version and exit if the version flag was specified.
	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	if preCfg.ShowVersion {
		fmt.Println(appName, "version", appVersion)
		os.Exit(0)
	}

	// Load additional config from file.
	var configFileError error
	parser := flags.NewParser(&cfg, flags.Default)
	err = flags.NewIniParser(parser).ParseFile(preCfg.ConfigFile)
	if err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			fmt.Fprintln(os.Stderr, err)
			parser.WriteHelp(os.Stderr)
			return nil, nil, err
		}
		configFileError = err
	}

	// Parse command line options again to ensure they take precedence.
	remainingArgs, err := parser.Parse()
	if err != nil {
		var e *flags.Error
		if !errors.As(err, &e) || e.Type != flags.ErrHelp {
			parser.WriteHelp(os.Stderr)
		}
		return nil, nil, err
	}

	cfg.DataDir = cleanAndExpandPath(cfg.DataDir)
	cfg.KeyFile = cleanAndExpandPath(cfg.KeyFile)
	cfg.CAFile = cleanAndExpandPath(cfg.CAFile)

	// Special show command to list supported subsystems and exit.
	if cfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems", supportedSubsystems())
		os.Exit(0)
	}

	if err := cfg.validate(); err != nil {
		err := fmt.Errorf("loadConfig: %w", err)
		fmt.Fprintln(os.Stderr, err)
		parser.WriteHelp(os.Stderr)
		return nil, nil, err
	}

	// Append the network type to the data and log directories so they
	// are "namespaced" per network.
	cfg.DataDir = filepath.Join(cfg.DataDir, cfg.activeNet.Name)
	cfg.LogDir = filepath.Join(cleanAndExpandPath(cfg.LogDir),
		cfg.activeNet.Name)

	// Initialize log rotation.  After log rotation has been initialized,
	// the logger variables may be used.
	logFile := filepath.Join(cfg.LogDir, defaultLogFilename)
	if err := initLogRotator(logFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}
	setLogLevels(defaultLogLevel)

	// Parse, validate, and set debug log level(s).
	if err := parseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		err := fmt.Errorf("loadConfig: %w", err)
		fmt.Fprintln(os.Stderr, err)
		parser.WriteHelp(os.Stderr)
		return nil, nil, err
	}

	// Warn about missing config file after the final command line parse
	// succeeds.  This prevents the warning on help messages and invalid
	// options.
	if configFileError != nil {
		log.Warnf("%v", configFileError)
	}

	return &cfg, remainingArgs, nil
}
