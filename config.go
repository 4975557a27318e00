// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/hdwallet/descriptor"
	"github.com/btcsuite/hdwallet/internal/cfgutil"
	"github.com/btcsuite/hdwallet/mnemonic"
	flags "github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename = "hdwallet.conf"
	defaultLogLevel       = "info"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "hdwallet.log"
	defaultMaxLogFiles    = 3
	defaultMaxLogFileSize = 10
	defaultNetwork        = "bitcoin"
	defaultScriptType     = "native_segwit"
	defaultLanguage       = "english"
	defaultStore          = storeBolt
	defaultEsploraRetries = 3
	defaultRequestTimeout = 30 * time.Second
	defaultDBTimeout      = 10 * time.Second

	storeBolt   = "bolt"
	storeSQLite = "sqlite"
	storeMemory = "memory"

	boltDBName   = "accounts.db"
	sqliteDBName = "accounts.sqlite"
)

var (
	hdwalletHomeDir   = btcutil.AppDataDir("hdwallet", false)
	defaultConfigFile = filepath.Join(hdwalletHomeDir, defaultConfigFilename)
	defaultDataDir    = hdwalletHomeDir
	defaultLogDir     = filepath.Join(hdwalletHomeDir, defaultLogDirname)

	// defaultEsploraURLs is the Esplora API used per network unless one is
	// configured.
	defaultEsploraURLs = map[descriptor.Network]string{
		descriptor.Bitcoin: "https://blockstream.info/api",
		descriptor.Testnet: "https://blockstream.info/testnet/api",
		descriptor.Signet:  "https://mempool.space/signet/api",
		descriptor.Regtest: "http://127.0.0.1:3002",
	}
)

type config struct {
	// General application behavior
	ConfigFile     string `short:"C" long:"configfile" description:"Path to configuration file"`
	ShowVersion    bool   `short:"V" long:"version" description:"Display version information and exit"`
	DataDir        string `short:"b" long:"datadir" description:"Directory to store account state"`
	LogDir         string `long:"logdir" description:"Directory to log output"`
	MaxLogFiles    int    `long:"maxlogfiles" description:"Maximum log files to keep (0 for no rotation)"`
	MaxLogFileSize int    `long:"maxlogfilesize" description:"Maximum log file size in MB"`
	DebugLevel     string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`
	Profile        string `long:"profile" description:"Enable HTTP profiling on given port -- NOTE port must be between 1024 and 65536"`

	// Wallet options
	Network    string `short:"n" long:"network" description:"Bitcoin network {bitcoin, testnet, signet, regtest}"`
	ScriptType string `short:"t" long:"scripttype" description:"Account script type {legacy, nested_segwit, native_segwit, taproot} or its purpose number"`
	Account    uint32 `short:"a" long:"account" description:"Account index"`
	Language   string `long:"language" description:"Mnemonic word list"`
	Store      string `long:"store" description:"Account state backend" choice:"bolt" choice:"sqlite" choice:"memory"`
	StopGap    int    `long:"stopgap" description:"Unused addresses scanned past the last used one during a full sync"`

	// Ledger options
	EsploraURL     *cfgutil.ExplicitString `short:"e" long:"esplora" description:"Esplora API URL (default depends on the network)"`
	EsploraRetries int                     `long:"esploraretries" description:"Retries of failed Esplora requests"`
	EsploraRPS     int                     `long:"esplorarps" description:"Maximum Esplora requests per second (0 for no limit)"`
	RequestTimeout time.Duration           `long:"requesttimeout" description:"Timeout of a single Esplora request"`

	// Resolved options, set by loadConfig.
	net     descriptor.Network
	st      descriptor.ScriptType
	lang    mnemonic.Language
	netDir  string
	esplora string
}

// cleanAndExpandPath expands environement variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		homeDir := filepath.Dir(hdwalletHomeDir)
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
	case "trace", "debug", "info", "warn", "error", "critical", "off":
		return true
	}
	return false
}

// supportedSubsystems returns a sorted slice of the supported subsystems for
// logging purposes.
func supportedSubsystems() []string {
	// Convert the subsystemLoggers map keys to a slice.
	subsystems := make([]string, 0, len(subsystemLoggers))
	for subsysID := range subsystemLoggers {
		subsystems = append(subsystems, subsysID)
	}

	// Sort the subsytems for stable display.
	sort.Strings(subsystems)
	return subsystems
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

// defaultConfig returns a config with every default filled in.
func defaultConfig() config {
	return config{
		ConfigFile:     defaultConfigFile,
		DataDir:        defaultDataDir,
		LogDir:         defaultLogDir,
		MaxLogFiles:    defaultMaxLogFiles,
		MaxLogFileSize: defaultMaxLogFileSize,
		DebugLevel:     defaultLogLevel,
		Network:        defaultNetwork,
		ScriptType:     defaultScriptType,
		Language:       defaultLanguage,
		Store:          defaultStore,
		EsploraURL:     cfgutil.NewExplicitString(""),
		EsploraRetries: defaultEsploraRetries,
		RequestTimeout: defaultRequestTimeout,
	}
}

// errShowSubsystems is returned by normalize when the subsystems were listed
// instead of running a command.
var errShowSubsystems = errors.New("subsystems listed")

// normalize validates the parsed options and resolves the derived ones.
func (cfg *config) normalize() error {
	var err error
	cfg.net, err = descriptor.ParseNetwork(cfg.Network)
	if err != nil {
		return err
	}
	cfg.st, err = descriptor.ParseScriptType(cfg.ScriptType)
	if err != nil {
		return err
	}
	cfg.lang, err = mnemonic.ParseLanguage(cfg.Language)
	if err != nil {
		return err
	}
	if cfg.StopGap < 0 {
		return fmt.Errorf("negative stop gap %d", cfg.StopGap)
	}
	if cfg.EsploraRetries < 0 {
		return fmt.Errorf("negative esplora retries %d",
			cfg.EsploraRetries)
	}

	cfg.esplora = cfg.EsploraURL.Or(defaultEsploraURLs[cfg.net])

	// Keep state and logs of different networks apart.
	cfg.DataDir = cleanAndExpandPath(cfg.DataDir)
	cfg.netDir = filepath.Join(cfg.DataDir, cfg.net.String())
	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)
	cfg.LogDir = filepath.Join(cfg.LogDir, cfg.net.String())

	// Special show command to list supported subsystems and exit.
	if cfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems", supportedSubsystems())
		return errShowSubsystems
	}

	return parseAndSetDebugLevels(cfg.DebugLevel)
}

// loadConfig initializes and parses the config using a config file and command
// line options.  The subcommands are registered on the returned parser, which
// runs the selected one once Parse is called.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
//
// The above results in hdwallet functioning properly without any config
// settings while still allowing the user to override settings with config
// files and command line options.  Command line options always take
// precedence.
func loadConfig(args []string) (*config, *flags.Parser, error) {
	cfg := defaultConfig()

	// Pre-parse the command line options to see if an alternative config
	// file or the version flag was specified.  Subcommands are not
	// registered yet, so their names and options are skipped.
	preCfg := defaultConfig()
	preParser := flags.NewParser(&preCfg, flags.IgnoreUnknown)
	if _, err := preParser.ParseArgs(args); err != nil {
		return nil, nil, err
	}

	// Show the version and exit if the version flag was specified.
	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	if preCfg.ShowVersion {
		fmt.Println(appName, "version", version())
		os.Exit(0)
	}

	parser := flags.NewParser(&cfg, flags.Default)
	if err := registerCommands(parser, &cfg); err != nil {
		return nil, nil, err
	}

	// Load additional config from file.  A missing file is fine.
	err := flags.NewIniParser(parser).ParseFile(preCfg.ConfigFile)
	if err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			fmt.Fprintln(os.Stderr, err)
			parser.WriteHelp(os.Stderr)
			return nil, nil, err
		}
	}

	return &cfg, parser, nil
}

// logFile returns the path of the log file of the configured network.
func (cfg *config) logFile() string {
	return filepath.Join(cfg.LogDir, defaultLogFilename)
}

// dbPath returns the path of the account state database.
func (cfg *config) dbPath() string {
	switch cfg.Store {
	case storeSQLite:
		return filepath.Join(cfg.netDir, sqliteDBName)
	default:
		return filepath.Join(cfg.netDir, boltDBName)
	}
}
