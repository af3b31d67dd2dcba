// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/decred/dcrd/dcrutil/v4"
	flags "github.com/jessevdk/go-flags"
	"github.com/openexch/matchengine/dex"
	"github.com/openexch/matchengine/server/engine"
)

const (
	defaultConfigFilename      = "matchengine.conf"
	defaultLogFilename         = "matchengine.log"
	defaultRPCCertFilename     = "rpc.cert"
	defaultRPCKeyFilename      = "rpc.key"
	defaultSnapshotFilename    = "matchengine.db"
	defaultLogLevel            = "info"
	defaultLogDirname          = "logs"
	defaultMarketsConfFilename = "markets.json"
	defaultMaxLogZips          = 16
	defaultPGHost              = "127.0.0.1:5432"
	defaultPGUser              = "matchengine"
	defaultPGDBName            = "matchengine"
	defaultRPCHost             = "127.0.0.1"
	defaultRPCPort             = "7316"
	defaultAdminSrvAddr        = "127.0.0.1:7317"

	defaultCacheTimeout    = 450 * time.Millisecond
	defaultCacheSize       = 1000
	defaultPersistInterval = time.Hour
	defaultSliceKeep       = 3
)

var (
	defaultAppDataDir = dcrutil.AppDataDir("matchengine", false)
)

type procOpts struct {
	HTTPProfile bool
	CPUProfile  string
}

// meConf is the data that is required to setup the engine.
type meConf struct {
	DataDir         string
	MarketsConfPath string
	SnapshotPath    string
	PersistInterval time.Duration
	SliceKeep       int
	CacheTimeout    time.Duration
	CacheSize       uint
	FatalPolicy     engine.FatalPolicy
	NoHistory       bool
	DBName          string
	DBUser          string
	DBPass          string
	DBHost          string
	DBPort          uint16
	ShowPGConfig    bool
	KafkaBrokers    []string
	RPCTLS          bool
	RPCCert         string
	RPCKey          string
	RPCListen       []string
	AltDNSNames     []string
	IPRate          float64
	IPBurst         int
	AdminSrvOn      bool
	AdminSrvAddr    string
	AdminSrvPW      []byte
	LogMaker        *dex.LoggerMaker
}

type flagsData struct {
	// General application behavior
	AppDataDir  string `short:"A" long:"appdata" description:"Path to application home directory"`
	ConfigFile  string `short:"C" long:"configfile" description:"Path to configuration file"`
	LogDir      string `long:"logdir" description:"Directory to log output."`
	DebugLevel  string `short:"d" long:"debuglevel" description:"Logging level {trace, debug, info, warn, error, critical}, or SUBSYS=level pairs. Use show to list the subsystems."`
	MaxLogZips  int    `long:"maxlogzips" description:"The number of zipped log files created by the log rotator to be retained. Setting to 0 will keep all."`
	ShowVersion bool   `short:"V" long:"version" description:"Display version information and exit"`

	MarketsConfPath string        `long:"marketsconfpath" description:"Path to the assets and markets configuration JSON file."`
	CacheTimeout    time.Duration `long:"cachetimeout" description:"How long order.depth replies are cached. 0 disables the cache."`
	CacheSize       uint          `long:"cachesize" description:"The maximum number of cached order.depth replies."`
	FatalPolicy     string        `long:"fatalpolicy" description:"What to do after an internal consistency violation {log, halt}."`

	SnapshotDB      string        `long:"snapshotdb" description:"Path to the operation log and snapshot database."`
	PersistInterval time.Duration `long:"persistinterval" description:"Time between snapshots."`
	SliceKeep       int           `long:"slicekeep" description:"The number of snapshots to retain."`

	RPCListen   []string `long:"rpclisten" description:"IP addresses on which the RPC server should listen for incoming connections"`
	RPCTLS      bool     `long:"rpctls" description:"Serve RPC with TLS, generating a self-signed certificate if needed"`
	RPCCert     string   `long:"rpccert" description:"RPC server TLS certificate file"`
	RPCKey      string   `long:"rpckey" description:"RPC server TLS private key file"`
	AltDNSNames []string `long:"altdnsnames" description:"A list of hostnames to include in the RPC certificate (X509v3 Subject Alternative Name)"`
	IPRate      float64  `long:"iprate" description:"Requests per second allowed from a single IP address. A negative value disables rate limiting."`
	IPBurst     int      `long:"ipburst" description:"Request burst allowed from a single IP address."`

	HTTPProfile bool   `long:"httpprof" short:"p" description:"Start HTTP profiler."`
	CPUProfile  string `long:"cpuprofile" description:"File for CPU profiling."`

	NoHistory    bool   `long:"nohistory" description:"Run without the PostgreSQL history database."`
	PGDBName     string `long:"pgdbname" description:"PostgreSQL DB name."`
	PGUser       string `long:"pguser" description:"PostgreSQL DB user."`
	PGPass       string `long:"pgpass" description:"PostgreSQL DB password."`
	PGHost       string `long:"pghost" description:"PostgreSQL server host:port or UNIX socket (e.g. /run/postgresql)."`
	ShowPGConfig bool   `long:"showpgconfig" description:"Logs the PostgreSQL db configuration on system start up."`

	NoMessages   bool     `long:"nomessages" description:"Run without publishing to Kafka."`
	KafkaBrokers []string `long:"kafkabrokers" description:"Kafka broker addresses for the balance, order and deal messages."`

	AdminSrvOn   bool   `long:"adminsrvon" description:"Turn on the admin server."`
	AdminSrvAddr string `long:"adminsrvaddr" description:"Administration HTTP server address (default: 127.0.0.1:7317)."`
	AdminSrvPW   string `long:"adminsrvpass" description:"Admin server password. INSECURE. Do not set unless absolutely necessary."`
}

// supportedSubsystems returns a sorted slice of the supported subsystems for
// logging purposes.
func supportedSubsystems() []string {
	// Convert the subsystemLoggers map keys to a slice.
	subsystems := make([]string, 0, len(subsystemLoggers))
	for subsysID := range subsystemLoggers {
		subsystems = append(subsystems, subsysID)
	}

	// Sort the subsystems for stable display.
	sort.Strings(subsystems)
	return subsystems
}

// normalizeNetworkAddress checks for a valid local network address format and
// adds default host and port if not present. Invalidates addresses that include
// a protocol identifier.
func normalizeNetworkAddress(a, defaultHost, defaultPort string) (string, error) {
	if strings.Contains(a, "://") {
		return a, fmt.Errorf("address %s contains a protocol identifier, which is not allowed", a)
	}
	if a == "" {
		return defaultHost + ":" + defaultPort, nil
	}
	host, port, err := net.SplitHostPort(a)
	if err != nil {
		if strings.Contains(err.Error(), "missing port in address") {
			normalized := a + ":" + defaultPort
			host, port, err = net.SplitHostPort(normalized)
			if err != nil {
				return a, fmt.Errorf("unable to address %s after port resolution: %w", normalized, err)
			}
		} else {
			return a, fmt.Errorf("unable to normalize address %s: %w", a, err)
		}
	}
	if host == "" {
		host = defaultHost
	}
	if port == "" {
		port = defaultPort
	}
	return host + ":" + port, nil
}

// splitPGHost separates the port from a PostgreSQL host. UNIX sockets have no
// port.
func splitPGHost(pgHost string) (string, uint16, error) {
	if strings.HasPrefix(pgHost, "/") {
		return pgHost, 0, nil
	}
	host, portStr, err := net.SplitHostPort(pgHost)
	if err != nil {
		return "", 0, fmt.Errorf("invalid DB host %q: %w", pgHost, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("invalid DB port %q: %w", portStr, err)
	}
	return host, uint16(port), nil
}

// defaultFlags are the flag values before the config file and the command
// line are parsed.
func defaultFlags() flagsData {
	return flagsData{
		AppDataDir: defaultAppDataDir,
		// Defaults for ConfigFile and LogDir are set relative to AppDataDir.
		// They are not to be set here.
		MaxLogZips:      defaultMaxLogZips,
		DebugLevel:      defaultLogLevel,
		MarketsConfPath: defaultMarketsConfFilename,
		CacheTimeout:    defaultCacheTimeout,
		CacheSize:       defaultCacheSize,
		FatalPolicy:     string(engine.FatalLog),
		SnapshotDB:      defaultSnapshotFilename,
		PersistInterval: defaultPersistInterval,
		SliceKeep:       defaultSliceKeep,
		RPCCert:         defaultRPCCertFilename,
		RPCKey:          defaultRPCKeyFilename,
		PGDBName:        defaultPGDBName,
		PGUser:          defaultPGUser,
		PGHost:          defaultPGHost,
		AdminSrvAddr:    defaultAdminSrvAddr,
	}
}

// loadConfig initializes and parses the config using a config file and command
// line options.
func loadConfig() (*meConf, *procOpts, error) {
	loadConfigError := func(err error) (*meConf, *procOpts, error) {
		return nil, nil, err
	}

	// Default config
	cfg := defaultFlags()

	// Pre-parse the command line options to see if an alternative config file
	// or the version flag was specified. Any errors aside from the help message
	// error can be ignored here since they will be caught by the final parse
	// below.
	var preCfg flagsData // zero values as defaults
	preParser := flags.NewParser(&preCfg, flags.HelpFlag)
	_, err := preParser.Parse()
	if err != nil {
		var e *flags.Error
		if errors.As(err, &e) && e.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stdout, err)
			os.Exit(0)
		}
	}

	// Show the version and exit if the version flag was specified.
	if preCfg.ShowVersion {
		fmt.Printf("%s version %s (Go version %s %s/%s)\n", appName,
			Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		os.Exit(0)
	}

	// Special show command to list supported subsystems and exit.
	if preCfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems", supportedSubsystems())
		os.Exit(0)
	}

	// If a non-default appdata folder is specified on the command line, it may
	// be necessary adjust the config file location. If the the config file
	// location was not specified on the command line, the default location
	// should be under the non-default appdata directory. However, if the config
	// file was specified on the command line, it should be used regardless of
	// the appdata directory.
	if preCfg.AppDataDir != "" {
		// appdata was set on the command line. If it is not absolute, make it
		// relative to cwd.
		cfg.AppDataDir, err = filepath.Abs(dex.CleanAndExpandPath(preCfg.AppDataDir))
		if err != nil {
			return loadConfigError(fmt.Errorf("unable to determine working directory: %w", err))
		}
	}
	isDefaultConfigFile := preCfg.ConfigFile == ""
	if isDefaultConfigFile {
		preCfg.ConfigFile = filepath.Join(cfg.AppDataDir, defaultConfigFilename)
	} else if !filepath.IsAbs(preCfg.ConfigFile) {
		preCfg.ConfigFile = filepath.Join(cfg.AppDataDir, preCfg.ConfigFile)
	}

	// Config file name for logging.
	configFile := "NONE (defaults)"

	// Load additional config from file.
	parser := flags.NewParser(&cfg, flags.Default)
	// Do not error if the default config file is missing.
	if _, err := os.Stat(preCfg.ConfigFile); os.IsNotExist(err) {
		// Non-default config file must exist.
		if !isDefaultConfigFile {
			return loadConfigError(err)
		}
		// Warn about missing default config file, but continue.
		fmt.Printf("Config file (%s) does not exist. Using defaults.\n",
			preCfg.ConfigFile)
	} else {
		// The config file exists, so attempt to parse it.
		err = flags.NewIniParser(parser).ParseFile(preCfg.ConfigFile)
		if err != nil {
			parser.WriteHelp(os.Stderr)
			return loadConfigError(err)
		}
		configFile = preCfg.ConfigFile
	}

	// Parse command line options again to ensure they take precedence.
	_, err = parser.Parse()
	if err != nil {
		var e *flags.Error
		if !errors.As(err, &e) || e.Type != flags.ErrHelp {
			parser.WriteHelp(os.Stderr)
		}
		return loadConfigError(err)
	}

	// Create the app data directory if it doesn't already exist.
	err = os.MkdirAll(cfg.AppDataDir, 0700)
	if err != nil {
		// Show a nicer error message if it's because a symlink is linked to a
		// directory that does not exist (probably because it's not mounted).
		var e *os.PathError
		if errors.As(err, &e) && os.IsExist(err) {
			if link, lerr := os.Readlink(e.Path); lerr == nil {
				err = fmt.Errorf("is symlink %s -> %s mounted?", e.Path, link)
			}
		}
		return loadConfigError(fmt.Errorf("failed to create home directory: %w", err))
	}

	if cfg.LogDir == "" {
		cfg.LogDir = filepath.Join(cfg.AppDataDir, defaultLogDirname)
	}
	cfg.LogDir = dex.CleanAndExpandPath(cfg.LogDir)

	meCfg, err := resolveConfig(&cfg)
	if err != nil {
		return loadConfigError(err)
	}

	// Initialize log rotation. After log rotation has been initialized, the
	// logger variables may be used. This creates the LogDir if needed.
	if cfg.MaxLogZips < 0 {
		cfg.MaxLogZips = 0
	}
	initLogRotator(filepath.Join(cfg.LogDir, defaultLogFilename), cfg.MaxLogZips)

	log.Infof("App data folder: %s", cfg.AppDataDir)
	log.Infof("Log folder:      %s", cfg.LogDir)
	log.Infof("Config file:     %s", configFile)

	// Parse, validate, and set debug log level(s).
	meCfg.LogMaker, err = newLoggerMaker(cfg.DebugLevel)
	if err != nil {
		parser.WriteHelp(os.Stderr)
		return loadConfigError(err)
	}

	opts := &procOpts{
		CPUProfile:  cfg.CPUProfile,
		HTTPProfile: cfg.HTTPProfile,
	}

	return meCfg, opts, nil
}

// resolveConfig validates the parsed flags and makes the file paths
// absolute, relative to the app data directory.
func resolveConfig(cfg *flagsData) (*meConf, error) {
	abs := func(path string) string {
		path = dex.CleanAndExpandPath(path)
		if !filepath.IsAbs(path) {
			path = filepath.Join(cfg.AppDataDir, path)
		}
		return path
	}

	fatalPolicy := engine.FatalPolicy(cfg.FatalPolicy)
	switch fatalPolicy {
	case engine.FatalLog, engine.FatalHalt:
	default:
		return nil, fmt.Errorf("unknown fatal policy %q, expected %q or %q",
			cfg.FatalPolicy, engine.FatalLog, engine.FatalHalt)
	}
	if cfg.PersistInterval < 0 {
		return nil, fmt.Errorf("negative persist interval %v", cfg.PersistInterval)
	}
	if cfg.CacheTimeout < 0 {
		return nil, fmt.Errorf("negative cache timeout %v", cfg.CacheTimeout)
	}
	if cfg.SliceKeep < 1 {
		return nil, fmt.Errorf("at least one snapshot must be kept, got slicekeep %d", cfg.SliceKeep)
	}

	// Validate each RPC listen host:port.
	var rpcListen []string
	if len(cfg.RPCListen) == 0 {
		rpcListen = []string{defaultRPCHost + ":" + defaultRPCPort}
	}
	for i := range cfg.RPCListen {
		listen, err := normalizeNetworkAddress(cfg.RPCListen[i], defaultRPCHost, defaultRPCPort)
		if err != nil {
			return nil, err
		}
		rpcListen = append(rpcListen, listen)
	}

	var kafkaBrokers []string
	if !cfg.NoMessages {
		for _, broker := range cfg.KafkaBrokers {
			for _, b := range strings.Split(broker, ",") {
				if b = strings.TrimSpace(b); b != "" {
					kafkaBrokers = append(kafkaBrokers, b)
				}
			}
		}
		if len(kafkaBrokers) == 0 {
			return nil, errors.New("no kafka brokers configured, set kafkabrokers or nomessages")
		}
	}

	meCfg := &meConf{
		DataDir:         cfg.AppDataDir,
		MarketsConfPath: abs(cfg.MarketsConfPath),
		SnapshotPath:    abs(cfg.SnapshotDB),
		PersistInterval: cfg.PersistInterval,
		SliceKeep:       cfg.SliceKeep,
		CacheTimeout:    cfg.CacheTimeout,
		CacheSize:       cfg.CacheSize,
		FatalPolicy:     fatalPolicy,
		NoHistory:       cfg.NoHistory,
		DBName:          cfg.PGDBName,
		DBUser:          cfg.PGUser,
		DBPass:          cfg.PGPass,
		ShowPGConfig:    cfg.ShowPGConfig,
		KafkaBrokers:    kafkaBrokers,
		RPCTLS:          cfg.RPCTLS,
		RPCCert:         abs(cfg.RPCCert),
		RPCKey:          abs(cfg.RPCKey),
		RPCListen:       rpcListen,
		AltDNSNames:     cfg.AltDNSNames,
		IPRate:          cfg.IPRate,
		IPBurst:         cfg.IPBurst,
		AdminSrvOn:      cfg.AdminSrvOn,
		AdminSrvAddr:    cfg.AdminSrvAddr,
		AdminSrvPW:      []byte(cfg.AdminSrvPW),
	}

	if !cfg.NoHistory {
		var err error
		meCfg.DBHost, meCfg.DBPort, err = splitPGHost(cfg.PGHost)
		if err != nil {
			return nil, err
		}
	}

	return meCfg, nil
}
