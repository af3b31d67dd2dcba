// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// meadm is a command line client of the matchengine admin server.
//
//	meadm [options] ping|status|snapshot
package main

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/decred/dcrd/dcrutil/v4"
	flags "github.com/jessevdk/go-flags"
	"github.com/openexch/matchengine/dex"
	"github.com/openexch/matchengine/dex/config"
)

const (
	configFilename     = "meadm.conf"
	defaultAdminSrvURL = "http://127.0.0.1:7317"
	defaultTimeout     = time.Minute
	usage              = "[options] ping|status|snapshot"
)

var (
	defaultApplicationDirectory = dcrutil.AppDataDir("meadm", false)
)

// commands maps each command to its admin endpoint and http method.
var commands = map[string]struct {
	path, method string
}{
	"ping":     {"/api/ping", http.MethodGet},
	"status":   {"/api/status", http.MethodGet},
	"snapshot": {"/api/snapshot", http.MethodPost},
}

func main() {
	if err := mainErr(); err != nil {
		fmt.Fprint(os.Stderr, err, "\n")
		os.Exit(1)
	}
	os.Exit(0)
}

func mainErr() error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	cfg, args, err := configure()
	if err != nil {
		return err
	}
	if len(args) != 1 {
		return fmt.Errorf("usage: meadm %s", usage)
	}

	cl, err := newClient(cfg)
	if err != nil {
		return err
	}
	return run(ctx, cl, cfg, args[0], os.Stdout)
}

// newClient creates an http client that trusts the admin server certificate,
// if one is configured.
func newClient(cfg *Config) (*http.Client, error) {
	cl := &http.Client{Timeout: cfg.Timeout}
	if cfg.AdminSrvCertPath == "" {
		return cl, nil
	}
	uri, err := url.Parse(cfg.AdminSrvURL)
	if err != nil {
		return nil, fmt.Errorf("error parsing adminsrvurl: %w", err)
	}
	certB, err := os.ReadFile(cfg.AdminSrvCertPath)
	if err != nil {
		return nil, fmt.Errorf("error reading certificate file: %w", err)
	}
	rootCAs, _ := x509.SystemCertPool()
	if rootCAs == nil {
		rootCAs = x509.NewCertPool()
	}
	if ok := rootCAs.AppendCertsFromPEM(certB); !ok {
		return nil, errors.New("error appending certificate")
	}
	cl.Transport = &http.Transport{
		TLSClientConfig: &tls.Config{
			RootCAs:    rootCAs,
			MinVersion: tls.VersionTLS12,
			ServerName: uri.Hostname(),
		},
	}
	return cl, nil
}

// run sends the command to the admin server and writes the indented reply.
func run(ctx context.Context, cl *http.Client, cfg *Config, cmd string, w io.Writer) error {
	route, found := commands[cmd]
	if !found {
		return fmt.Errorf("unknown command %q, usage: meadm %s", cmd, usage)
	}

	uri := strings.TrimSuffix(cfg.AdminSrvURL, "/") + route.path
	req, err := http.NewRequestWithContext(ctx, route.method, uri, nil)
	if err != nil {
		return fmt.Errorf("error constructing request: %w", err)
	}
	req.SetBasicAuth(cfg.AdminSrvUsername, cfg.AdminSrvPassword)

	resp, err := cl.Do(req)
	if err != nil {
		return fmt.Errorf("request error: %w", err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("error reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(b)))
	}

	var out bytes.Buffer
	if err := json.Indent(&out, b, "", "    "); err != nil {
		return fmt.Errorf("malformed response %q: %w", b, err)
	}
	out.WriteByte('\n')
	_, err = w.Write(out.Bytes())
	return err
}

// Config is the meadm configuration. Options from the config file are
// overridden by the command line.
type Config struct {
	AppData          string        `long:"appdata" ini:"appdata" description:"Path to application directory."`
	ConfigPath       string        `long:"config" ini:"-" description:"Path to an INI configuration file."`
	AdminSrvURL      string        `long:"adminsrvurl" ini:"adminsrvurl" description:"Admin server URL (default: http://127.0.0.1:7317)."`
	AdminSrvUsername string        `long:"adminsrvuser" ini:"adminsrvuser" description:"Username to use for authentication. The server ignores it."`
	AdminSrvPassword string        `long:"adminsrvpass" ini:"adminsrvpass" description:"Admin server password. INSECURE. Do not set unless absolutely necessary."`
	AdminSrvCertPath string        `long:"adminsrvcertpath" ini:"adminsrvcertpath" description:"TLS certificate for connecting to the admin server"`
	Timeout          time.Duration `long:"timeout" ini:"timeout" description:"Request timeout. Snapshots of large books can take a while."`
}

// DefaultConfig is the configuration before any file or flag is applied.
var DefaultConfig = Config{
	AppData:          defaultApplicationDirectory,
	AdminSrvURL:      defaultAdminSrvURL,
	AdminSrvUsername: "u",
	Timeout:          defaultTimeout,
}

func configure() (*Config, []string, error) {
	// Pre-parse the command line options to see if an alternative config file
	// was specified.
	preCfg := DefaultConfig
	parser := flags.NewParser(&preCfg, flags.Default)
	parser.Usage = usage
	if _, err := parser.Parse(); err != nil {
		return nil, nil, err
	}

	if preCfg.AppData != defaultApplicationDirectory {
		preCfg.AppData = dex.CleanAndExpandPath(preCfg.AppData)
	}
	if preCfg.ConfigPath == "" {
		preCfg.ConfigPath = filepath.Join(preCfg.AppData, configFilename)
	}
	configPath := dex.CleanAndExpandPath(preCfg.ConfigPath)

	// Load additional config from file, then the command line again so that
	// it takes precedence.
	cfg := DefaultConfig
	if _, err := os.Stat(configPath); err == nil {
		if err := config.Parse(configPath, &cfg); err != nil {
			return nil, nil, fmt.Errorf("error parsing config file %s: %w", configPath, err)
		}
	}
	args, err := flags.NewParser(&cfg, flags.Default).Parse()
	if err != nil {
		return nil, nil, err
	}

	if cfg.AdminSrvPassword == "" {
		return nil, nil, fmt.Errorf("no adminsrvpass argument in file or by command-line")
	}
	if cfg.AdminSrvCertPath != "" {
		cfg.AdminSrvCertPath = dex.CleanAndExpandPath(cfg.AdminSrvCertPath)
	}

	return &cfg, args, nil
}
