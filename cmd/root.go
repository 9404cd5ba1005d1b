// Package cmd wires up the CLI flags and dispatches to the core modes.
package cmd

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"relayd/config"
	"relayd/internal/admin"
	"relayd/internal/agent"
	"relayd/internal/certs"
	"relayd/internal/core"
	"relayd/internal/errors"
	"relayd/internal/metrics"
	"relayd/internal/proxy"
	"relayd/internal/transport"
	"relayd/util"
)

// version is overridable at link time:
//
//	go build -ldflags "-X relayd/cmd.version=2.0.0"
var version = "1.0.0" //nolint:gochecknoglobals

// Overridden in tests.
var (
	stdout io.Writer = os.Stdout //nolint:gochecknoglobals
	stdin  *os.File  = os.Stdin  //nolint:gochecknoglobals
)

// options holds everything parsed from the command line.
type options struct {
	configPath     string
	generateConfig bool
	verbose        int
	dryRun         bool

	addUser   string
	usersFile string
	mintToken string

	// checkin mode
	addr     string
	useTLS   bool
	insecure bool
	caPath   string
	agentID  string
	token    string
}

// Execute parses args and runs the selected relayd mode.
func Execute(ctx context.Context, args []string) error {
	var o options
	fs := flag.NewFlagSet("relayd", flag.ContinueOnError)

	// ── configuration ────────────────────────────────────────────
	fs.StringVarP(&o.configPath, "config", "c", "", "Config file (toml or yaml)")
	fs.BoolVar(&o.generateConfig, "generate-config", false, "Write a starter config for the mode and exit")
	fs.BoolVar(&o.dryRun, "dry-run", false, "Validate the configuration and exit")

	// ── operator tools ───────────────────────────────────────────
	fs.StringVar(&o.addUser, "add-user", "", "Add a SOCKS5 user (prompts for the password)")
	fs.StringVar(&o.usersFile, "users-file", "", "Users CSV for --add-user (default: socks5.users_csv)")
	fs.StringVar(&o.mintToken, "mint-token", "", "Print an admin API token for SUBJECT")

	// ── checkin ──────────────────────────────────────────────────
	fs.StringVar(&o.addr, "addr", util.FormatAddr("127.0.0.1", config.DefaultC2Port), "Server address for checkin")
	fs.BoolVar(&o.useTLS, "tls", false, "Use TLS for checkin")
	fs.BoolVar(&o.insecure, "insecure", false, "Skip server certificate verification")
	fs.StringVar(&o.caPath, "ca", "", "PEM certificate to trust for checkin")
	fs.StringVar(&o.agentID, "agent-id", "", "Agent id for checkin (server assigns one when empty)")
	fs.StringVar(&o.token, "token", "", "Auth token for checkin")

	// ── output ───────────────────────────────────────────────────
	fs.CountVarP(&o.verbose, "verbose", "v", "Increase verbosity (repeatable)")

	var showVersion, showHelp bool
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	fs.BoolVarP(&showHelp, "help", "h", false, "Show this help")

	fs.Usage = func() { printUsage(fs) }

	// ── parse ────────────────────────────────────────────────────
	if err := fs.Parse(args); err != nil {
		return err
	}

	if showHelp || len(args) == 0 {
		printUsage(fs)
		return nil
	}
	if showVersion {
		fmt.Fprintf(stdout, "relayd %s\n", version)
		return nil
	}

	rest := fs.Args()
	if len(rest) > 1 {
		return fmt.Errorf("too many arguments: %s", strings.Join(rest, " "))
	}
	modeArg := string(config.ModeC2)
	if len(rest) == 1 {
		modeArg = rest[0]
	} else if o.addUser == "" && o.mintToken == "" {
		return fmt.Errorf("mode required: c2, shell or checkin (use --help for usage)")
	}

	if modeArg == "checkin" {
		return runCheckin(ctx, &o)
	}

	mode, err := config.ParseMode(modeArg)
	if err != nil {
		return err
	}

	if o.generateConfig {
		return generateConfig(&o, mode)
	}

	cfg, err := config.Load(o.configPath, mode)
	if err != nil {
		return err
	}

	if o.addUser != "" {
		return addUser(&o, cfg)
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	if o.mintToken != "" {
		if o.configPath == "" && os.Getenv(config.EnvPrefix+"_SECURITY_ENCRYPTION_KEY") == "" {
			return fmt.Errorf("--mint-token needs --config or %s_SECURITY_ENCRYPTION_KEY for the signing key", config.EnvPrefix)
		}
		return mintToken(&o, cfg)
	}

	if o.dryRun {
		fmt.Fprintf(stdout, "config ok: mode=%s addr=%s tls=%t socks5=%t admin=%t\n",
			cfg.Mode, cfg.Address(), cfg.TLS.Enabled, cfg.Socks5.Enabled, cfg.Admin.Enabled)
		return nil
	}

	return serve(ctx, &o, cfg)
}

// ── modes ────────────────────────────────────────────────────────────

func serve(ctx context.Context, o *options, cfg *config.Config) error {
	logger, closer, err := util.NewLoggerWithOptions(util.LogOptions{
		Level:     cfg.Logging.Level,
		Verbosity: o.verbose,
		File:      cfg.Logging.File,
		Console:   cfg.Logging.Console,
	})
	if err != nil {
		return err
	}
	defer closer.Close()

	m := metrics.New()
	srv, err := core.Build(cfg, logger, m)
	if err != nil {
		return err
	}

	var api *admin.Server
	if cfg.Admin.Enabled {
		key, err := cfg.EncryptionKeyBytes()
		if err != nil {
			return &errors.ConfigError{Field: "security.encryption_key", Message: err.Error()}
		}
		api = admin.New(cfg.Admin, key, srv, srv.Proxy, m, logger)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	if api != nil {
		g.Go(func() error { return api.Run(gctx) })
	}

	err = g.Wait()
	logger.Info().RawJSON("metrics", []byte(m.JSON())).Msg("server stopped")
	return err
}

func runCheckin(ctx context.Context, o *options) error {
	logger := util.NewLogger(o.verbose)

	tcp := transport.TCPDialer{Timeout: config.DefaultConnTimeout}
	var dialer transport.Dialer = &tcp
	if o.useTLS || o.caPath != "" || o.insecure {
		tlsCfg := &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: o.insecure, //nolint:gosec // operator opt-in for self-signed servers
		}
		if o.caPath != "" {
			pool, err := certs.LoadCertPool(o.caPath)
			if err != nil {
				return err
			}
			tlsCfg.RootCAs = pool
		}
		dialer = &transport.TLSDialer{TCPDialer: tcp, Config: tlsCfg}
	}

	mode := &core.CheckinMode{
		Client: &agent.Client{
			Dialer:  dialer,
			Address: o.addr,
			Token:   o.token,
			Logger:  logger,
		},
		AgentID: o.agentID,
		Agent:   agent.LocalAgent(o.agentID),
		Logger:  logger,
		Stdout:  stdout,
	}
	return mode.Run(ctx)
}

// ── operator tools ───────────────────────────────────────────────────

func generateConfig(o *options, mode config.Mode) error {
	path := o.configPath
	if path == "" {
		path = filepath.Join("configs", string(mode)+".toml")
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	if err := config.Save(config.Default(mode), path); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "wrote %s\n", path)
	return nil
}

func addUser(o *options, cfg *config.Config) error {
	path := o.usersFile
	if path == "" {
		path = cfg.Socks5.UsersCSV
	}
	password, err := readPassword(fmt.Sprintf("Password for %s: ", o.addUser))
	if err != nil {
		return err
	}
	if password == "" {
		return fmt.Errorf("empty password")
	}
	if err := proxy.AddUser(path, proxy.User{Username: o.addUser, Password: password}); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "added %s to %s\n", o.addUser, path)
	return nil
}

func mintToken(o *options, cfg *config.Config) error {
	key, err := cfg.EncryptionKeyBytes()
	if err != nil || len(key) < config.MinEncryptionKeyBytes {
		return fmt.Errorf("security.encryption_key must be base64 of at least %d bytes", config.MinEncryptionKeyBytes)
	}
	tok, err := admin.MintToken(key, o.mintToken, config.DefaultAdminTokenTTL)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, tok)
	return nil
}

// readPassword prompts on a terminal without echo and otherwise reads
// one line from stdin.
func readPassword(prompt string) (string, error) {
	if term.IsTerminal(int(stdin.Fd())) {
		fmt.Fprint(os.Stderr, prompt)
		pass, err := term.ReadPassword(int(stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("reading password: %w", err)
		}
		return string(pass), nil
	}
	line, err := bufio.NewReader(stdin).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func printUsage(fs *flag.FlagSet) {
	fmt.Fprintf(os.Stderr, `relayd – TLS session relay v%s

Agent check-in server and reverse-shell bridge with a supervised
SOCKS5 sidecar.

Usage:
  relayd [options] c2                          Agent control server
  relayd [options] shell                       Shell bridge server
  relayd [options] checkin                     Send one Checkin
  relayd --add-user NAME [--users-file PATH]   Add a SOCKS5 user
  relayd --mint-token SUBJECT [c2|shell]       Print an admin API token

Options:
`, version)
	fs.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
Examples:
  relayd --generate-config -c configs/c2.toml c2
  relayd -c configs/c2.toml -vv c2
  relayd --tls --ca certs/server.crt --addr c2.local:8443 checkin
  RELAYD_SERVER_PORT=9443 relayd shell
`)
}
