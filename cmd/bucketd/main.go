package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"bucketd/internal/config"
	"bucketd/internal/httpapi"
	"bucketd/internal/keyvalue/resolver"
	"bucketd/internal/logging"
	"bucketd/internal/server"

	"github.com/spf13/pflag"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "bucketd: %v\n", err)
		os.Exit(1)
	}
}

// flags holds command-line overrides; empty values leave the config alone.
type flags struct {
	configPath  string
	listen      string
	logLevel    string
	logFormat   string
	errorStatus string
	greeting    string
	hashToken   bool
}

func parseFlags(args []string) (flags, error) {
	var f flags
	fs := pflag.NewFlagSet("bucketd", pflag.ContinueOnError)
	fs.StringVarP(&f.configPath, "config", "c", "", "path to config file (default ~/.bucketd/config.toml)")
	fs.StringVar(&f.listen, "listen", "", "HTTP listen address (overrides config)")
	fs.StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error (overrides config)")
	fs.StringVar(&f.logFormat, "log-format", "", "text or json (overrides config)")
	fs.StringVar(&f.errorStatus, "error-status", "", "collapsed or typed (overrides config)")
	fs.StringVar(&f.greeting, "greeting", "", "body returned by GET / (overrides config)")
	fs.BoolVar(&f.hashToken, "hash-token", false, "read a bearer token from stdin, print its bcrypt hash for token_hash, and exit")
	if err := fs.Parse(args); err != nil {
		return flags{}, err
	}
	if fs.NArg() > 0 {
		return flags{}, fmt.Errorf("unexpected argument: %s", fs.Arg(0))
	}
	return f, nil
}

// loadConfig reads the config file and applies flag overrides.
func loadConfig(f flags) (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}
	if f.listen != "" {
		cfg.HTTP.Listen = f.listen
	}
	if f.logLevel != "" {
		cfg.Logging.Level = f.logLevel
	}
	if f.logFormat != "" {
		cfg.Logging.Format = f.logFormat
	}
	if f.errorStatus != "" {
		cfg.HTTP.ErrorStatus = f.errorStatus
	}
	if f.greeting != "" {
		cfg.HTTP.Greeting = f.greeting
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// readToken prompts with echo disabled when stdin is a terminal and
// otherwise reads one line from it.
func readToken(in *os.File) ([]byte, error) {
	fd := int(in.Fd())
	if !term.IsTerminal(fd) {
		return readTokenLine(in)
	}
	fmt.Fprint(os.Stderr, "Token: ")
	token, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("reading token: %w", err)
	}
	return token, nil
}

func readTokenLine(r io.Reader) ([]byte, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("reading token: %w", err)
	}
	return []byte(strings.TrimRight(line, "\r\n")), nil
}

// hashToken writes the bcrypt hash of token, ready for a principal's
// token_hash.
func hashToken(token []byte, out io.Writer) error {
	if len(token) == 0 {
		return fmt.Errorf("token is empty")
	}
	hash, err := bcrypt.GenerateFromPassword(token, bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hashing token: %w", err)
	}
	_, err = fmt.Fprintln(out, string(hash))
	return err
}

func run(args []string) error {
	f, err := parseFlags(args)
	if err != nil {
		return err
	}
	if f.hashToken {
		token, err := readToken(os.Stdin)
		if err != nil {
			return err
		}
		return hashToken(token, os.Stdout)
	}
	cfg, err := loadConfig(f)
	if err != nil {
		return err
	}

	logging.Init(cfg.Logging.Level, cfg.Logging.Format)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry, err := resolver.FromConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer func() {
		if err := registry.Close(); err != nil {
			slog.Warn("closing storage", "err", err)
		}
	}()

	policy, err := httpapi.ParseStatusPolicy(cfg.HTTP.ErrorStatus)
	if err != nil {
		return err
	}

	var limiter *httpapi.RateLimiter
	if cfg.HTTP.MaxRequestsPerSec > 0 {
		limiter = httpapi.NewRateLimiter(cfg.HTTP.MaxRequestsPerSec, cfg.HTTP.MaxRequestBurst)
		go limiter.CleanupLoop(ctx.Done(), time.Minute)
	}

	handler := httpapi.New(httpapi.Options{
		Resolver:      registry,
		Auth:          registry,
		Policy:        policy,
		Greeting:      cfg.HTTP.Greeting,
		MaxValueBytes: cfg.HTTP.MaxValueBytes,
		Limiter:       limiter,
	})

	srv := server.New(cfg.HTTP.Listen, handler, server.Options{
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout.Duration,
		ShutdownTimeout:   cfg.HTTP.ShutdownTimeout.Duration,
	})
	if err := srv.Listen(); err != nil {
		return err
	}
	slog.Info("bucketd starting",
		"buckets", len(cfg.Buckets),
		"error_status", policy.String(),
		"access_control", cfg.AccessControlled())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx) }()

	// Graceful shutdown on SIGINT/SIGTERM
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
		slog.Info("shutting down")
		cancel()
		return <-errCh
	case err := <-errCh:
		return err
	}
}
