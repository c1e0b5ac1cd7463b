// Package main implements the catalogsync binary.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/alecthomas/kong"
	"go.uber.org/zap"

	"github.com/catalogsync/catalogsync/internal/app"
	"github.com/catalogsync/catalogsync/internal/config"
	"github.com/catalogsync/catalogsync/internal/observability"
)

func main() {
	ctx := context.Background()

	m := NewMain()

	if err := m.Run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, err)
		var exit *exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		os.Exit(1)
	}
}

// exitError carries a specific process exit code.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

// Main represents the program.
type Main struct {
	App    *app.App
	Logger *zap.Logger
}

// NewMain returns a new instance of Main.
func NewMain() *Main {
	return &Main{}
}

// Close releases the app.
func (m *Main) Close() error {
	var err error
	if m.App != nil {
		err = m.App.Close()
	}
	if m.Logger != nil {
		_ = m.Logger.Sync()
	}
	return err
}

// Run executes the CLI with the given arguments.
func (m *Main) Run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	deps := &Dependencies{
		Ctx:    ctx,
		Stdout: stdout,
		Stderr: stderr,
	}

	cli := &CLI{}
	parser, err := kong.New(cli,
		kong.Name("catalogsync"),
		kong.Description("Replicate a remote versioned data catalog into a local store."),
		kong.Writers(stdout, stderr),
		kong.Exit(func(int) {}),
		kong.Bind(deps),
	)
	if err != nil {
		return fmt.Errorf("failed to create parser: %w", err)
	}

	if len(args) == 0 {
		_, _ = parser.Parse([]string{"--help"})
		return fmt.Errorf("no command specified. Run 'catalogsync --help' to see available commands")
	}
	if args[0] == "help" || args[0] == "--help" || args[0] == "-h" {
		_, _ = parser.Parse([]string{"--help"})
		return nil
	}

	kongCtx, err := parser.Parse(args)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}

	if m.Logger == nil {
		m.Logger, err = observability.NewLogger(cfg.Log.Level, cfg.Log.Format)
		if err != nil {
			return err
		}
	}

	m.App, err = app.New(cfg, m.Logger)
	if err != nil {
		return err
	}
	if err := m.App.Open(ctx); err != nil {
		return err
	}
	defer m.Close()

	sigCtx, stop := context.WithCancel(ctx)
	defer stop()
	go m.App.Shutdown().ListenForSignals(sigCtx)

	deps.App = m.App
	return kongCtx.Run(deps)
}

// loadConfig layers defaults, the config file, the dotenv file, the
// environment and finally command-line flags.
func loadConfig(cli *CLI) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if cli.Config != "" {
		var err error
		cfg, err = config.LoadFromFile(cli.Config)
		if err != nil {
			return nil, err
		}
	}

	if err := config.LoadDotEnv(cli.EnvFile); err != nil {
		return nil, err
	}
	config.LoadFromEnv(cfg)

	if cli.DataDir != "" {
		cfg.DataDir = cli.DataDir
	}
	if cli.Driver != "" {
		cfg.Store.Driver = cli.Driver
	}
	if cli.Store != "" {
		cfg.Store.Path = cli.Store
	}
	if cli.LogLevel != "" {
		cfg.Log.Level = cli.LogLevel
	}
	if cli.LogFmt != "" {
		cfg.Log.Format = cli.LogFmt
	}

	s := cli.Sync
	if s.Prune {
		cfg.Sync.Prune = true
	}
	if s.IncludePrivate {
		cfg.Sync.IncludePrivate = true
	}
	if len(s.Channels) > 0 {
		cfg.Sync.Channels = s.Channels
	}
	if s.Workers > 0 {
		cfg.Sync.Workers = s.Workers
	}
	if s.TableWorkers > 0 {
		cfg.Sync.TableWorkers = s.TableWorkers
	}
	if s.ChecksumMode != "" {
		cfg.Sync.ChecksumMode = s.ChecksumMode
	}
	return cfg, nil
}
