package main

import (
	"context"
	"io"
	"time"

	"github.com/catalogsync/catalogsync/internal/app"
)

// Dependencies holds the services bound into command execution.
type Dependencies struct {
	Ctx    context.Context
	Stdout io.Writer
	Stderr io.Writer
	App    *app.App
}

// CLI defines the command-line interface structure for Kong.
type CLI struct {
	Config  string `short:"c" type:"path" help:"Configuration file (YAML or JSON)"`
	EnvFile string `name:"env-file" type:"path" default:".env" help:"Dotenv file loaded before the environment"`
	DataDir string `name:"data-dir" type:"path" help:"Base directory for local state"`

	Store    string `name:"store" type:"path" help:"Local store path"`
	Driver   string `name:"driver" help:"Local store driver (duckdb, sqlite3)"`
	LogLevel string `name:"log-level" help:"Log level (debug, info, warn, error)"`
	LogFmt   string `name:"log-format" help:"Log format (json, console)"`

	Sync   SyncCmd   `cmd:"" help:"Replicate the remote catalog into the local store"`
	Status StatusCmd `cmd:"" help:"Show replicated datasets and recent runs"`
	Query  QueryCmd  `cmd:"" help:"Run a read-only SQL statement against the local store"`
}

// SyncCmd is the "sync" subcommand.
type SyncCmd struct {
	Pattern        string        `arg:"" optional:"" help:"Regex over channel/namespace/version/dataset"`
	Force          bool          `short:"f" help:"Resync datasets even when unchanged"`
	Prune          bool          `help:"Remove local datasets no longer in the catalog"`
	IncludePrivate bool          `name:"include-private" help:"Also replicate non-public entries"`
	Channels       []string      `name:"channel" help:"Restrict to channels (repeatable)"`
	Workers        int           `short:"w" help:"Concurrent datasets"`
	TableWorkers   int           `name:"table-workers" help:"Concurrent tables per dataset"`
	ChecksumMode   string        `name:"checksum-mode" help:"Dataset checksum mode (lead, composite)"`
	Interval       time.Duration `help:"Repeat the sync on this interval (e.g. 1h) until interrupted"`
}

// StatusCmd is the "status" subcommand.
type StatusCmd struct {
	Runs int `default:"5" help:"Number of recent runs to show"`
}

// QueryCmd is the "query" subcommand.
type QueryCmd struct {
	SQL string `arg:"" help:"SELECT statement"`
}
