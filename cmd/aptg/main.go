// Command aptg is a verifying, caching reverse proxy for Debian APT
// repositories.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	"github.com/wolfeidau/aptg/config"
)

var version = "0.1.0"

// Globals are flags shared by every command.
type Globals struct {
	Config    string `short:"c" type:"path" env:"APTG_CONFIG" help:"Config file (TOML, YAML or JSON)."`
	LogLevel  string `enum:",debug,info,warn,error" default:"" help:"Override log.level."`
	LogFormat string `enum:",text,json" default:"" help:"Override log.format."`
	NoColor   bool   `help:"Disable coloured text logs."`
}

type cli struct {
	Globals

	Version     kong.VersionFlag `help:"Print the version and exit."`
	Serve       serveCmd         `cmd:"" default:"1" help:"Run the proxy (default)."`
	Keys        keysCmd          `cmd:"" help:"List the trusted archive keys."`
	Scrub       scrubCmd         `cmd:"" help:"Re-hash cached content and drop entries that no longer match."`
	AuditVerify auditVerifyCmd   `cmd:"" name:"audit-verify" help:"Check the hash chain of an audit file."`
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var c cli
	kctx := kong.Parse(&c,
		kong.Name("aptg"),
		kong.Description("Verifying, caching APT reverse proxy."),
		kong.UsageOnError(),
		kong.Vars{"version": version},
		kong.BindTo(ctx, (*context.Context)(nil)),
		kong.BindTo(io.Writer(os.Stdout), (*io.Writer)(nil)),
	)
	if err := kctx.Run(&c.Globals); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// load reads the config and builds the process logger from it.
func (g *Globals) load() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(g.Config)
	if err != nil {
		return nil, nil, err
	}
	if g.LogLevel != "" {
		cfg.Log.Level = g.LogLevel
	}
	if g.LogFormat != "" {
		cfg.Log.Format = g.LogFormat
	}
	logger, err := newLogger(os.Stderr, cfg.Log.Level, cfg.Log.Format, g.NoColor)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func newLogger(w io.Writer, level, format string, noColor bool) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	var handler slog.Handler
	switch format {
	case "text", "":
		handler = tint.NewHandler(w, &tint.Options{
			Level:      lvl,
			TimeFormat: time.DateTime,
			NoColor:    noColor,
		})
	case "json":
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}
	return slog.New(handler), nil
}
