// Command selectify serves expiring photo galleries.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"
)

var version = "dev"

// Globals are the flags shared by every command.
type Globals struct {
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info" enum:"debug,info,warn,error" env:"SELECTIFY_LOG_LEVEL"`
	LogFormat string `help:"Log format (text, json)." default:"text" enum:"text,json" env:"SELECTIFY_LOG_FORMAT"`

	DBPath string `help:"Metadata database path." default:"./data/selectify.db" env:"SELECTIFY_DB_PATH" type:"path"`
}

// CLI is the root command.
type CLI struct {
	Globals

	Version kong.VersionFlag `help:"Print version and exit."`

	Serve ServeCmd `cmd:"" default:"withargs" help:"Run the gallery HTTP server."`
	Sweep SweepCmd `cmd:"" help:"Run one retention sweep and exit."`
	DB    DBCmd    `cmd:"" name:"db" help:"Inspect and maintain the metadata database."`
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("selectify"),
		kong.Description("Expiring photo galleries with view-limited share links."),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)

	logger, err := newLogger(cli.LogLevel, cli.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	if err := ctx.Run(&cli.Globals, logger); err != nil {
		logger.Error("command failed", "command", ctx.Command(), "error", err)
		os.Exit(1)
	}
}

func newLogger(levelName, format string) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(levelName)); err != nil {
		return nil, fmt.Errorf("invalid log level: %s", levelName)
	}

	var handler slog.Handler
	switch format {
	case "text":
		handler = tint.NewHandler(os.Stderr, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
		})
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}
	return slog.New(handler), nil
}
