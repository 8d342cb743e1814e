// Command quorumd runs one member of a quorum cluster, or with -demo every
// member of the cluster file in a single process.
//
// Usage:
//
//	quorumd -config quorum.toml -id a
//	quorumd -config quorum.toml -demo
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"

	"github.com/VanDung-dev/quorum-engine/api"
	"github.com/VanDung-dev/quorum-engine/config"
)

// Name is the binary name shown by -version.
const Name = "quorumd"

func main() {
	configPath := flag.String("config", "quorum.toml", "cluster file")
	id := flag.String("id", "", "member id to run")
	demo := flag.Bool("demo", false, "run every member in-process, propose running and exit")
	logLevel := flag.String("log-level", "", "override [log] level (debug, info, warn, error)")
	version := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("%s v%s\n", Name, api.Version)
		return
	}

	file, err := config.Load(*configPath)
	if err != nil {
		pterm.Error.Println(err)
		os.Exit(1)
	}

	level, err := file.LogLevel()
	if *logLevel != "" {
		err = level.UnmarshalText([]byte(*logLevel))
	}
	if err != nil {
		pterm.Error.Println(err)
		os.Exit(1)
	}
	logger := newLogger(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *demo {
		err = runDemo(ctx, file, logger)
	} else {
		if *id == "" {
			pterm.Error.Println("-id is required unless -demo is set")
			os.Exit(2)
		}
		err = runMember(ctx, file, *id, logger)
	}
	if err != nil {
		logger.Error("quorumd failed", "error", err)
		os.Exit(1)
	}
}

// newLogger routes slog through pterm's logger at level.
func newLogger(level slog.Level) *slog.Logger {
	ptLevel := pterm.LogLevelInfo
	switch {
	case level <= slog.LevelDebug:
		ptLevel = pterm.LogLevelDebug
	case level >= slog.LevelError:
		ptLevel = pterm.LogLevelError
	case level >= slog.LevelWarn:
		ptLevel = pterm.LogLevelWarn
	}

	handler := pterm.NewSlogHandler(pterm.DefaultLogger.WithLevel(ptLevel))
	return slog.New(handler)
}
