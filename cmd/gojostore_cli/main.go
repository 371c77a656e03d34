// Command gojostore_cli is an interactive shell over a local gojostore data
// directory.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"go.uber.org/zap"

	"github.com/sushant-115/gojostore/core/database"
	"github.com/sushant-115/gojostore/pkg/config"
	"github.com/sushant-115/gojostore/pkg/logger"
	"github.com/sushant-115/gojostore/pkg/telemetry"
)

var (
	configPath = flag.String("config", "", "Path to a YAML config file (defaults are used when empty)")
	dataDir    = flag.String("data_dir", "", "Overrides storage.data_dir")
	command    = flag.String("c", "", "Run a single command and exit")
)

func loadConfig() (config.Config, error) {
	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return config.Config{}, err
		}
	}
	if *dataDir != "" {
		cfg.Storage.DataDir = *dataDir
	}
	// Keep log output out of the way of the prompt unless configured.
	if *configPath == "" {
		cfg.Logger.Level = "warn"
		cfg.Logger.OutputFile = "stderr"
	}
	return cfg, cfg.Validate()
}

func historyFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".gojostore_history")
}

func newReadline() (*readline.Instance, error) {
	items := make([]readline.PrefixCompleterInterface, 0, len(commandNames))
	for _, name := range commandNames {
		items = append(items, readline.PcItem(name))
	}
	return readline.NewEx(&readline.Config{
		Prompt:            "gojostore> ",
		HistoryFile:       historyFilePath(),
		AutoComplete:      readline.NewPrefixCompleter(items...),
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
}

func main() {
	log.SetFlags(0)
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	zlogger, err := logger.New(cfg.Logger)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zlogger.Sync()

	tel, shutdown, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		zlogger.Fatal("Failed to set up telemetry", zap.Error(err))
	}
	defer shutdown(context.Background())

	db, err := database.Open(cfg, zlogger, tel)
	if err != nil {
		zlogger.Fatal("Failed to open database", zap.String("data_dir", cfg.Storage.DataDir), zap.Error(err))
	}
	defer func() {
		if err := db.Close(); err != nil {
			zlogger.Error("Error closing database", zap.Error(err))
		}
	}()

	ctx := context.Background()
	sh := newShell(db, os.Stdout)
	defer sh.close(ctx)

	if *command != "" {
		if err := sh.execute(ctx, *command); err != nil && !errors.Is(err, errExit) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		return
	}

	rl, err := newReadline()
	if err != nil {
		zlogger.Fatal("Failed to initialise line editor", zap.Error(err))
	}
	defer rl.Close()

	fmt.Printf("gojostore shell on %s. Type 'help' for commands, 'exit' or 'quit' to leave.\n", cfg.Storage.DataDir)
	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			if errors.Is(err, io.EOF) {
				fmt.Println()
			}
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if err := sh.execute(ctx, line); err != nil {
			if errors.Is(err, errExit) {
				return
			}
			fmt.Printf("Error: %v\n", err)
		}
	}
}
