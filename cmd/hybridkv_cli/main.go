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

	"github.com/sushant-115/hybridkv/config"
	"github.com/sushant-115/hybridkv/core/shard"
	"github.com/sushant-115/hybridkv/pkg/logger"
)

var (
	configPath string
	shardTag   string
	dataDir    string
	logLevel   string
)

func init() {
	flag.StringVar(&configPath, "config", "", "Path to the YAML configuration file")
	flag.StringVar(&shardTag, "shard", "", "Shard to open, defaults to the first configured shard")
	flag.StringVar(&dataDir, "data_dir", "", "Overrides data_dir from the configuration")
	flag.StringVar(&logLevel, "log_level", "warn", "Log level of the embedded shard")
}

func main() {
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	cfg.Logger.Level = logLevel
	cfg.Logger.OutputFile = "stderr"
	cfg.Logger.Format = "console"
	tag := shardTag
	if tag == "" {
		tag = cfg.Shards[0]
	}

	zlogger, err := logger.New(cfg.Logger)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zlogger.Sync()

	s, err := shard.Open(tag, cfg.ShardDir(tag), cfg.Shard, shard.Options{
		Storage: cfg.Storage,
		Logger:  zlogger,
	})
	if err != nil {
		log.Fatalf("Failed to open shard %s: %v", tag, err)
	}
	defer func() {
		if err := s.Close(); err != nil {
			zlogger.Error("Failed to close shard", zap.Error(err))
		}
	}()

	if args := flag.Args(); len(args) > 0 {
		if err := execute(context.Background(), s, args, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "(error) %v\n", err)
			s.Close()
			os.Exit(1)
		}
		return
	}
	repl(s, tag, cfg.DataDir)
}

func completer() *readline.PrefixCompleter {
	items := make([]readline.PrefixCompleterInterface, 0, len(commands)+2)
	for _, c := range commands {
		items = append(items, readline.PcItem(c.name))
	}
	items = append(items, readline.PcItem("HELP"), readline.PcItem("EXIT"))
	return readline.NewPrefixCompleter(items...)
}

func repl(s *shard.Shard, tag, dir string) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          fmt.Sprintf("hybridkv[%s]> ", tag),
		HistoryFile:     filepath.Join(dir, ".hybridkv_history"),
		AutoComplete:    completer(),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		log.Fatalf("Failed to start line editor: %v", err)
	}
	defer rl.Close()

	fmt.Fprintln(rl.Stdout(), "Type HELP for the list of commands.")
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			log.Printf("Failed to read input: %v", err)
			return
		}

		tokens, err := tokenize(strings.TrimSpace(line))
		if err != nil {
			fmt.Fprintf(rl.Stdout(), "(error) %v\n", err)
			continue
		}
		if len(tokens) == 1 && (strings.EqualFold(tokens[0], "exit") || strings.EqualFold(tokens[0], "quit")) {
			return
		}
		if err := execute(context.Background(), s, tokens, rl.Stdout()); err != nil {
			fmt.Fprintf(rl.Stdout(), "(error) %v\n", err)
		}
	}
}
