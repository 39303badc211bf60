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

	"github.com/joho/godotenv"
	"github.com/loqalabs/loqa-persona/internal/bus"
	"github.com/loqalabs/loqa-persona/internal/config"
	"github.com/loqalabs/loqa-persona/internal/eventstore"
	flag "github.com/spf13/pflag"
)

var version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'validate', 'history', 'tail' or 'version'")
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "validate":
		err = runValidate(os.Args[2:])
	case "history":
		err = runHistory(os.Args[2:])
	case "tail":
		err = runTail(os.Args[2:])
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(name string, args []string, extra func(*flag.FlagSet)) (config.Config, error) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	configPath := fs.StringP("config", "c", "", "Path to configuration file")
	envFile := fs.StringP("env", "e", ".env", "Env file path")
	if extra != nil {
		extra(fs)
	}
	_ = fs.Parse(args)
	_ = godotenv.Load(*envFile)
	return config.Load(*configPath)
}

func runValidate(args []string) error {
	cfg, err := loadConfig("validate", args, nil)
	if err != nil {
		return err
	}
	fmt.Printf("config valid: persona=%q stt=%s llm=%s tts=%s telegram=%t\n",
		cfg.Persona.Name, cfg.STT.Mode, cfg.LLM.Mode, cfg.TTS.Mode, cfg.Telegram.Enabled)
	if _, err := os.Stat(cfg.Voice.DefaultSample); err != nil {
		fmt.Printf("warning: default voice sample %s not found\n", cfg.Voice.DefaultSample)
	}
	if _, err := os.Stat(cfg.Persona.PromptPath); err != nil {
		fmt.Printf("warning: persona prompt %s not found, the built-in persona will be used\n", cfg.Persona.PromptPath)
	}
	return nil
}

func runHistory(args []string) error {
	var userID string
	var limit int
	cfg, err := loadConfig("history", args, func(fs *flag.FlagSet) {
		fs.StringVarP(&userID, "user", "u", "", "User id to list turns for")
		fs.IntVarP(&limit, "limit", "n", 20, "Maximum turns to show")
	})
	if err != nil {
		return err
	}
	if userID == "" {
		return fmt.Errorf("--user is required")
	}
	ctx := context.Background()
	store, err := eventstore.Open(ctx, cfg.EventStore, quietLogger())
	if err != nil {
		return err
	}
	defer store.Close()

	turns, err := store.ListTurns(ctx, userID, limit)
	if err != nil {
		return err
	}
	for _, t := range turns {
		fmt.Printf("%s  %-14s %-9s %5dms  %q -> %q\n",
			t.Timestamp.Format(time.RFC3339), t.Outcome, t.Input, t.ElapsedMillis, t.UserText, t.ReplyText)
	}
	return nil
}

func runTail(args []string) error {
	cfg, err := loadConfig("tail", args, nil)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := bus.Connect(ctx, cfg.Bus, quietLogger())
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Subscribe(ctx, func(subject string, data []byte) {
		fmt.Printf("%s %s\n", subject, data)
	}); err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
