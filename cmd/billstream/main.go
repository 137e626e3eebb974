package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/billstream/billstream/pkg/app"
	"github.com/billstream/billstream/pkg/config"
)

const version = "0.1.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches the subcommand; it exists so tests can drive the CLI.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServer(stderr)
	}

	switch args[1] {
	case "server", "serve":
		return runServer(stderr)
	case "replay":
		return runReplay(args[2:], stdout, stderr)
	case "doctor":
		return runDoctor(stdout, stderr)
	case "health":
		return runHealth(args[2:], stdout, stderr)
	case "version", "--version":
		fmt.Fprintf(stdout, "billstream %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

// ANSI colors
const (
	colorReset = "\033[0m"
	colorBold  = "\033[1m"
	colorRed   = "\033[31m"
	colorGreen = "\033[32m"
	colorCyan  = "\033[36m"
	colorGray  = "\033[37m"
)

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sbillstream %s%s\n", colorBold+colorCyan, version, colorReset)
	fmt.Fprintf(w, "%sEvent-sourced bill processing.%s\n", colorGray, colorReset)
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sUSAGE:%s\n", colorBold, colorReset)
	fmt.Fprintln(w, "  billstream <command> [flags]")
	fmt.Fprintln(w, "")
	printCommand(w, "server", "Run the API server and log consumers (default)")
	printCommand(w, "replay", "Rebuild a consumer's read model (--consumer)")
	printCommand(w, "doctor", "Check configuration and storage")
	printCommand(w, "health", "Check a running server over HTTP (--addr)")
	printCommand(w, "version", "Show version information")
	printCommand(w, "help", "Show this help")
	fmt.Fprintln(w, "")
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %s%-10s%s %s\n", colorGreen, name, colorReset, desc)
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

func runServer(stderr io.Writer) int {
	logger := newLogger()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "%sconfig error:%s %v\n", colorRed, colorReset, err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(stderr, "%sstartup error:%s %v\n", colorRed, colorReset, err)
		return 1
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = a.Close(closeCtx)
	}()

	if err := a.Run(ctx); err != nil {
		fmt.Fprintf(stderr, "%sserver error:%s %v\n", colorRed, colorReset, err)
		return 1
	}
	return 0
}

func runReplay(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("replay", flag.ContinueOnError)
	fs.SetOutput(stderr)
	consumer := fs.String("consumer", "", "consumer to rebuild (required)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "%sconfig error:%s %v\n", colorRed, colorReset, err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, newLogger())
	if err != nil {
		fmt.Fprintf(stderr, "%sstartup error:%s %v\n", colorRed, colorReset, err)
		return 1
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = a.Close(closeCtx)
	}()

	if *consumer == "" {
		fmt.Fprintf(stderr, "replay requires --consumer; available: %s\n",
			strings.Join(a.Consumers(), ", "))
		return 2
	}

	started := time.Now()
	if err := a.Replay(ctx, *consumer); err != nil {
		fmt.Fprintf(stderr, "%sreplay failed:%s %v\n", colorRed, colorReset, err)
		return 1
	}

	position, err := a.Runner(*consumer).Position(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "%sposition read failed:%s %v\n", colorRed, colorReset, err)
		return 1
	}
	fmt.Fprintf(stdout, "%sok%s %s rebuilt to position %d in %s\n",
		colorGreen, colorReset, *consumer, position, time.Since(started).Round(time.Millisecond))
	return 0
}

func runDoctor(stdout, stderr io.Writer) int {
	check := func(name string, err error) bool {
		if err != nil {
			fmt.Fprintf(stdout, "  %s✗%s %-12s %v\n", colorRed, colorReset, name, err)
			return false
		}
		fmt.Fprintf(stdout, "  %s✓%s %-12s ok\n", colorGreen, colorReset, name)
		return true
	}

	fmt.Fprintf(stdout, "%sbillstream doctor%s\n", colorBold, colorReset)

	cfg, err := config.Load()
	if !check("config", err) {
		return 1
	}
	mode := "postgres"
	if cfg.Lite() {
		mode = "lite (sqlite under " + cfg.DataDir + ")"
	}
	fmt.Fprintf(stdout, "  %s·%s mode: %s, blob driver: %s\n", colorGray, colorReset, mode, cfg.Blob.Driver)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	a, err := app.New(ctx, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if !check("storage", err) {
		return 1
	}
	defer func() { _ = a.Close(ctx) }()

	_, err = a.Log.CurrentPosition(ctx)
	healthy := check("event log", err)

	for _, name := range a.Consumers() {
		_, err := a.Runner(name).Position(ctx)
		healthy = check(name, err) && healthy
	}

	if !healthy {
		return 1
	}
	fmt.Fprintf(stdout, "%sall checks passed%s\n", colorGreen, colorReset)
	return 0
}

func runHealth(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", "http://localhost:8080", "server base URL")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(strings.TrimRight(*addr, "/") + "/healthz")
	if err != nil {
		fmt.Fprintf(stderr, "%sunreachable:%s %v\n", colorRed, colorReset, err)
		return 1
	}
	defer func() { _ = resp.Body.Close() }()

	var health map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		fmt.Fprintf(stderr, "%sbad response:%s %v\n", colorRed, colorReset, err)
		return 1
	}

	status, _ := health["status"].(string)
	color := colorGreen
	code := 0
	if status != "ok" {
		color = colorRed
		code = 1
	}
	fmt.Fprintf(stdout, "%s%s%s\n", color, status, colorReset)
	if consumers, ok := health["consumers"].(map[string]any); ok {
		for name, position := range consumers {
			fmt.Fprintf(stdout, "  %-20s position %v\n", name, position)
		}
	}
	return code
}
