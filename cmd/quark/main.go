package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/fabian4/quark/internal/config"
	"github.com/fabian4/quark/internal/metrics"
	"github.com/fabian4/quark/internal/server"
	"github.com/fabian4/quark/internal/supervisor"
	"github.com/fabian4/quark/internal/version"
)

// Exit codes per spec.md §6.
const (
	exitOK          = 0
	exitConfigError = 1
	exitBindError   = 2
	exitFatalIO     = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "./quark.toml", "path to TOML config")
	logsPath := flag.String("logs", "", "path to the access log file (default: stdout)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Printf("config: %v", err)
		return exitConfigError
	}

	access, closeLog, err := server.OpenAccessLog(*logsPath)
	if err != nil {
		log.Printf("logs: %v", err)
		return exitConfigError
	}
	defer closeLog()

	reg := metrics.New()

	srv, err := server.Boot(cfg, access, reg)
	if err != nil {
		log.Printf("boot: %v", err)
		return exitConfigError
	}

	log.Printf("quark %s starting (servers=%d services=%d loadbalancers=%d)",
		version.Value, len(cfg.Servers), len(cfg.Services), len(cfg.LoadBalancers))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		var bindErr *supervisor.BindError
		if errors.As(err, &bindErr) {
			log.Printf("bind: %v", err)
			return exitBindError
		}
		log.Printf("fatal: %v", err)
		return exitFatalIO
	}

	return exitOK
}
