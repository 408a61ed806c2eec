// Package main runs the castor coordinator.
//
// The coordinator accepts participant command connections, keeps a
// time-bounded log of multicast messages and delivers each message to every
// connected participant, replaying what a participant missed when it
// reconnects.
//
// Usage:
//
//	coordinator <config>
//
// The config file is either YAML or the legacy two-number form
// "<port> <retention seconds>". CASTOR_CONFIG names the file when no
// argument is given. CASTOR_ADMIN_ADDR and CASTOR_LOG_LEVEL override the
// file.
//
// Example:
//
//	echo "5000 60" > coordinator.conf
//	CASTOR_ADMIN_ADDR=:9090 ./coordinator coordinator.conf
//	curl localhost:9090/clients
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dreamware/castor/internal/config"
	"github.com/dreamware/castor/internal/logging"
	"github.com/dreamware/castor/internal/service"
)

// logFatal is a variable so tests can intercept fatal errors.
var logFatal = log.Fatalf

const shutdownTimeout = 5 * time.Second

var errUsage = errors.New("usage: coordinator <config>")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Getenv, os.Stderr); err != nil {
		logFatal("coordinator: %v", err)
	}
}

// run loads the configuration, starts the coordinator and blocks until ctx
// is done.
func run(ctx context.Context, args []string, env func(string) string, out io.Writer) error {
	path := getenvFrom(env, "CASTOR_CONFIG", "")
	switch len(args) {
	case 0:
	case 1:
		path = args[0]
	default:
		return errUsage
	}
	if path == "" {
		return errUsage
	}

	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	cfg.ApplyEnv(env)

	logger, err := logging.New(out, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}

	svc, err := service.New(cfg, logger)
	if err != nil {
		return err
	}
	if err := svc.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := svc.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func getenv(k, def string) string {
	return getenvFrom(os.Getenv, k, def)
}

func getenvFrom(env func(string) string, k, def string) string {
	if v := env(k); v != "" {
		return v
	}
	return def
}
