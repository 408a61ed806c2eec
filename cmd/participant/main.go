// Package main runs an interactive castor participant.
//
// Usage:
//
//	participant <config>
//
// The config file is either YAML or the legacy three-line form:
//
//	<client id>
//	<message file>
//	<coordinator host> <coordinator port>
//
// Commands typed at the prompt:
//
//	register <port>    join the group and receive messages on port
//	deregister         leave the group and delete the message file
//	disconnect         stop receiving while staying in the group
//	reconnect <port>   resume receiving, replaying recent missed messages
//	msend <text>       multicast text to the group
//	exit               quit
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dreamware/castor/internal/config"
	"github.com/dreamware/castor/internal/logging"
	"github.com/dreamware/castor/internal/participant"
)

// logFatal is a variable so tests can intercept fatal errors.
var logFatal = log.Fatalf

const prompt = "participant> "

var errUsage = errors.New("usage: participant <config>")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		logFatal("participant: %v", err)
	}
}

// run connects to the coordinator and executes commands read from in until
// "exit", end of input, or ctx is done.
func run(ctx context.Context, args []string, in io.Reader, out, logOut io.Writer) error {
	if len(args) != 1 {
		return errUsage
	}
	cfg, err := config.LoadParticipant(args[0])
	if err != nil {
		return err
	}

	logger, err := logging.New(logOut, getenv("CASTOR_LOG_LEVEL", "warn"), logging.FormatConsole)
	if err != nil {
		return err
	}

	p, err := participant.Dial(ctx, cfg.CoordinatorAddr(), cfg.ID, cfg.MessageFile, participant.WithLogger(logger))
	if err != nil {
		return err
	}
	defer p.Close()

	lines := make(chan string)
	done := make(chan struct{})
	defer close(done)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-done:
				return
			}
		}
	}()

	for {
		fmt.Fprint(out, prompt)
		var line string
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimRight(l, "\r")
		}

		if strings.TrimSpace(line) == "exit" {
			return nil
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		if err := p.Exec(ctx, line); err != nil {
			fmt.Fprintln(out, describe(err))
		}
	}
}

// describe renders an error for the prompt.
func describe(err error) string {
	switch {
	case errors.Is(err, participant.ErrUnknownCommand):
		return "ERROR: Invalid command"
	case errors.Is(err, participant.ErrAlreadyRegistered):
		return "Participant is already registered."
	case errors.Is(err, participant.ErrAlreadyConnected):
		return "Participant is already connected."
	case errors.Is(err, participant.ErrNotRegistered):
		return "Must be registered first."
	case errors.Is(err, participant.ErrNotConnected):
		return "Must be connected first."
	}
	return "ERROR: " + err.Error()
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
