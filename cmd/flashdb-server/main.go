// Command flashdb-server runs the LSM-backed key-value store over the
// line-oriented TCP protocol. Flag parsing and app wiring follow the pack's
// oarkflow-velocity CLI (a urfave/cli/v3 app.Run over os.Args, flags for
// paths); a failure is returned from the action and mapped to an exit code
// by exitCodeFor.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/flashdb/flashdb/engine"
	"github.com/flashdb/flashdb/server"
)

func main() {
	app := &cli.Command{
		Name:  "flashdb-server",
		Usage: "LSM-tree key-value store server",
		Flags: []cli.Flag{
			&cli.UintFlag{
				Name:  "port",
				Usage: "TCP port to listen on",
				Value: 8080,
			},
			&cli.StringFlag{
				Name:  "data-dir",
				Usage: "directory for WAL, SSTables, and manifest",
				Value: "./data",
			},
		},
		Action: run,
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "flashdb-server: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
}

// fatalRuntimeError marks an error that happened after startup completed —
// exit code 2, vs. 1 for a startup failure (corrupt data dir, bind error).
type fatalRuntimeError struct{ err error }

func (e fatalRuntimeError) Error() string { return e.err.Error() }
func (e fatalRuntimeError) Unwrap() error { return e.err }

func exitCodeFor(err error) int {
	var rt fatalRuntimeError
	if errors.As(err, &rt) {
		return 2
	}
	return 1
}

func run(ctx context.Context, cmd *cli.Command) error {
	dataDir := cmd.String("data-dir")
	port := cmd.Uint("port")

	eng, err := engine.Open(dataDir)
	if err != nil {
		return fmt.Errorf("open engine at %s: %w", dataDir, err)
	}

	srv := server.New(eng, log.New(os.Stderr, "[flashdb-server] ", log.LstdFlags))

	addr := fmt.Sprintf(":%d", port)
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(addr)
	}()

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case <-sigCtx.Done():
		if err := srv.Close(); err != nil {
			log.Printf("shutdown: server close: %v", err)
		}
		if err := eng.Close(); err != nil {
			return fatalRuntimeError{fmt.Errorf("shutdown: engine close: %w", err)}
		}
		<-serveErr
		return nil
	case err := <-serveErr:
		closeErr := eng.Close()
		if err != nil {
			if errors.Is(err, server.ErrBind) {
				// A bind failure happens before the server ever started
				// accepting connections — a startup failure (exit 1),
				// not the fatal-at-runtime category (exit 2).
				return fmt.Errorf("serve: %w", err)
			}
			return fatalRuntimeError{fmt.Errorf("serve: %w", err)}
		}
		if closeErr != nil {
			return fatalRuntimeError{fmt.Errorf("engine close: %w", closeErr)}
		}
		return nil
	}
}
