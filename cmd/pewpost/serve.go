package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"pewpost/internal/app"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the publisher and HTTP API until interrupted",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	if cfgFile == "" {
		return errors.New("serve needs --config")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgFile, app.WithVersion(version))
	if err != nil {
		return fmt.Errorf("starting: %w", err)
	}
	if err := a.Start(ctx); err != nil {
		return fmt.Errorf("starting: %w", err)
	}

	select {
	case <-ctx.Done():
	case <-a.Done():
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx)

	if err := a.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
