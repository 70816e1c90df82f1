package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/onedispatch/onedispatch/internal/config"
	"github.com/onedispatch/onedispatch/internal/db"
	"github.com/onedispatch/onedispatch/internal/dispatch"
	"github.com/onedispatch/onedispatch/internal/logging"
	"github.com/onedispatch/onedispatch/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the dispatcher",
	RunE: func(cmd *cobra.Command, _ []string) error {
		snap, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		logging.SetLevel(logging.ParseLevel(snap.Config.Logging.Level))

		store, err := db.NewSQLite(snap.Config.Database.Path)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer store.Close()

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		d := dispatch.New(configPath, snap, store)
		if err := d.Start(ctx); err != nil {
			return err
		}

		admin := server.New(d)
		adminAddr := fmt.Sprintf("%s:%d", snap.Config.Server.Host, snap.Config.Server.Port)
		if err := admin.Listen(adminAddr); err != nil {
			d.Stop(ctx)
			return fmt.Errorf("admin listen: %w", err)
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-sigCh:
			logging.Infof("received %v, shutting down", sig)
		case <-ctx.Done():
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = admin.Close(shutdownCtx)
		d.Stop(shutdownCtx)
		return nil
	},
}
