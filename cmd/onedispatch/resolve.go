package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/onedispatch/onedispatch/internal/config"
	"github.com/onedispatch/onedispatch/internal/db"
	"github.com/onedispatch/onedispatch/internal/logging"
	"github.com/onedispatch/onedispatch/internal/router"
	"github.com/onedispatch/onedispatch/internal/style"
)

var (
	resolveUserID  int64
	resolveGroupID int64
)

// allUp treats every configured target as connected so an offline dry run
// shows the routing outcome rather than connection state.
type allUp struct{}

func (allUp) Connected(string) bool { return true }

var resolveCmd = &cobra.Command{
	Use:   "resolve <text>",
	Short: "Dry-run the routing pipeline for a message text",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logging.Disable()
		snap, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		store, err := db.NewSQLite(snap.Config.Database.Path)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer store.Close()

		user, err := store.GetUser(cmd.Context(), resolveUserID)
		if err != nil {
			user = nil
		}

		r := router.New(style.NewManager(store, nil), allUp{})
		dec := r.Resolve(cmd.Context(), snap, user, router.Input{
			Text:    strings.Join(args, " "),
			UserID:  resolveUserID,
			GroupID: resolveGroupID,
		})

		fmt.Printf("decision: %s\n", dec.Kind)
		switch dec.Kind {
		case router.Forward:
			fmt.Printf("target:   %s\n", dec.ConnectionID)
			fmt.Printf("text:     %s\n", dec.Text)
			if dec.CommandSetID != "" {
				fmt.Printf("matched:  %s / %s\n", dec.CommandSetID, dec.CommandName)
			}
		case router.Reply:
			fmt.Printf("reply:    %s\n", dec.ReplyText)
		}
		return nil
	},
}

func init() {
	resolveCmd.Flags().Int64Var(&resolveUserID, "user", 0, "sender user id")
	resolveCmd.Flags().Int64Var(&resolveGroupID, "group", 0, "group id (0 for private)")
}
