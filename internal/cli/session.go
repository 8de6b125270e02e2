package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/josephwibowo/mantora/internal/db"
	"github.com/josephwibowo/mantora/internal/output"
)

var (
	flagSessionLimit int
)

func init() {
	sessionListCmd.Flags().IntVarP(&flagSessionLimit, "limit", "n", 20, "maximum sessions to list")

	sessionCmd.AddCommand(sessionListCmd)
	sessionCmd.AddCommand(sessionShowCmd)
	sessionCmd.AddCommand(sessionCastsCmd)
	sessionCmd.AddCommand(sessionTagCmd)
	sessionCmd.AddCommand(sessionDeleteCmd)

	rootCmd.AddCommand(sessionCmd)
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect recorded sessions",
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		dbConn, err := db.OpenAndMigrate(GetDB())
		if err != nil {
			return fmt.Errorf("opening store: %w", err)
		}
		defer dbConn.Close()

		sessions, err := dbConn.ListSessions(flagSessionLimit)
		if err != nil {
			return fmt.Errorf("listing sessions: %w", err)
		}

		type sessionView struct {
			SessionID string `json:"session_id"`
			Title     string `json:"title,omitempty"`
			ClientID  string `json:"client_id,omitempty"`
			CreatedAt string `json:"created_at"`
		}
		resp := make([]sessionView, 0, len(sessions))
		for _, s := range sessions {
			resp = append(resp, sessionView{
				SessionID: s.ID,
				Title:     s.Title,
				ClientID:  s.ClientID,
				CreatedAt: s.CreatedAt.Format(time.RFC3339),
			})
		}

		out := output.New(output.Format(GetOutput()))
		return out.Write(resp)
	},
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show a session and its recorded steps",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dbConn, err := db.OpenAndMigrate(GetDB())
		if err != nil {
			return fmt.Errorf("opening store: %w", err)
		}
		defer dbConn.Close()

		session, err := dbConn.GetSession(args[0])
		if err != nil {
			return err
		}
		steps, err := dbConn.ListSteps(args[0])
		if err != nil {
			return fmt.Errorf("listing steps: %w", err)
		}

		out := output.New(output.Format(GetOutput()))
		return out.Write(map[string]any{
			"session": session,
			"steps":   steps,
		})
	},
}

var sessionCastsCmd = &cobra.Command{
	Use:   "casts <session-id>",
	Short: "List a session's cast artifacts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dbConn, err := db.OpenAndMigrate(GetDB())
		if err != nil {
			return fmt.Errorf("opening store: %w", err)
		}
		defer dbConn.Close()

		casts, err := dbConn.ListCasts(args[0])
		if err != nil {
			return err
		}

		out := output.New(output.Format(GetOutput()))
		return out.Write(casts)
	},
}

var sessionTagCmd = &cobra.Command{
	Use:   "tag <session-id> <tag>",
	Short: "Tag a session for later retrieval",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		dbConn, err := db.OpenAndMigrate(GetDB())
		if err != nil {
			return fmt.Errorf("opening store: %w", err)
		}
		defer dbConn.Close()

		if err := dbConn.UpdateSessionTag(args[0], args[1]); err != nil {
			return err
		}

		out := output.New(output.Format(GetOutput()))
		return out.Write(map[string]any{
			"session_id": args[0],
			"tag":        args[1],
		})
	},
}

var sessionDeleteCmd = &cobra.Command{
	Use:   "delete <session-id>",
	Short: "Delete a session and everything recorded under it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dbConn, err := db.OpenAndMigrate(GetDB())
		if err != nil {
			return fmt.Errorf("opening store: %w", err)
		}
		defer dbConn.Close()

		if err := dbConn.DeleteSession(args[0]); err != nil {
			return err
		}

		out := output.New(output.Format(GetOutput()))
		out.Success("session deleted: " + args[0])
		return nil
	},
}
