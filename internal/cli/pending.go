package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/josephwibowo/mantora/internal/daemon"
	"github.com/josephwibowo/mantora/internal/db"
	"github.com/josephwibowo/mantora/internal/output"
)

var (
	flagPendingSession string
	flagPendingAll     bool

	flagWatchPollInterval time.Duration
	flagWatchNotify       bool
	flagWatchSweep        bool
)

func init() {
	pendingListCmd.Flags().StringVarP(&flagPendingSession, "session-id", "s", "", "only requests for this session")
	pendingListCmd.Flags().BoolVar(&flagPendingAll, "all", false, "include decided requests")

	pendingWatchCmd.Flags().DurationVar(&flagWatchPollInterval, "poll-interval", 2*time.Second, "polling interval when file watching is unavailable")
	pendingWatchCmd.Flags().BoolVar(&flagWatchNotify, "notify", false, "send desktop notifications for new pending requests")
	pendingWatchCmd.Flags().BoolVar(&flagWatchSweep, "sweep", true, "expire requests that outlived the blocker timeout")

	pendingCmd.AddCommand(pendingListCmd)
	pendingCmd.AddCommand(pendingShowCmd)
	pendingCmd.AddCommand(pendingAllowCmd)
	pendingCmd.AddCommand(pendingDenyCmd)
	pendingCmd.AddCommand(pendingWatchCmd)

	rootCmd.AddCommand(pendingCmd)
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List and decide blocked tool calls",
	Long: `Work the approval queue. A proxy running in protective mode holds
high-risk tool calls here until a decision lands:

  mantora pending list
  mantora pending show <request-id>
  mantora pending allow <request-id>
  mantora pending deny <request-id>

Decisions are single-shot: once a request is allowed, denied, or timed
out, later decisions do not change it.`,
}

// pendingView is the operator-facing shape of a pending request.
type pendingView struct {
	RequestID      string `json:"request_id"`
	SessionID      string `json:"session_id"`
	Tool           string `json:"tool"`
	SQL            string `json:"sql,omitempty"`
	Classification string `json:"classification,omitempty"`
	RiskLevel      string `json:"risk_level,omitempty"`
	Reason         string `json:"reason,omitempty"`
	Status         string `json:"status"`
	CreatedAt      string `json:"created_at"`
	DecidedAt      string `json:"decided_at,omitempty"`
}

func viewOf(r *db.PendingRequest) pendingView {
	view := pendingView{
		RequestID:      r.ID,
		SessionID:      r.SessionID,
		Tool:           r.ToolName,
		Classification: r.Classification,
		RiskLevel:      r.RiskLevel,
		Reason:         r.Reason,
		Status:         r.Status,
		CreatedAt:      r.CreatedAt.Format(time.RFC3339),
	}
	if sql, ok := r.Arguments["sql"].(string); ok {
		view.SQL = sql
	}
	if r.DecidedAt != nil {
		view.DecidedAt = r.DecidedAt.Format(time.RFC3339)
	}
	return view
}

var pendingListCmd = &cobra.Command{
	Use:   "list",
	Short: "List requests awaiting a decision",
	RunE: func(cmd *cobra.Command, args []string) error {
		dbConn, err := db.OpenAndMigrate(GetDB())
		if err != nil {
			return fmt.Errorf("opening store: %w", err)
		}
		defer dbConn.Close()

		status := db.PendingStatusPending
		if flagPendingAll {
			status = ""
		}
		requests, err := dbConn.ListPendingRequests(flagPendingSession, status)
		if err != nil {
			return fmt.Errorf("listing pending requests: %w", err)
		}

		resp := make([]pendingView, 0, len(requests))
		for _, r := range requests {
			resp = append(resp, viewOf(r))
		}

		out := output.New(output.Format(GetOutput()))
		return out.Write(resp)
	},
}

var pendingShowCmd = &cobra.Command{
	Use:   "show <request-id>",
	Short: "Show one request in full",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dbConn, err := db.OpenAndMigrate(GetDB())
		if err != nil {
			return fmt.Errorf("opening store: %w", err)
		}
		defer dbConn.Close()

		req, err := dbConn.GetPendingRequest(args[0])
		if err != nil {
			return err
		}

		out := output.New(output.Format(GetOutput()))
		return out.Write(req)
	},
}

var pendingAllowCmd = &cobra.Command{
	Use:   "allow <request-id>",
	Short: "Approve a blocked request",
	Args:  cobra.ExactArgs(1),
	RunE:  decideCmd(db.PendingStatusAllowed),
}

var pendingDenyCmd = &cobra.Command{
	Use:   "deny <request-id>",
	Short: "Deny a blocked request",
	Args:  cobra.ExactArgs(1),
	RunE:  decideCmd(db.PendingStatusDenied),
}

func decideCmd(status string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		dbConn, err := db.OpenAndMigrate(GetDB())
		if err != nil {
			return fmt.Errorf("opening store: %w", err)
		}
		defer dbConn.Close()

		before, err := dbConn.GetPendingRequest(args[0])
		if err != nil {
			return err
		}

		decided, err := dbConn.DecidePendingRequest(args[0], status)
		if err != nil {
			return err
		}

		out := output.New(output.Format(GetOutput()))
		result := map[string]any{
			"request_id": decided.ID,
			"status":     decided.Status,
		}
		if decided.DecidedAt != nil {
			result["decided_at"] = decided.DecidedAt.Format(time.RFC3339)
		}
		if before.IsDecided() {
			// The decision was a no-op; say so instead of implying a change.
			result["already_decided"] = true
		}
		return out.Write(result)
	}
}

var pendingWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream pending request events as NDJSON",
	Long: `Stream request lifecycle events as newline-delimited JSON, for human
operators and reviewing agents alike.

Event types:
  request_pending - new request awaiting a decision
  request_allowed - request was approved
  request_denied  - request was denied
  request_timeout - request expired without a decision

Store changes are picked up via file watching, with polling as the
fallback. Unless --sweep=false, requests older than the blocker timeout
are expired as a side effect.`,
	RunE: runPendingWatch,
}

func runPendingWatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	dbPath := resolveDBPath(cfg)

	dbConn, err := db.OpenAndMigrate(dbPath)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer dbConn.Close()

	logger := log.NewWithOptions(os.Stderr, log.Options{Prefix: "mantora"})
	if flagVerbose {
		logger.SetLevel(log.DebugLevel)
	}

	if flagWatchSweep {
		sweeper, err := daemon.StartTimeoutChecker(ctx, dbConn,
			time.Duration(cfg.Blocker.TimeoutSecs)*time.Second, logger)
		if err != nil {
			return fmt.Errorf("starting sweeper: %w", err)
		}
		defer sweeper.Stop()
	}

	watcher, err := daemon.NewWatcher(dbPath)
	if err != nil {
		logger.Warn("file watching unavailable, polling instead", "error", err)
		return watchByPolling(ctx, dbConn, cmd.OutOrStdout())
	}
	defer watcher.Stop()
	if err := watcher.Start(ctx); err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	seen := make(map[string]string)

	// Initial pass announces whatever is already waiting.
	if err := emitPendingChanges(dbConn, enc, seen); err != nil {
		return err
	}

	// The poll ticker backstops missed filesystem events.
	ticker := time.NewTicker(flagWatchPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-watcher.Events():
			if !ok {
				return nil
			}
			if err := emitPendingChanges(dbConn, enc, seen); err != nil {
				return err
			}
		case err := <-watcher.Errors():
			if err != nil {
				logger.Warn("watcher error", "error", err)
			}
		case <-ticker.C:
			if err := emitPendingChanges(dbConn, enc, seen); err != nil {
				return err
			}
		}
	}
}

func watchByPolling(ctx context.Context, dbConn *db.DB, out io.Writer) error {
	enc := json.NewEncoder(out)
	seen := make(map[string]string)

	if err := emitPendingChanges(dbConn, enc, seen); err != nil {
		return err
	}

	ticker := time.NewTicker(flagWatchPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := emitPendingChanges(dbConn, enc, seen); err != nil {
				return err
			}
		}
	}
}

// emitPendingChanges diffs the store against what was already reported and
// emits one event per status change.
func emitPendingChanges(dbConn *db.DB, enc *json.Encoder, seen map[string]string) error {
	requests, err := dbConn.ListPendingRequests("", "")
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return fmt.Errorf("listing pending requests: %w", err)
	}

	for i := len(requests) - 1; i >= 0; i-- {
		r := requests[i]
		if seen[r.ID] == r.Status {
			continue
		}
		seen[r.ID] = r.Status

		event := map[string]any{
			"event":      "request_" + r.Status,
			"request_id": r.ID,
			"session_id": r.SessionID,
			"tool":       r.ToolName,
			"risk_level": r.RiskLevel,
			"reason":     r.Reason,
			"created_at": r.CreatedAt.Format(time.RFC3339),
		}
		if err := enc.Encode(event); err != nil {
			return fmt.Errorf("encoding event: %w", err)
		}

		if flagWatchNotify && r.Status == db.PendingStatusPending {
			title := "mantora: approval needed"
			body := fmt.Sprintf("%s blocked: %s", r.ToolName, r.Reason)
			if err := daemon.SendDesktopNotification(title, body); err != nil {
				log.Default().Debug("desktop notification failed", "error", err)
			}
		}
	}
	return nil
}
