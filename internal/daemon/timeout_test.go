package daemon

import (
	"context"
	"testing"
	"time"

	"github.com/josephwibowo/mantora/internal/db"
	"github.com/josephwibowo/mantora/internal/testutil"
)

func TestSweepExpired(t *testing.T) {
	database := testutil.NewTestDB(t)
	session := testutil.MakeSession(t, database)

	stale := &db.PendingRequest{
		SessionID: session.ID,
		ToolName:  "run_query",
		CreatedAt: time.Now().UTC().Add(-time.Hour),
	}
	testutil.RequireNoError(t, database.CreatePendingRequest(stale), "create stale")
	fresh := testutil.MakePending(t, database, session)

	handler := NewTimeoutHandler(database, TimeoutHandlerConfig{
		CheckInterval:  time.Minute,
		RequestTimeout: 30 * time.Minute,
		Logger:         testutil.TestLogger(t),
	})

	swept := handler.SweepExpired()
	testutil.RequireEqual(t, 1, swept, "swept count")

	got, err := database.GetPendingRequest(stale.ID)
	testutil.RequireNoError(t, err, "get stale")
	testutil.RequireEqual(t, db.PendingStatusTimeout, got.Status, "stale expired")

	got, err = database.GetPendingRequest(fresh.ID)
	testutil.RequireNoError(t, err, "get fresh")
	testutil.RequireEqual(t, db.PendingStatusPending, got.Status, "fresh untouched")

	// A second pass finds nothing left to do.
	testutil.RequireEqual(t, 0, handler.SweepExpired(), "second sweep")
}

func TestSweepExpiredZeroTimeoutIsNoOp(t *testing.T) {
	database := testutil.NewTestDB(t)
	session := testutil.MakeSession(t, database)

	stale := &db.PendingRequest{
		SessionID: session.ID,
		ToolName:  "run_query",
		CreatedAt: time.Now().UTC().Add(-time.Hour),
	}
	testutil.RequireNoError(t, database.CreatePendingRequest(stale), "create stale")

	handler := NewTimeoutHandler(database, TimeoutHandlerConfig{
		RequestTimeout: 0,
		Logger:         testutil.TestLogger(t),
	})
	testutil.RequireEqual(t, 0, handler.SweepExpired(), "no timeout, no sweep")
}

func TestTimeoutHandlerLifecycle(t *testing.T) {
	database := testutil.NewTestDB(t)

	handler := NewTimeoutHandler(database, TimeoutHandlerConfig{
		CheckInterval:  50 * time.Millisecond,
		RequestTimeout: time.Hour,
		Logger:         testutil.TestLogger(t),
	})

	ctx := context.Background()
	testutil.RequireNoError(t, handler.Start(ctx), "start")
	if !handler.IsRunning() {
		t.Fatal("handler not running after Start")
	}
	if err := handler.Start(ctx); err == nil {
		t.Fatal("double Start must fail")
	}

	handler.Stop()
	if handler.IsRunning() {
		t.Fatal("handler still running after Stop")
	}
	// Stop is idempotent.
	handler.Stop()
}
