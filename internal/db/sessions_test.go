package db_test

import (
	"errors"
	"testing"
	"time"

	"github.com/josephwibowo/mantora/internal/db"
	"github.com/josephwibowo/mantora/internal/testutil"
)

func TestCreateAndGetSession(t *testing.T) {
	database := testutil.NewTestDB(t)

	dirty := true
	context := &db.SessionContext{
		RepoRoot: "/work/app",
		RepoName: "app",
		Branch:   "main",
		Commit:   "abc123",
		Dirty:    &dirty,
	}
	created, err := database.CreateSession("Exploration", context, "client-1")
	testutil.RequireNoError(t, err, "create session")

	if created.ID == "" {
		t.Fatal("session ID not assigned")
	}

	got, err := database.GetSession(created.ID)
	testutil.RequireNoError(t, err, "get session")
	testutil.RequireEqual(t, "Exploration", got.Title, "title")
	testutil.RequireEqual(t, "client-1", got.ClientID, "client id")
	if got.Context == nil || got.Context.Branch != "main" {
		t.Fatalf("context = %+v", got.Context)
	}
	if got.Context.Dirty == nil || !*got.Context.Dirty {
		t.Fatal("dirty flag lost")
	}
}

func TestGetSessionNotFound(t *testing.T) {
	database := testutil.NewTestDB(t)

	_, err := database.GetSession("missing")
	if !errors.Is(err, db.ErrSessionNotFound) {
		t.Fatalf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestSessionExists(t *testing.T) {
	database := testutil.NewTestDB(t)
	session := testutil.MakeSession(t, database)

	exists, err := database.SessionExists(session.ID)
	testutil.RequireNoError(t, err, "exists")
	if !exists {
		t.Fatal("created session should exist")
	}

	exists, err = database.SessionExists("missing")
	testutil.RequireNoError(t, err, "exists missing")
	if exists {
		t.Fatal("missing session should not exist")
	}
}

func TestGetLastActiveAt(t *testing.T) {
	database := testutil.NewTestDB(t)
	session := testutil.MakeSession(t, database)

	// With no steps, last activity is session creation.
	last, err := database.GetLastActiveAt(session.ID)
	testutil.RequireNoError(t, err, "last active")
	if !last.Equal(session.CreatedAt) {
		t.Fatalf("last = %v, want %v", last, session.CreatedAt)
	}

	step := testutil.MakeStep(t, database, session)
	last, err = database.GetLastActiveAt(session.ID)
	testutil.RequireNoError(t, err, "last active after step")
	if !last.Equal(step.CreatedAt) {
		t.Fatalf("last = %v, want step time %v", last, step.CreatedAt)
	}
}

func TestListSessionsNewestFirst(t *testing.T) {
	database := testutil.NewTestDB(t)
	testutil.MakeSession(t, database, testutil.SessionWithTitle("first"))
	time.Sleep(1100 * time.Millisecond)
	testutil.MakeSession(t, database, testutil.SessionWithTitle("second"))

	sessions, err := database.ListSessions(10)
	testutil.RequireNoError(t, err, "list sessions")
	testutil.RequireLen(t, sessions, 2, "sessions")
	testutil.RequireEqual(t, "second", sessions[0].Title, "newest first")
}

func TestDeleteSessionCascades(t *testing.T) {
	database := testutil.NewTestDB(t)
	session := testutil.MakeSession(t, database)
	step := testutil.MakeStep(t, database, session)
	pending := testutil.MakePending(t, database, session)

	testutil.RequireNoError(t, database.DeleteSession(session.ID), "delete session")

	if _, err := database.GetStep(step.ID); !errors.Is(err, db.ErrStepNotFound) {
		t.Fatalf("step survived cascade: %v", err)
	}
	if _, err := database.GetPendingRequest(pending.ID); !errors.Is(err, db.ErrPendingNotFound) {
		t.Fatalf("pending request survived cascade: %v", err)
	}
	if err := database.DeleteSession(session.ID); !errors.Is(err, db.ErrSessionNotFound) {
		t.Fatalf("second delete err = %v, want ErrSessionNotFound", err)
	}
}

func TestClientDefaultTargetType(t *testing.T) {
	database := testutil.NewTestDB(t)

	got, err := database.GetClientDefaultTargetType("client-1")
	testutil.RequireNoError(t, err, "get unset default")
	testutil.RequireEqual(t, "", got, "unset default")

	testutil.RequireNoError(t,
		database.SetClientDefaultTargetType("client-1", "postgres"), "set default")
	got, err = database.GetClientDefaultTargetType("client-1")
	testutil.RequireNoError(t, err, "get default")
	testutil.RequireEqual(t, "postgres", got, "default")

	// Upsert replaces.
	testutil.RequireNoError(t,
		database.SetClientDefaultTargetType("client-1", "duckdb"), "replace default")
	got, _ = database.GetClientDefaultTargetType("client-1")
	testutil.RequireEqual(t, "duckdb", got, "replaced default")
}

func TestUpdateSessionTag(t *testing.T) {
	database := testutil.NewTestDB(t)
	session := testutil.MakeSession(t, database)

	testutil.RequireNoError(t, database.UpdateSessionTag(session.ID, "release-check"), "tag")

	got, err := database.GetSession(session.ID)
	testutil.RequireNoError(t, err, "get")
	if got.Context == nil || got.Context.Tag != "release-check" {
		t.Fatalf("tag not stored: %+v", got.Context)
	}

	if err := database.UpdateSessionTag("missing", "x"); !errors.Is(err, db.ErrSessionNotFound) {
		t.Fatalf("err = %v, want ErrSessionNotFound", err)
	}
}
