package proxy

import (
	"strings"
	"testing"

	"github.com/josephwibowo/mantora/internal/adapter"
	"github.com/josephwibowo/mantora/internal/db"
	"github.com/josephwibowo/mantora/internal/testutil"
)

func newTestRecorder(t *testing.T, database *db.DB, targetType string) *stepRecorder {
	t.Helper()
	sessions := newSessionManager(database, testutil.TestLogger(t), 0, "test-client", nil)
	return newStepRecorder(database, testutil.TestLogger(t), adapter.Get(targetType), sessions)
}

func TestRecordQueryStep(t *testing.T) {
	database := testutil.NewTestDB(t)
	session := testutil.MakeSession(t, database)
	r := newTestRecorder(t, database, "postgres")

	shown := int64(5)
	total := int64(5)
	r.Record(stepInput{
		StepID:     "step-1",
		SessionID:  session.ID,
		Name:       "run_query",
		Args:       map[string]any{"sql": "SELECT * FROM users"},
		Result:     []any{map[string]any{"type": "text", "text": `[{"id":1}]`}},
		Status:     db.StepStatusOK,
		DurationMS: 12,
		RowsShown:  &shown,
		RowsTotal:  &total,
	})

	step, err := database.GetStep("step-1")
	testutil.RequireNoError(t, err, "get step")
	testutil.RequireEqual(t, db.StepKindToolCall, step.Kind, "kind")
	testutil.RequireEqual(t, "run_query", step.Summary, "summary")
	testutil.RequireEqual(t, "query", step.ToolCategory, "category")
	testutil.RequireEqual(t, "postgres", step.TargetType, "target type")
	testutil.RequireEqual(t, "SELECT * FROM users", step.SQL, "sql")
	testutil.RequireEqual(t, "read_only", step.SQLClassification, "classification")
	if step.ResultRowsShown == nil || *step.ResultRowsShown != 5 {
		t.Fatalf("rows shown = %v", step.ResultRowsShown)
	}
	if step.CapturedBytes == nil || *step.CapturedBytes == 0 {
		t.Fatal("captured bytes not computed")
	}
	if step.Preview == "" {
		t.Fatal("preview not recorded")
	}
}

func TestRecordSniffsDatabaseError(t *testing.T) {
	database := testutil.NewTestDB(t)
	session := testutil.MakeSession(t, database)
	r := newTestRecorder(t, database, "postgres")

	r.Record(stepInput{
		StepID:    "step-err",
		SessionID: session.ID,
		Name:      "run_query",
		Args:      map[string]any{"sql": "SELECT * FROM nope"},
		Result: []any{map[string]any{
			"type": "text",
			"text": `Database error: relation "nope" does not exist`,
		}},
		Status: db.StepStatusOK,
	})

	step, err := database.GetStep("step-err")
	testutil.RequireNoError(t, err, "get step")
	testutil.RequireEqual(t, db.StepStatusError, step.Status, "status flipped")
	testutil.RequireEqual(t, "run_query failed", step.Summary, "summary")
	if !strings.Contains(step.ErrorMessage, "does not exist") {
		t.Fatalf("error message = %q", step.ErrorMessage)
	}
}

func TestRecordCastStepKeepsResultMap(t *testing.T) {
	database := testutil.NewTestDB(t)
	session := testutil.MakeSession(t, database)
	r := newTestRecorder(t, database, "")

	r.Record(stepInput{
		StepID:    "step-cast",
		SessionID: session.ID,
		Name:      "cast_table",
		Args: map[string]any{
			"title": "Active users",
			"sql":   "SELECT id FROM users",
			"rows":  "<2 rows>",
		},
		Result: map[string]any{"cast_id": "c1", "rows_shown": 2},
		Status: db.StepStatusOK,
	})

	step, err := database.GetStep("step-cast")
	testutil.RequireNoError(t, err, "get step")
	testutil.RequireEqual(t, "cast", step.ToolCategory, "category")
	testutil.RequireEqual(t, "SELECT id FROM users", step.SQL, "sql from cast args")
	if step.Result["cast_id"] != "c1" {
		t.Fatalf("result = %v", step.Result)
	}
}

func TestRecordRecoversVanishedSession(t *testing.T) {
	database := testutil.NewTestDB(t)
	session := testutil.MakeSession(t, database)
	sessions := newSessionManager(database, testutil.TestLogger(t), 0, "test-client", nil)
	r := newStepRecorder(database, testutil.TestLogger(t), adapter.Get("postgres"), sessions)

	// The operator deletes the session between step-start and persist.
	testutil.RequireNoError(t, database.DeleteSession(session.ID), "delete session")

	r.Record(stepInput{
		StepID:    "step-orphan",
		SessionID: session.ID,
		Name:      "run_query",
		Args:      map[string]any{"sql": "SELECT 1"},
		Status:    db.StepStatusOK,
	})

	step, err := database.GetStep("step-orphan")
	testutil.RequireNoError(t, err, "step persisted despite vanished session")
	if step.SessionID == session.ID {
		t.Fatalf("step still targets the deleted session %s", session.ID)
	}

	owner, err := database.GetSession(step.SessionID)
	testutil.RequireNoError(t, err, "get recovery session")
	testutil.RequireEqual(t, "Recovered Session", owner.Title, "recovery session title")
	testutil.RequireEqual(t, owner.ID, sessions.Current(), "recovery session is current")
}

func TestExtractQueryErrorMessage(t *testing.T) {
	cases := []struct {
		name   string
		result any
		want   string
	}{
		{"nil", nil, ""},
		{"map error string", map[string]any{"error": "boom"}, "boom"},
		{"map error object", map[string]any{"error": map[string]any{"message": "bad column"}}, "bad column"},
		{"errors list", map[string]any{"errors": []any{map[string]any{"message": "first"}}}, "first"},
		{"json text block", map[string]any{"text": `{"error": "syntax error"}`}, "syntax error"},
		{"prose text block", map[string]any{"text": "Database error: timeout"}, "Database error: timeout"},
		{"plain prose ignored", map[string]any{"text": "all good"}, ""},
		{"bare string", "database error near SELECT", "database error near SELECT"},
		{"list of blocks", []any{
			map[string]any{"type": "text", "text": "ok"},
			map[string]any{"type": "text", "text": `{"errors": ["second wins"]}`},
		}, "second wins"},
		{"unparseable json ignored", map[string]any{"text": "{not json"}, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := extractQueryErrorMessage(tc.result); got != tc.want {
				t.Errorf("extractQueryErrorMessage() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestSummarizeArgs(t *testing.T) {
	long := strings.Repeat("a", 121)
	got := summarizeArgs(map[string]any{
		"short":  "keep",
		"long":   long,
		"flag":   false,
		"count":  float64(3),
		"items":  []any{1, 2},
		"nested": map[string]any{"a": 1, "b": 2, "c": 3},
		"odd":    struct{}{},
	})

	if got["short"] != "keep" {
		t.Errorf("short = %v", got["short"])
	}
	if got["long"] != "<omitted>" {
		t.Errorf("long = %v", got["long"])
	}
	if got["flag"] != false || got["count"] != float64(3) {
		t.Errorf("scalars = %v, %v", got["flag"], got["count"])
	}
	if got["items"] != "<list len=2>" {
		t.Errorf("items = %v", got["items"])
	}
	if got["nested"] != "<object keys=3>" {
		t.Errorf("nested = %v", got["nested"])
	}
	if got["odd"] != "<struct {}>" {
		t.Errorf("odd = %v", got["odd"])
	}
}

func TestRedactCastTableArgs(t *testing.T) {
	got := redactCastTableArgs(map[string]any{
		"title": "t",
		"rows":  []any{map[string]any{"id": 1}, map[string]any{"id": 2}},
	})
	if got["title"] != "t" {
		t.Errorf("title = %v", got["title"])
	}
	if got["rows"] != "<2 rows>" {
		t.Errorf("rows = %v", got["rows"])
	}
}

func TestCapSQLForArgs(t *testing.T) {
	short := "SELECT 1"
	if got := capSQLForArgs(short); got != short {
		t.Errorf("short sql = %q", got)
	}

	long := strings.Repeat("x", sqlExcerptCapBytes+1)
	got := capSQLForArgs(long)
	if !strings.HasSuffix(got, sqlTruncatedSuffix) {
		t.Errorf("capped sql missing marker: ...%q", got[len(got)-20:])
	}
	if len(got) != sqlExcerptCapBytes+len(sqlTruncatedSuffix) {
		t.Errorf("capped sql length = %d", len(got))
	}
}
