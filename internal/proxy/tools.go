package proxy

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/josephwibowo/mantora/internal/core"
	"github.com/josephwibowo/mantora/internal/db"
	"github.com/josephwibowo/mantora/internal/mcp"
)

// proxyTools is the catalogue of tools the bridge serves itself, merged
// into the target's tools/list result.
var proxyTools = []mcp.Tool{
	{
		Name:        "session_start",
		Description: "Start a new observation session. Optional title.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"title":{"type":"string","description":"Human-readable session title"}}}`),
	},
	{
		Name:        "session_end",
		Description: "End the current observation session.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"session_id":{"type":"string","description":"ID of the session to end"}},"required":["session_id"]}`),
	},
	{
		Name:        "session_current",
		Description: "Return the current observation session ID.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{}}`),
	},
	{
		Name:        "cast_table",
		Description: "Persist a table of rows as a shareable session artifact.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"title":{"type":"string"},"sql":{"type":"string","description":"SQL that produced the rows"},"rows":{"type":"array","items":{"type":"object"}},"columns":{"type":"array","items":{"type":"string"},"description":"Column order; inferred from the first row when omitted"}},"required":["title","sql","rows"]}`),
	},
}

// handleSessionTool serves the three lifecycle tools. Lifecycle calls are
// never recorded as steps.
func (b *Bridge) handleSessionTool(name string, arguments map[string]any) *mcp.CallToolResult {
	switch name {
	case "session_start":
		title, _ := arguments["title"].(string)
		sessionID, err := b.sessions.Start(title)
		if err != nil {
			return mcp.TextResult(fmt.Sprintf("Failed to start session: %v", err), true)
		}
		return mcp.TextResult("Session started: "+sessionID, false)

	case "session_end":
		sessionID, _ := arguments["session_id"].(string)
		if b.sessions.End(sessionID) {
			return mcp.TextResult("Session ended: "+sessionID, false)
		}
		return mcp.TextResult("Session not found or not current", false)

	case "session_current":
		if current := b.sessions.Current(); current != "" {
			return mcp.TextResult("Current session: "+current, false)
		}
		return mcp.TextResult("No active session", false)
	}

	return mcp.TextResult("Unknown session tool: "+name, true)
}

// castTable persists a capped table artifact and returns the summary the
// agent sees. Rows beyond the preview caps are counted but not stored.
func (b *Bridge) castTable(arguments map[string]any, originStepID string) (map[string]any, error) {
	title, _ := arguments["title"].(string)
	if title == "" {
		return nil, fmt.Errorf("cast_table requires a title")
	}
	sqlText, _ := arguments["sql"].(string)

	rows, err := castRows(arguments["rows"])
	if err != nil {
		return nil, err
	}
	columns := castColumns(arguments["columns"], rows)

	sessionID, err := b.sessions.Ensure()
	if err != nil {
		return nil, err
	}

	caps := b.cfg.Limits.Caps()
	capped := core.CapTabular(rows, columns, caps.MaxRows, caps.MaxColumns)
	keptRows, _ := capped.Data.([]map[string]any)
	if len(columns) > caps.MaxColumns {
		columns = columns[:caps.MaxColumns]
	}

	cast := &db.TableCast{
		SessionID:    sessionID,
		Title:        title,
		OriginStepID: originStepID,
		SQL:          sqlText,
		Columns:      columns,
		Rows:         keptRows,
		RowsShown:    len(keptRows),
		TotalRows:    len(rows),
		Truncated:    capped.WasTruncated(),
	}
	if err := b.store.AddCast(cast); err != nil {
		return nil, err
	}

	return map[string]any{
		"cast_id":    cast.ID,
		"title":      title,
		"rows_shown": cast.RowsShown,
		"total_rows": cast.TotalRows,
		"truncated":  cast.Truncated,
	}, nil
}

func castRows(value any) ([]map[string]any, error) {
	items, ok := value.([]any)
	if !ok {
		if rows, ok := value.([]map[string]any); ok {
			return rows, nil
		}
		return nil, fmt.Errorf("cast_table rows must be a list of objects")
	}
	rows := make([]map[string]any, len(items))
	for i, item := range items {
		row, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("cast_table row %d is not an object", i)
		}
		rows[i] = row
	}
	return rows, nil
}

// castColumns takes the caller's column order when given, otherwise the
// first row's keys sorted for determinism.
func castColumns(value any, rows []map[string]any) []string {
	if items, ok := value.([]any); ok && len(items) > 0 {
		columns := make([]string, 0, len(items))
		for _, item := range items {
			if s, ok := item.(string); ok {
				columns = append(columns, s)
			}
		}
		if len(columns) > 0 {
			return columns
		}
	}
	if cols, ok := value.([]string); ok && len(cols) > 0 {
		return cols
	}
	if len(rows) == 0 {
		return nil
	}
	columns := make([]string, 0, len(rows[0]))
	for k := range rows[0] {
		columns = append(columns, k)
	}
	sort.Strings(columns)
	return columns
}
