// Package adapter normalizes target tool calls into a common shape the
// proxy can classify and record. One adapter per target type; the registry
// falls back to a generic adapter for unknown targets.
package adapter

import (
	"encoding/json"
	"fmt"

	"github.com/josephwibowo/mantora/internal/core"
)

// Category aliases the core step category so adapters satisfy the
// allowlist's inspector contract directly.
type Category = core.Category

const (
	CategoryQuery   = core.CategoryQuery
	CategorySchema  = core.CategorySchema
	CategoryList    = core.CategoryList
	CategoryCast    = core.CategoryCast
	CategorySession = core.CategorySession
	CategoryUnknown = core.CategoryUnknown
)

// DefaultPreviewCapBytes bounds adapter-built previews.
const DefaultPreviewCapBytes = 8 * 1024

// NormalizedStep is an adapter's output, ready to be stored as an observed
// step.
type NormalizedStep struct {
	Category         Category       `json:"category"`
	ToolName         string         `json:"tool_name"`
	Status           string         `json:"status"`
	Evidence         map[string]any `json:"evidence"`
	PreviewText      string         `json:"preview_text"`
	PreviewTruncated bool           `json:"preview_truncated"`
	ErrorMessage     string         `json:"error_message,omitempty"`
}

// Adapter normalizes tool calls and results from a specific target server.
type Adapter interface {
	// TargetType returns the target this adapter handles (e.g. "duckdb").
	TargetType() string

	// CategorizeTool categorizes a tool by name, resolving aliases.
	CategorizeTool(toolName string) Category

	// ExtractEvidence pulls normalized evidence fields (sql, table, ...)
	// from a call's arguments. The sql key is set when extractable.
	ExtractEvidence(toolName string, arguments map[string]any, result any) map[string]any

	// BuildPreview renders a byte-capped text preview of a result.
	BuildPreview(toolName string, result any, maxBytes int) (string, bool)

	// Normalize combines categorization, evidence, and preview into one step.
	Normalize(toolName string, arguments map[string]any, result any, isError bool, errorMessage string) NormalizedStep
}

// Evidence argument-key preference orders, shared by all adapters.
var (
	sqlArgKeys   = []string{"sql", "query", "statement", "command"}
	tableArgKeys = []string{"table", "table_name", "tableName"}
)

// ExtractSQL returns the SQL string an adapter would extract from the
// arguments, or "" when none is present. Callers that only need the SQL
// (the guard pipeline) use this instead of full evidence extraction.
func ExtractSQL(arguments map[string]any) string {
	for _, key := range sqlArgKeys {
		if v, ok := arguments[key]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return ""
}

// Base carries the common adapter logic. Target-specific adapters embed it
// and supply their category and alias tables.
type Base struct {
	Target     string
	Categories map[string]Category
	Aliases    map[string]string
}

func (b *Base) TargetType() string { return b.Target }

func (b *Base) resolveToolName(toolName string) string {
	if canonical, ok := b.Aliases[toolName]; ok {
		return canonical
	}
	return toolName
}

func (b *Base) CategorizeTool(toolName string) Category {
	if cat, ok := b.Categories[b.resolveToolName(toolName)]; ok {
		return cat
	}
	return CategoryUnknown
}

func (b *Base) ExtractEvidence(toolName string, arguments map[string]any, result any) map[string]any {
	evidence := make(map[string]any)
	if sql := ExtractSQL(arguments); sql != "" {
		evidence["sql"] = sql
	}
	for _, key := range tableArgKeys {
		if v, ok := arguments[key]; ok {
			evidence["table"] = v
			break
		}
	}
	return evidence
}

func (b *Base) BuildPreview(toolName string, result any, maxBytes int) (string, bool) {
	if result == nil {
		return "", false
	}
	switch v := result.(type) {
	case string:
		return core.CapText(v, maxBytes)
	case map[string]any, []any, []map[string]any:
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return core.CapText(fmt.Sprintf("%v", v), maxBytes)
		}
		return core.CapText(string(data), maxBytes)
	default:
		return core.CapText(fmt.Sprintf("%v", v), maxBytes)
	}
}

func (b *Base) Normalize(toolName string, arguments map[string]any, result any, isError bool, errorMessage string) NormalizedStep {
	status := "ok"
	if isError {
		status = "error"
	} else {
		errorMessage = ""
	}
	preview, truncated := b.BuildPreview(toolName, result, DefaultPreviewCapBytes)
	return NormalizedStep{
		Category:         b.CategorizeTool(toolName),
		ToolName:         toolName,
		Status:           status,
		Evidence:         b.ExtractEvidence(toolName, arguments, result),
		PreviewText:      preview,
		PreviewTruncated: truncated,
		ErrorMessage:     errorMessage,
	}
}
