package core

// Category is the stable interaction category an adapter assigns to a tool.
type Category string

const (
	CategoryQuery   Category = "query"
	CategorySchema  Category = "schema"
	CategoryList    Category = "list"
	CategoryCast    Category = "cast"
	CategorySession Category = "session"
	CategoryUnknown Category = "unknown"
)

// Proxy-owned lifecycle and artifact tools, always safe: they are handled
// locally and never reach the target.
var safeProxyTools = map[string]bool{
	"session_start":   true,
	"session_end":     true,
	"session_current": true,
	"cast_table":      true,
}

// ToolInspector is the slice of the adapter contract the allowlist needs.
type ToolInspector interface {
	CategorizeTool(toolName string) Category
	ExtractEvidence(toolName string, arguments map[string]any, result any) map[string]any
}

// IsKnownSafeTool decides whether a tool call may proceed without deep
// inspection. Rules, in order: the proxy's own lifecycle/cast tools are
// always safe; schema-inspection and listing tools are safe; query-shaped
// calls are safe here because their SQL is classified downstream. Anything
// else is an unknown tool and not known-safe.
func IsKnownSafeTool(toolName string, inspector ToolInspector, arguments map[string]any) bool {
	if safeProxyTools[toolName] {
		return true
	}

	switch inspector.CategorizeTool(toolName) {
	case CategorySchema, CategoryList:
		return true
	}

	evidence := inspector.ExtractEvidence(toolName, arguments, nil)
	if sql, ok := evidence["sql"].(string); ok && sql != "" {
		return true
	}

	return false
}

// IsProxyTool reports whether the tool is one of the proxy's own local tools.
func IsProxyTool(toolName string) bool {
	return safeProxyTools[toolName]
}
