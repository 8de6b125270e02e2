package core

import (
	"sort"
	"strings"
	"unicode/utf8"
)

// CapsConfig holds the hard preview limits. Supplied once per proxy instance
// and consulted on every response, in protective and transparent mode alike.
type CapsConfig struct {
	MaxRows    int `json:"max_rows" mapstructure:"max_rows"`
	MaxColumns int `json:"max_columns" mapstructure:"max_columns"`
	MaxBytes   int `json:"max_bytes" mapstructure:"max_bytes"`
}

// DefaultCaps returns the default preview limits.
func DefaultCaps() CapsConfig {
	return CapsConfig{
		MaxRows:    200,
		MaxColumns: 80,
		MaxBytes:   512 * 1024,
	}
}

// CappedResult carries a capped payload and what was cut to produce it.
// The three flags are independent.
type CappedResult struct {
	Data             any  `json:"data"`
	RowsTruncated    bool `json:"rows_truncated"`
	ColumnsTruncated bool `json:"columns_truncated"`
	BytesTruncated   bool `json:"bytes_truncated"`
}

// WasTruncated reports whether any cap applied.
func (r CappedResult) WasTruncated() bool {
	return r.RowsTruncated || r.ColumnsTruncated || r.BytesTruncated
}

// TruncationSummary returns a short human-readable note of what was cut, or
// "" when nothing was.
func (r CappedResult) TruncationSummary() string {
	if !r.WasTruncated() {
		return ""
	}
	var parts []string
	if r.RowsTruncated {
		parts = append(parts, "rows")
	}
	if r.ColumnsTruncated {
		parts = append(parts, "columns")
	}
	if r.BytesTruncated {
		parts = append(parts, "bytes")
	}
	return "Truncated: " + strings.Join(parts, ", ")
}

// CapText truncates text to at most maxBytes bytes of valid UTF-8. A
// multi-byte rune straddling the boundary is dropped rather than emitted
// partially. Returns the capped text and whether truncation occurred.
func CapText(text string, maxBytes int) (string, bool) {
	if maxBytes <= 0 {
		return "", text != ""
	}
	if len(text) <= maxBytes {
		return text, false
	}
	cut := text[:maxBytes]
	// Back off over the trailing bytes of a split rune.
	for len(cut) > 0 && !utf8.RuneStart(cut[len(cut)-1]) {
		cut = cut[:len(cut)-1]
	}
	if len(cut) > 0 {
		if r, _ := utf8.DecodeLastRuneInString(cut); r == utf8.RuneError {
			cut = cut[:len(cut)-1]
		}
	}
	return cut, true
}

// CapTabular truncates a list of row maps: rows first, then the column set
// of every kept row to the first maxColumns column names of the first row.
// Column order comes from the caller-supplied columns slice; rows are
// assumed schema-uniform.
func CapTabular(rows []map[string]any, columns []string, maxRows, maxColumns int) CappedResult {
	if len(rows) == 0 {
		return CappedResult{Data: []map[string]any{}}
	}

	rowsTruncated := len(rows) > maxRows
	capped := rows
	if rowsTruncated {
		capped = rows[:maxRows]
	}

	columnsTruncated := len(columns) > maxColumns
	if columnsTruncated {
		kept := make(map[string]bool, maxColumns)
		for _, c := range columns[:maxColumns] {
			kept[c] = true
		}
		filtered := make([]map[string]any, len(capped))
		for i, row := range capped {
			nr := make(map[string]any, maxColumns)
			for k, v := range row {
				if kept[k] {
					nr[k] = v
				}
			}
			filtered[i] = nr
		}
		capped = filtered
	}

	return CappedResult{
		Data:             capped,
		RowsTruncated:    rowsTruncated,
		ColumnsTruncated: columnsTruncated,
	}
}

// CapPreview caps data by shape: strings by bytes, row lists by rows and
// columns, anything else passes through untouched.
func CapPreview(data any, cfg CapsConfig) CappedResult {
	switch v := data.(type) {
	case string:
		capped, truncated := CapText(v, cfg.MaxBytes)
		return CappedResult{Data: capped, BytesTruncated: truncated}
	case []map[string]any:
		return CapTabular(v, firstRowColumns(v), cfg.MaxRows, cfg.MaxColumns)
	case []any:
		rows, ok := asRowMaps(v)
		if !ok {
			return CappedResult{Data: data}
		}
		return CapTabular(rows, firstRowColumns(rows), cfg.MaxRows, cfg.MaxColumns)
	default:
		return CappedResult{Data: data}
	}
}

// firstRowColumns derives a deterministic column order from the first row.
// Map iteration order is randomized, so the keys are sorted bytewise; callers
// with a real column order pass it to CapTabular directly.
func firstRowColumns(rows []map[string]any) []string {
	if len(rows) == 0 {
		return nil
	}
	cols := make([]string, 0, len(rows[0]))
	for k := range rows[0] {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols
}

func asRowMaps(items []any) ([]map[string]any, bool) {
	if len(items) == 0 {
		return nil, false
	}
	rows := make([]map[string]any, len(items))
	for i, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, false
		}
		rows[i] = m
	}
	return rows, true
}
