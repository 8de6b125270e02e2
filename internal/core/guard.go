// Package core implements SQL risk classification, response caps, and the
// tool allowlist used by the proxy's guard pipeline.
package core

import (
	"regexp"
	"strings"
)

// Classification is the safety verdict for a SQL statement.
type Classification string

const (
	ClassificationReadOnly    Classification = "read_only"
	ClassificationDestructive Classification = "destructive"
	ClassificationUnknown     Classification = "unknown"
)

// RiskLevel grades a statement for protective mode.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskCritical RiskLevel = "CRITICAL"
)

// Warning is a discrete finding attached to a classified statement.
type Warning string

const (
	WarningNoLimit          Warning = "NO_LIMIT"
	WarningSelectStar       Warning = "SELECT_STAR"
	WarningMultiStatement   Warning = "MULTI_STATEMENT"
	WarningDDL              Warning = "DDL"
	WarningDML              Warning = "DML"
	WarningDeleteNoWhere    Warning = "DELETE_NO_WHERE"
	WarningApproachedRowCap Warning = "APPROACHED_ROW_CAP"
)

// GuardResult is the outcome of analyzing one SQL string.
type GuardResult struct {
	Classification   Classification `json:"classification"`
	IsMultiStatement bool           `json:"is_multi_statement"`
	RiskLevel        RiskLevel      `json:"risk_level"`
	Warnings         []Warning      `json:"warnings"`
	Reason           string         `json:"reason,omitempty"`
	Tables           []string       `json:"tables,omitempty"`
}

// IsSafe reports whether the statement is acceptable for protective mode
// without an approval round-trip.
func (r GuardResult) IsSafe() bool {
	return r.Classification == ClassificationReadOnly && !r.IsMultiStatement
}

// HasWarning reports whether w is among the result's warnings.
func (r GuardResult) HasWarning(w Warning) bool {
	for _, have := range r.Warnings {
		if have == w {
			return true
		}
	}
	return false
}

// WarningStrings returns the warnings as plain strings for storage.
func (r GuardResult) WarningStrings() []string {
	out := make([]string, len(r.Warnings))
	for i, w := range r.Warnings {
		out[i] = string(w)
	}
	return out
}

// Keyword heuristics, compiled once. Conservative by intent: false positives
// are acceptable, false negatives on destructive statements are not.
var (
	destructiveRe = regexp.MustCompile(`(?i)\b(INSERT|UPDATE|DELETE|MERGE|UPSERT|REPLACE|TRUNCATE|DROP|CREATE|ALTER|GRANT|REVOKE|COPY|LOAD|VACUUM|REINDEX|CLUSTER|REFRESH|CALL|EXEC|EXECUTE)\b`)
	selectRe      = regexp.MustCompile(`(?i)\bSELECT\b`)
	selectStarRe  = regexp.MustCompile(`(?i)\bSELECT\s+\*`)
	whereRe       = regexp.MustCompile(`(?i)\bWHERE\b`)
	limitRe       = regexp.MustCompile(`(?i)\bLIMIT\b`)
	deleteRe      = regexp.MustCompile(`(?i)\bDELETE\b`)
	ddlRe         = regexp.MustCompile(`(?i)\b(CREATE|ALTER|DROP)\b`)
	dmlRe         = regexp.MustCompile(`(?i)\b(INSERT|UPDATE|DELETE)\b`)
	tableRefRe    = regexp.MustCompile(`(?i)\b(?:FROM|JOIN|INTO|UPDATE|TABLE)\s+([A-Za-z_][A-Za-z0-9_.$]*)`)
)

var readOnlyPrefixes = []string{"SELECT", "WITH", "EXPLAIN", "SHOW", "DESCRIBE", "PRAGMA"}

// Words following FROM/JOIN that are syntax, not table names.
var nonTableWords = map[string]bool{
	"select": true, "where": true, "values": true, "dual": true,
}

// detectMultiStatement strips one trailing semicolon (plus whitespace) and
// reports whether a semicolon remains. Semicolons inside string literals are
// a known false positive.
func detectMultiStatement(sql string) bool {
	stripped := strings.TrimRight(sql, " \t\r\n")
	stripped = strings.TrimSuffix(stripped, ";")
	stripped = strings.TrimRight(stripped, " \t\r\n")
	return strings.Contains(stripped, ";")
}

func classifySQL(sql string) Classification {
	if destructiveRe.MatchString(sql) {
		return ClassificationDestructive
	}
	upper := strings.ToUpper(strings.TrimSpace(sql))
	for _, kw := range readOnlyPrefixes {
		if strings.HasPrefix(upper, kw) {
			return ClassificationReadOnly
		}
	}
	return ClassificationUnknown
}

// detectDeleteWithoutWhere flags DELETE statements lacking a WHERE anywhere.
func detectDeleteWithoutWhere(sql string) bool {
	if !deleteRe.MatchString(sql) {
		return false
	}
	return !whereRe.MatchString(sql)
}

// detectNoLimit warns only for SELECT statements. A WHERE clause suppresses
// the warning: filtered exploration queries are treated as already bounded,
// even when the filter is vacuous (WHERE 1=1). Intentional tradeoff.
func detectNoLimit(sql string) bool {
	if !selectRe.MatchString(sql) {
		return false
	}
	if whereRe.MatchString(sql) {
		return false
	}
	return !limitRe.MatchString(sql)
}

// extractTables pulls best-effort table names for audit linkage. Not used
// for any blocking decision.
func extractTables(sql string) []string {
	matches := tableRefRe.FindAllStringSubmatch(sql, -1)
	if len(matches) == 0 {
		return nil
	}
	var tables []string
	seen := make(map[string]bool)
	for _, m := range matches {
		name := strings.Trim(m[1], `"`)
		lower := strings.ToLower(name)
		if nonTableWords[lower] || seen[lower] {
			continue
		}
		seen[lower] = true
		tables = append(tables, name)
	}
	return tables
}

// AnalyzeSQL classifies a SQL statement and collects warnings. Pure function:
// no target connection, no parsing beyond keyword heuristics.
func AnalyzeSQL(sql string) GuardResult {
	if strings.TrimSpace(sql) == "" {
		return GuardResult{
			Classification: ClassificationUnknown,
			RiskLevel:      RiskMedium,
			Reason:         "Empty SQL",
		}
	}

	isMulti := detectMultiStatement(sql)
	classification := classifySQL(sql)
	deleteNoWhere := detectDeleteWithoutWhere(sql)

	var warnings []Warning
	if isMulti {
		warnings = append(warnings, WarningMultiStatement)
	}
	if selectStarRe.MatchString(sql) {
		warnings = append(warnings, WarningSelectStar)
	}
	if detectNoLimit(sql) {
		warnings = append(warnings, WarningNoLimit)
	}
	if deleteNoWhere {
		warnings = append(warnings, WarningDeleteNoWhere)
	}
	if ddlRe.MatchString(sql) {
		warnings = append(warnings, WarningDDL)
	}
	if dmlRe.MatchString(sql) {
		warnings = append(warnings, WarningDML)
	}

	var reason string
	switch {
	case isMulti:
		reason = "Multi-statement SQL detected"
	case deleteNoWhere:
		reason = "DELETE without WHERE detected"
	case classification == ClassificationDestructive:
		reason = "Destructive SQL operation detected"
	case classification == ClassificationUnknown:
		reason = "Unable to classify SQL as safe"
	}

	var risk RiskLevel
	switch {
	case isMulti || deleteNoWhere || classification == ClassificationDestructive:
		risk = RiskCritical
	case classification == ClassificationUnknown:
		risk = RiskMedium
	default:
		risk = RiskLow
	}

	return GuardResult{
		Classification:   classification,
		IsMultiStatement: isMulti,
		RiskLevel:        risk,
		Warnings:         warnings,
		Reason:           reason,
		Tables:           extractTables(sql),
	}
}

// PolicyToggles selects which guard findings block in protective mode.
type PolicyToggles struct {
	ProtectiveMode          bool `json:"protective_mode" mapstructure:"protective_mode"`
	BlockDDL                bool `json:"block_ddl" mapstructure:"block_ddl"`
	BlockDML                bool `json:"block_dml" mapstructure:"block_dml"`
	BlockMultiStatement     bool `json:"block_multi_statement" mapstructure:"block_multi_statement"`
	BlockDeleteWithoutWhere bool `json:"block_delete_without_where" mapstructure:"block_delete_without_where"`
}

// DefaultPolicy returns the protective-by-default toggle set.
func DefaultPolicy() PolicyToggles {
	return PolicyToggles{
		ProtectiveMode:          true,
		BlockDDL:                true,
		BlockDML:                true,
		BlockMultiStatement:     true,
		BlockDeleteWithoutWhere: true,
	}
}

// ShouldBlockSQL decides whether a statement must await approval under the
// given policy. Returns the block decision and the reason shown to the
// operator. Destructive statements block even when no specific toggle maps
// to them (TRUNCATE, GRANT, ...).
func ShouldBlockSQL(sql string, policy PolicyToggles) (bool, string) {
	if !policy.ProtectiveMode {
		return false, ""
	}

	result := AnalyzeSQL(sql)

	if result.IsMultiStatement && policy.BlockMultiStatement {
		return true, result.Reason
	}
	if result.HasWarning(WarningDeleteNoWhere) && policy.BlockDeleteWithoutWhere {
		return true, result.Reason
	}
	if result.HasWarning(WarningDDL) && policy.BlockDDL {
		return true, "DDL statements are blocked in protective mode"
	}
	if result.HasWarning(WarningDML) && policy.BlockDML {
		return true, "DML statements are blocked in protective mode"
	}
	if result.Classification == ClassificationDestructive &&
		!result.HasWarning(WarningDDL) && !result.HasWarning(WarningDML) {
		return true, result.Reason
	}

	return false, ""
}

// PolicyRuleIDs maps the guard findings that fired to stable rule
// identifiers recorded on pending requests and blocker steps.
func PolicyRuleIDs(result GuardResult, policy PolicyToggles) []string {
	var ids []string
	if result.IsMultiStatement && policy.BlockMultiStatement {
		ids = append(ids, "block_multi_statement")
	}
	if result.HasWarning(WarningDeleteNoWhere) && policy.BlockDeleteWithoutWhere {
		ids = append(ids, "block_delete_without_where")
	}
	if result.HasWarning(WarningDDL) && policy.BlockDDL {
		ids = append(ids, "block_ddl")
	}
	if result.HasWarning(WarningDML) && policy.BlockDML {
		ids = append(ids, "block_dml")
	}
	if len(ids) == 0 {
		ids = append(ids, "block_destructive")
	}
	return ids
}
