package core

import (
	"testing"
)

func TestAnalyzeSQLReadOnly(t *testing.T) {
	cases := []string{
		"SELECT id FROM users LIMIT 10",
		"WITH top AS (SELECT id FROM users) SELECT id FROM top LIMIT 5",
		"EXPLAIN SELECT id FROM users",
		"SHOW TABLES",
		"DESCRIBE users",
		"PRAGMA table_info(users)",
	}
	for _, sql := range cases {
		result := AnalyzeSQL(sql)
		if result.Classification != ClassificationReadOnly {
			t.Errorf("AnalyzeSQL(%q).Classification = %s, want read_only", sql, result.Classification)
		}
		if result.RiskLevel != RiskLow {
			t.Errorf("AnalyzeSQL(%q).RiskLevel = %s, want LOW", sql, result.RiskLevel)
		}
		if !result.IsSafe() {
			t.Errorf("AnalyzeSQL(%q).IsSafe() = false, want true", sql)
		}
	}
}

func TestAnalyzeSQLDestructive(t *testing.T) {
	cases := map[string]Warning{
		"INSERT INTO users (id) VALUES (1)": WarningDML,
		"UPDATE users SET name = 'x'":       WarningDML,
		"DROP TABLE users":                  WarningDDL,
		"ALTER TABLE users ADD COLUMN x":    WarningDDL,
		"CREATE TABLE t (id INT)":           WarningDDL,
	}
	for sql, wantWarning := range cases {
		result := AnalyzeSQL(sql)
		if result.Classification != ClassificationDestructive {
			t.Errorf("AnalyzeSQL(%q).Classification = %s, want destructive", sql, result.Classification)
		}
		if result.RiskLevel != RiskCritical {
			t.Errorf("AnalyzeSQL(%q).RiskLevel = %s, want CRITICAL", sql, result.RiskLevel)
		}
		if !result.HasWarning(wantWarning) {
			t.Errorf("AnalyzeSQL(%q) missing warning %s (got %v)", sql, wantWarning, result.Warnings)
		}
	}
}

func TestAnalyzeSQLMultiStatement(t *testing.T) {
	result := AnalyzeSQL("SELECT 1; SELECT 2")
	if !result.IsMultiStatement {
		t.Fatal("expected multi-statement detection")
	}
	if result.RiskLevel != RiskCritical {
		t.Errorf("RiskLevel = %s, want CRITICAL", result.RiskLevel)
	}
	if result.Reason != "Multi-statement SQL detected" {
		t.Errorf("Reason = %q", result.Reason)
	}
	if !result.HasWarning(WarningMultiStatement) {
		t.Errorf("missing MULTI_STATEMENT warning: %v", result.Warnings)
	}
}

func TestAnalyzeSQLTrailingSemicolonIsSingleStatement(t *testing.T) {
	result := AnalyzeSQL("SELECT id FROM users LIMIT 10;")
	if result.IsMultiStatement {
		t.Fatal("one trailing semicolon must not count as multi-statement")
	}
	if !result.IsSafe() {
		t.Fatal("trailing-semicolon SELECT should stay safe")
	}
}

func TestAnalyzeSQLDeleteWithoutWhere(t *testing.T) {
	result := AnalyzeSQL("DELETE FROM users")
	if !result.HasWarning(WarningDeleteNoWhere) {
		t.Fatalf("missing DELETE_NO_WHERE warning: %v", result.Warnings)
	}
	if result.RiskLevel != RiskCritical {
		t.Errorf("RiskLevel = %s, want CRITICAL", result.RiskLevel)
	}
	if result.Reason != "DELETE without WHERE detected" {
		t.Errorf("Reason = %q", result.Reason)
	}

	filtered := AnalyzeSQL("DELETE FROM users WHERE id = 1")
	if filtered.HasWarning(WarningDeleteNoWhere) {
		t.Error("DELETE with WHERE must not warn DELETE_NO_WHERE")
	}
}

func TestAnalyzeSQLSelectStarWarning(t *testing.T) {
	result := AnalyzeSQL("SELECT * FROM users")
	if !result.HasWarning(WarningSelectStar) {
		t.Errorf("missing SELECT_STAR warning: %v", result.Warnings)
	}
	if !result.HasWarning(WarningNoLimit) {
		t.Errorf("missing NO_LIMIT warning: %v", result.Warnings)
	}

	// COUNT(*) is an aggregate, not a star projection.
	count := AnalyzeSQL("SELECT COUNT(*) FROM users")
	if count.HasWarning(WarningSelectStar) {
		t.Error("SELECT COUNT(*) must not warn SELECT_STAR")
	}
}

func TestAnalyzeSQLWhereSuppressesNoLimit(t *testing.T) {
	result := AnalyzeSQL("SELECT id FROM users WHERE active = 1")
	if result.HasWarning(WarningNoLimit) {
		t.Error("WHERE clause must suppress NO_LIMIT")
	}
}

func TestAnalyzeSQLUnknown(t *testing.T) {
	result := AnalyzeSQL("FLUSH PRIVILEGES")
	if result.Classification != ClassificationUnknown {
		t.Errorf("Classification = %s, want unknown", result.Classification)
	}
	if result.RiskLevel != RiskMedium {
		t.Errorf("RiskLevel = %s, want MEDIUM", result.RiskLevel)
	}
	if result.Reason != "Unable to classify SQL as safe" {
		t.Errorf("Reason = %q", result.Reason)
	}
}

func TestAnalyzeSQLEmpty(t *testing.T) {
	result := AnalyzeSQL("   ")
	if result.Classification != ClassificationUnknown {
		t.Errorf("Classification = %s, want unknown", result.Classification)
	}
	if result.Reason != "Empty SQL" {
		t.Errorf("Reason = %q", result.Reason)
	}
}

func TestAnalyzeSQLTables(t *testing.T) {
	result := AnalyzeSQL("SELECT u.id FROM users u JOIN orders o ON o.user_id = u.id LIMIT 5")
	want := map[string]bool{"users": true, "orders": true}
	for _, table := range result.Tables {
		if !want[table] {
			t.Errorf("unexpected table %q in %v", table, result.Tables)
		}
		delete(want, table)
	}
	if len(want) != 0 {
		t.Errorf("missing tables %v from %v", want, result.Tables)
	}
}

func TestShouldBlockSQL(t *testing.T) {
	policy := DefaultPolicy()

	cases := []struct {
		sql        string
		wantBlock  bool
		wantReason string
	}{
		{"SELECT id FROM users LIMIT 10", false, ""},
		{"SELECT 1; DROP TABLE users", true, "Multi-statement SQL detected"},
		{"DELETE FROM users", true, "DELETE without WHERE detected"},
		{"DROP TABLE users", true, "DDL statements are blocked in protective mode"},
		{"UPDATE users SET x = 1 WHERE id = 1", true, "DML statements are blocked in protective mode"},
		{"TRUNCATE TABLE users", true, "Destructive SQL operation detected"},
		{"GRANT ALL ON users TO bob", true, "Destructive SQL operation detected"},
	}
	for _, tc := range cases {
		block, reason := ShouldBlockSQL(tc.sql, policy)
		if block != tc.wantBlock {
			t.Errorf("ShouldBlockSQL(%q) block = %v, want %v", tc.sql, block, tc.wantBlock)
		}
		if reason != tc.wantReason {
			t.Errorf("ShouldBlockSQL(%q) reason = %q, want %q", tc.sql, reason, tc.wantReason)
		}
	}
}

func TestShouldBlockSQLTransparent(t *testing.T) {
	policy := DefaultPolicy()
	policy.ProtectiveMode = false

	if block, _ := ShouldBlockSQL("DROP TABLE users", policy); block {
		t.Fatal("nothing blocks when protective mode is off")
	}
}

func TestShouldBlockSQLToggles(t *testing.T) {
	policy := DefaultPolicy()
	policy.BlockDDL = false

	// The destructive fallback only covers statements no toggle maps to,
	// so disabling block_ddl genuinely allows DDL through.
	if block, _ := ShouldBlockSQL("DROP TABLE users", policy); block {
		t.Fatal("DROP must pass with block_ddl off")
	}

	policy.BlockDML = false
	if block, _ := ShouldBlockSQL("UPDATE users SET x = 1 WHERE id = 1", policy); block {
		t.Fatal("UPDATE must pass with block_dml off")
	}

	// TRUNCATE maps to no toggle and stays blocked regardless.
	if block, _ := ShouldBlockSQL("TRUNCATE TABLE users", policy); !block {
		t.Fatal("TRUNCATE must block under the destructive fallback")
	}
}

func TestPolicyRuleIDs(t *testing.T) {
	policy := DefaultPolicy()

	result := AnalyzeSQL("DELETE FROM users")
	ids := PolicyRuleIDs(result, policy)
	wantFirst := "block_delete_without_where"
	found := false
	for _, id := range ids {
		if id == wantFirst {
			found = true
		}
	}
	if !found {
		t.Errorf("PolicyRuleIDs = %v, want %s present", ids, wantFirst)
	}

	truncate := AnalyzeSQL("TRUNCATE TABLE users")
	ids = PolicyRuleIDs(truncate, policy)
	if len(ids) != 1 || ids[0] != "block_destructive" {
		t.Errorf("PolicyRuleIDs(TRUNCATE) = %v, want [block_destructive]", ids)
	}
}
