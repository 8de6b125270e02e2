package adapter

import "strings"

// Evidence argument-key preferences shared by the engine adapters.
var (
	paramArgKeys  = []string{"params", "parameters", "args", "values"}
	schemaArgKeys = []string{"schema", "schema_name", "schemaName"}
)

// engineAdapter is a Base with engine-flavored evidence: parameterized
// query values, schema namespaces, and what a list tool is listing.
type engineAdapter struct {
	Base
}

func (e *engineAdapter) ExtractEvidence(toolName string, arguments map[string]any, result any) map[string]any {
	evidence := e.Base.ExtractEvidence(toolName, arguments, result)

	switch e.CategorizeTool(toolName) {
	case CategoryQuery:
		for _, key := range paramArgKeys {
			if v, ok := arguments[key]; ok {
				evidence["params"] = v
				break
			}
		}
	case CategorySchema:
		if _, ok := evidence["table"]; !ok {
			if v, ok := arguments["name"]; ok {
				evidence["table"] = v
			}
		}
		for _, key := range schemaArgKeys {
			if v, ok := arguments[key]; ok {
				evidence["schema_name"] = v
				break
			}
		}
	case CategoryList:
		lower := strings.ToLower(toolName)
		switch {
		case strings.Contains(lower, "database"):
			evidence["list_type"] = "databases"
		case strings.Contains(lower, "schema"):
			evidence["list_type"] = "schemas"
		default:
			evidence["list_type"] = "tables"
		}
	}

	return evidence
}

func (e *engineAdapter) Normalize(toolName string, arguments map[string]any, result any, isError bool, errorMessage string) NormalizedStep {
	step := e.Base.Normalize(toolName, arguments, result, isError, errorMessage)
	step.Evidence = e.ExtractEvidence(toolName, arguments, result)
	return step
}

// Postgres returns the adapter for Postgres tool servers.
func Postgres() Adapter {
	return &engineAdapter{Base{
		Target: "postgres",
		Categories: map[string]Category{
			"query":          CategoryQuery,
			"execute":        CategoryQuery,
			"run_query":      CategoryQuery,
			"pg_query":       CategoryQuery,
			"postgres_query": CategoryQuery,
			"read_query":     CategoryQuery,
			"write_query":    CategoryQuery,
			"describe":       CategorySchema,
			"describe_table": CategorySchema,
			"get_schema":     CategorySchema,
			"table_schema":   CategorySchema,
			"pg_describe":    CategorySchema,
			"get_table_info": CategorySchema,
			"list_tables":    CategoryList,
			"show_tables":    CategoryList,
			"tables":         CategoryList,
			"list_schemas":   CategoryList,
			"schemas":        CategoryList,
			"list_databases": CategoryList,
			"databases":      CategoryList,
		},
		Aliases: map[string]string{
			"exec":    "execute",
			"sql":     "query",
			"run":     "execute",
			"desc":    "describe",
			"schema":  "describe_table",
			"pg_exec": "execute",
		},
	}}
}

// DuckDB returns the adapter for DuckDB tool servers.
func DuckDB() Adapter {
	return &engineAdapter{Base{
		Target: "duckdb",
		Categories: map[string]Category{
			"query":           CategoryQuery,
			"execute":         CategoryQuery,
			"run_query":       CategoryQuery,
			"duckdb_query":    CategoryQuery,
			"read_query":      CategoryQuery,
			"describe":        CategorySchema,
			"describe_table":  CategorySchema,
			"get_schema":      CategorySchema,
			"table_schema":    CategorySchema,
			"duckdb_describe": CategorySchema,
			"list_tables":     CategoryList,
			"show_tables":     CategoryList,
			"tables":          CategoryList,
			"list_databases":  CategoryList,
			"databases":       CategoryList,
		},
		Aliases: map[string]string{
			"exec":   "execute",
			"sql":    "query",
			"run":    "execute",
			"desc":   "describe",
			"schema": "describe_table",
		},
	}}
}

// Snowflake returns the adapter for Snowflake tool servers.
func Snowflake() Adapter {
	return &engineAdapter{Base{
		Target: "snowflake",
		Categories: map[string]Category{
			"query":           CategoryQuery,
			"execute":         CategoryQuery,
			"run_query":       CategoryQuery,
			"snowflake_query": CategoryQuery,
			"read_query":      CategoryQuery,
			"write_query":     CategoryQuery,
			"describe":        CategorySchema,
			"describe_table":  CategorySchema,
			"get_schema":      CategorySchema,
			"table_schema":    CategorySchema,
			"list_tables":     CategoryList,
			"show_tables":     CategoryList,
			"tables":          CategoryList,
			"list_schemas":    CategoryList,
			"schemas":         CategoryList,
			"list_databases":  CategoryList,
			"databases":       CategoryList,
			"list_warehouses": CategoryList,
			"warehouses":      CategoryList,
		},
		Aliases: map[string]string{
			"sql":  "query",
			"exec": "execute",
			"run":  "execute",
			"desc": "describe",
		},
	}}
}

// BigQuery returns the adapter for BigQuery tool servers.
func BigQuery() Adapter {
	return &engineAdapter{Base{
		Target: "bigquery",
		Categories: map[string]Category{
			"execute_sql":      CategoryQuery,
			"get_table_info":   CategorySchema,
			"list_table_ids":   CategoryList,
			"get_dataset_info": CategorySchema,
			"list_dataset_ids": CategoryList,
			"query":            CategoryQuery,
			"execute":          CategoryQuery,
			"run_query":        CategoryQuery,
			"bq_query":         CategoryQuery,
			"bigquery_query":   CategoryQuery,
			"jobs_query":       CategoryQuery,
			"describe_table":   CategorySchema,
			"get_schema":       CategorySchema,
			"table_schema":     CategorySchema,
			"list_tables":      CategoryList,
			"tables":           CategoryList,
			"list_datasets":    CategoryList,
			"datasets":         CategoryList,
			"list_projects":    CategoryList,
			"projects":         CategoryList,
		},
		Aliases: map[string]string{
			"sql":  "execute_sql",
			"exec": "execute_sql",
			"run":  "execute_sql",
		},
	}}
}

// Databricks returns the adapter for Databricks SQL tool servers.
func Databricks() Adapter {
	return &engineAdapter{Base{
		Target: "databricks",
		Categories: map[string]Category{
			"query":            CategoryQuery,
			"execute":          CategoryQuery,
			"run_query":        CategoryQuery,
			"databricks_query": CategoryQuery,
			"statement":        CategoryQuery,
			"describe_table":   CategorySchema,
			"get_schema":       CategorySchema,
			"table_schema":     CategorySchema,
			"list_tables":      CategoryList,
			"tables":           CategoryList,
			"list_schemas":     CategoryList,
			"schemas":          CategoryList,
			"list_catalogs":    CategoryList,
			"catalogs":         CategoryList,
		},
		Aliases: map[string]string{
			"sql":  "query",
			"exec": "execute",
			"run":  "execute",
			"desc": "describe_table",
		},
	}}
}

func init() {
	Register("postgres", Postgres())
	Register("duckdb", DuckDB())
	Register("snowflake", Snowflake())
	Register("bigquery", BigQuery())
	Register("databricks", Databricks())
}
