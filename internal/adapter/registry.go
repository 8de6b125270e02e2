package adapter

import (
	"sort"
	"strings"
	"sync"
)

// Generic is the fallback adapter for unknown target types. Per-target
// adapters for specific engines register themselves on top of it.
func Generic() Adapter {
	return &Base{
		Target: "generic",
		Categories: map[string]Category{
			"query":    CategoryQuery,
			"execute":  CategoryQuery,
			"run":      CategoryQuery,
			"describe": CategorySchema,
			"schema":   CategorySchema,
			"list":     CategoryList,
			"tables":   CategoryList,
		},
	}
}

// Target-type aliases resolved before registry lookup.
var targetAliases = map[string]string{
	"postgresql":     "postgres",
	"pg":             "postgres",
	"sf":             "snowflake",
	"bq":             "bigquery",
	"databricks_sql": "databricks",
}

var (
	registryMu sync.RWMutex
	registry   = map[string]Adapter{
		"generic": Generic(),
	}
)

func normalizeTargetType(targetType string) string {
	normalized := strings.ToLower(strings.TrimSpace(targetType))
	if canonical, ok := targetAliases[normalized]; ok {
		return canonical
	}
	return normalized
}

// Get returns the adapter registered for targetType, falling back to the
// generic adapter when the type is unknown. Adapters are stateless and
// shared.
func Get(targetType string) Adapter {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if a, ok := registry[normalizeTargetType(targetType)]; ok {
		return a
	}
	return registry["generic"]
}

// Register installs an adapter for a target type, replacing any previous
// registration.
func Register(targetType string, a Adapter) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[normalizeTargetType(targetType)] = a
}

// List returns the registered target types, sorted.
func List() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	types := make([]string, 0, len(registry))
	for t := range registry {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
