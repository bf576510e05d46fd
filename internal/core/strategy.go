package core

import "fmt"

// LoadingStrategy determines how a transformed record set reconciles against
// existing persisted state.
type LoadingStrategy string

const (
	// StrategyInsertOnly fails per record on key collision; never overwrites.
	StrategyInsertOnly LoadingStrategy = "insert_only"
	// StrategyUpdateOnly updates existing keys and silently skips new ones.
	StrategyUpdateOnly LoadingStrategy = "update_only"
	// StrategyUpsert inserts or updates by key, last writer wins.
	StrategyUpsert LoadingStrategy = "upsert"
	// StrategyReplace atomically swaps the whole target dataset for a scope.
	StrategyReplace LoadingStrategy = "replace"
	// StrategyAppend always inserts new rows regardless of key collisions.
	StrategyAppend LoadingStrategy = "append"
	// StrategyIncremental persists only records that changed since the last
	// stored DataVersion for the scope.
	StrategyIncremental LoadingStrategy = "incremental"
)

// ParseStrategy validates a strategy name.
func ParseStrategy(s string) (LoadingStrategy, error) {
	switch LoadingStrategy(s) {
	case StrategyInsertOnly, StrategyUpdateOnly, StrategyUpsert,
		StrategyReplace, StrategyAppend, StrategyIncremental:
		return LoadingStrategy(s), nil
	}
	return "", fmt.Errorf("unknown loading strategy: %q", s)
}
