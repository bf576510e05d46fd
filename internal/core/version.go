package core

import "time"

// DataVersion is a content-addressed snapshot of a persisted record set.
// Two versions with equal ID refer to byte-identical canonical content.
type DataVersion struct {
	ID          string            `json:"id"`
	CreatedAt   time.Time         `json:"createdAt"`
	RecordCount int               `json:"recordCount"`
	SourceTag   string            `json:"sourceTag,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Scope is the unit of atomic replacement and versioning for a load, e.g.
// one dataset for one date partition.
type Scope struct {
	Dataset   string `json:"dataset"`
	Partition string `json:"partition"` // ISO date, e.g. "2026-08-30"
}

// Key returns the scope's storage key.
func (s Scope) Key() string {
	return s.Dataset + "/" + s.Partition
}
