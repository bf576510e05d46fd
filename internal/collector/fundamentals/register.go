package fundamentals

import "github.com/quantfabric/etl-core/internal/collector"

func init() {
	collector.Register("fundamentals.statements", New)
}
