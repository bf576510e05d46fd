package marketdata

import "github.com/quantfabric/etl-core/internal/collector"

func init() {
	collector.Register("marketdata.quotes", New)
}
