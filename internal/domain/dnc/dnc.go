// Package dnc holds the Do-Not-Call registry domain: suppression entries
// imported from national, state and tenant lists, permanent internal
// opt-outs, the upload ledger, and the status answer returned by lookups.
package dnc

import "time"

const (
	// DefaultRetention is the federal retention ceiling for registry data.
	DefaultRetention = 31 * 24 * time.Hour

	// MaxStoredBatchErrors bounds the row errors persisted on an upload batch.
	MaxStoredBatchErrors = 100

	// MaxReportedBatchErrors is how many row errors an upload response surfaces.
	MaxReportedBatchErrors = 10
)

// GlobalScope is the tenant scope of shared lists visible to every tenant.
const GlobalScope = ""
