// Package budget is the monthly AI spend ledger.
//
// Each successful AI call is priced with a per-provider [Pricing] table
// and added to the usage record keyed by ([Month], provider) with an
// atomic upsert. The [State] of a month is always derived from those
// records. Rollover is implicit: a new month has no record and starts at
// zero, while earlier months stay readable for reconciliation.
package budget
