// Package handlers holds the two budget- and resource-sensitive job types.
//
// [Tagging] (ai.tag) consults the fingerprint cache, then asks the
// admission controller before every provider call. In the QUEUE band the
// job is deferred to the first instant of next month; in HARD_STOP the
// content is tagged by [Keywords] and marked untagged_fallback so the
// degradation is visible.
//
// [Screenshot] (screenshot.capture) takes a governor permit, runs the
// external capture process under its own timeout and stores the image.
// A permit wait that times out is an ordinary retryable failure.
package handlers
