// Package capture runs the external process that renders a page into a
// screenshot. Callers are expected to hold a governor permit around
// every Capture call.
package capture
