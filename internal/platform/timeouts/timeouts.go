// Package timeouts defines shared timeout constants used across services.
// Centralizing these values prevents drift between service boundaries and
// makes the durations discoverable.
package timeouts

import "time"

// Request caps the time allowed for a single API request, including the
// store round trips of one compare-and-apply cycle.
const Request = 5 * time.Second

// MenuLookup caps one call to the external menu service.
const MenuLookup = 2 * time.Second

// Publish caps one notifier publish so a slow broker cannot stall callers.
const Publish = 2 * time.Second

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long servers wait for in-flight requests during
// graceful shutdown.
const Shutdown = 5 * time.Second

// StoreConnect caps the initial connection to a networked store or broker.
const StoreConnect = 10 * time.Second
