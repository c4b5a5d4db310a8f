// Package server hosts the Fiber HTTP service and its request middleware.
// Every request outside the /-/ diagnostics namespace is handed to a single
// ProxyHandler; diagnostics routes are registered by the caller after
// NewApp returns. Keep exports narrow and accept explicit dependencies.
package server
