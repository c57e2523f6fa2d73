// Package processor holds the named units of work a worker process can run
// and the registry the worker and the host use to resolve them.
package processor
