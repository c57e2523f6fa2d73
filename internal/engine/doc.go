// Package engine runs jobs for the host. It claims the session slot, records
// each run in the store, hands the job to a worker process through the
// supervisor, and relays the worker's progress and log lines to the session,
// the store and live subscribers until the run's envelope arrives.
package engine
