// Package harness turns a processing routine into a monitored unit of work
// inside a worker process. It owns the live progress record, emits it on the
// protocol stream, converts every fault into a failure envelope and hands the
// single response envelope to the host through the envelope file.
package harness
