// Package worker runs the external-task loop. A single poller fetches and
// locks tasks for every registered topic, the dispatcher runs each lease on
// its topic handler under a bounded concurrency gate and enforces the lock
// deadline, and the reporter sends exactly one terminal report per lease.
// Every lease transition is journaled to the store and published on the
// event broker.
package worker
