// Package store is the durable record of every scheduled notification task.
//
// A Task is written once at creation and mutated only by the execution
// engine (status, executed_at, last_error) or deleted wholesale when the
// originating work item is cancelled. Status updates are conditional on
// the row not being executed yet, so two racing executions cannot both
// commit and a manual re-fire of a failed task can still land.
//
// Drivers:
//   - "sqlite": SQLite database file (the default for real deployments)
//   - "memory": in-process map (tests, development)
package store
