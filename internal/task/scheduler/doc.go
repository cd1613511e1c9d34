// Package scheduler registers named jobs (cron, interval, daily) and turns
// their triggers into engine tasks.
//
// The scheduler is trigger-only. Execution, retries and the per-name
// single-flight gate live in internal/task/engine; a trigger that fires
// while its job is running or queued is skipped and counted there.
package scheduler
