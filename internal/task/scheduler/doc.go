// Package scheduler registers cron and interval triggers and turns each firing
// into a keyed job on the delivery engine.
//
// The scheduler never runs work itself. It only:
//   - keeps named schedule definitions (upsert by name)
//   - computes trigger times with robfig/cron in the configured timezone
//   - enqueues a job per firing into an Enqueuer (engine.Service in production)
package scheduler
