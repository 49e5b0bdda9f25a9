// Package refill tops up endpoint balances on their configured interval.
//
// Refiller.RefillOne applies one due refill through a single atomic store
// operation; calling it twice within an interval is a no-op. RefillAll
// sweeps every auto-refill limit with bounded parallelism and a per-endpoint
// timeout, collecting failures instead of aborting. Scheduler runs RefillAll
// on a cron schedule.
//
// Interval units are fixed durations; a month is 30 days.
package refill
