// Package scheduler is the polling core that moves tasks through
// PENDING -> RUNNING -> COMPLETED/FAILED.
//
// Each tick it queries the registry for PENDING tasks, keeps the due ones,
// orders them by priority (desc) then creation time, and admits as many as
// the concurrency cap allows. Admitted handlers run in their own goroutines;
// the loop never waits on them.
//
// Status writes are compare-and-set in the registry, so a task deleted or
// reset while its handler runs is dropped on completion instead of being
// resurrected.
package scheduler
