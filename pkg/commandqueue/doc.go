// Package commandqueue runs best-effort background tasks in named lanes.
//
// Invariants:
// - Tasks in the same lane start in FIFO order, at most Concurrency at a time.
// - Tasks in different lanes may execute concurrently.
// - Submit never blocks; a full lane drops the task and counts the drop.
// - Task failures and panics are logged and counted, never returned.
//
// Usage:
//
//	queue := commandqueue.New(commandqueue.Config{Logger: logger})
//	defer queue.Close()
//	queue.Submit(ctx, "reinforce", "reinforce:semantic", func(ctx context.Context) error {
//		return nil
//	})
package commandqueue
