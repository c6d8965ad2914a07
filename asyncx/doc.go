// Package asyncx provides a thin, opinionated layer on top of asynq to submit
// background tasks, execute them on per-lane worker servers and expose their
// progress to polling clients through a Store.
//
// Quick start:
//  1. Open a store: NewSQLStore(db) (then Migrate) or NewRedisStore(rdb, retention).
//  2. Create a Client with NewClient(redis, store, ...). Submit returns a task id
//     as soon as the task is admitted.
//  3. Create a Processor with one concurrency ceiling per lane and register
//     handlers on an asynq.ServeMux.
//  4. Start the processor. Handlers publish snapshots; the processor publishes
//     FAILURE for errors, panics and timeouts.
//  5. Poll with Client.Await or Store.Get until the state is terminal.
//
// Once a record is SUCCESS or FAILURE every further Publish returns
// ErrTerminal and leaves the record untouched.
package asyncx
