// Package async provides lazy, pull-driven concurrency primitives: a
// Generator producing a sequence of values on demand, a batch-allocating
// object Pool, and a memoizing Task with a blocking SyncWait bridge for
// synchronous callers.
package async
