// Package kv defines the primitive key/value vocabulary the resource engine
// is built on.
//
// A [Store] exposes point operations on string keys, sets and hashes plus
// [Batch], a queue of mutations committed as one indivisible unit. No reader
// of the underlying store observes a partially applied batch.
//
// # Backends
//
//   - kv/memory: in-process maps guarded by a single lock
//   - kv/redis: MULTI/EXEC transactions, a Lua script for conditional writes
//   - kv/dynamo: one DynamoDB table, TransactWriteItems for batches
//
// # Conditional writes
//
// [Batch.SetIfAbsent] and [Batch.HashSetIfAbsent] queue writes that must not
// overwrite an existing value. If any condition fails at commit time, nothing
// from the batch is applied and Commit returns a [*CommitError] wrapping
// [ErrConditionFailed] whose Index names the failing operation. A conditional
// write whose target an earlier conditional write of the same batch claims
// fails the same way.
package kv
