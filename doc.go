/*
Package recordkv is a transactional record-access layer over an embedded
key/value engine.

A Table gives callers one API to read, write, delete and iterate byte
records while the engine underneath may abort a transaction on deadlock,
ask for a larger output buffer, or require every mutation to run inside a
transaction. Each single-record operation runs in a transaction bracket
that is retried on deadlock up to TableOptions.MaxDeadlockRetries times;
exhausting the budget returns an error wrapping ErrFatal.

# Engines

OpenEnvironment selects an adapter from the engine package: "memory"
(engine/memengine), "bolt" (engine/boltengine) or "pebble"
(engine/pebbleengine). Any engine.Environment can be supplied directly
through EnvironmentOptions.Environment.

# Buffers

Keys and values are passed as Buffer views. Read-only views come from
Bytes, String, Int32 and Int64; output buffers come from Writable. A read
into a Writable buffer that is too small reports StatusBufferTooSmall with
the required length in Result.Length and never writes past the buffer.

# Concurrency

Environment and Table are safe for concurrent use. A Cursor is not; each
goroutine should use its own.
*/
package recordkv
