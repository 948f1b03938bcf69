// Package storage provides persistence backends for API key records.
//
// Backends store the complete key set and are written as a whole on every
// mutation batch:
//
//   - MemoryBackend: in-process, for tests and ephemeral deployments
//   - FileBackend: a YAML document replaced atomically
//   - SQLiteBackend: a pure-Go SQLite database in WAL mode
//   - RedisBackend: one Redis hash replaced in a MULTI/EXEC transaction
//
// Any backend can be wrapped in a Breaker so that an unavailable store is
// short-circuited instead of slowing down every mutation.
package storage
