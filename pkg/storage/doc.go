/*
Package storage defines the Store interface for jobmon's persistent state
and its two implementations.

PostgresStore backs the production deployment: a single relational schema,
unique constraints on entity fingerprints, FOR UPDATE row locks for the
transition service, and chunked bulk inserts for task and edge binding. The
database server is the clock authority (Now) and the source of truth for
heartbeat deadlines.

MemoryStore provides the same contract on in-process maps. Unit tests for
the transition service, swarm and reaper run against it, and the sequential
single-process mode can use it directly.

Get-or-create methods implement insert-or-select on unique hash keys:
concurrent inserts of the same fingerprint resolve to the same id, with the
loser recovering from the unique-constraint violation by re-selecting the
winner. Writes that would violate a state invariant return a ConflictError;
callers resolve by re-reading.
*/
package storage
