// Package store provides persistent storage for the gateway using SQLite.
//
// # Data Models
//
//   - Agent: name, instructions and model identifier of a persona
//   - Session: one conversation with an agent, active or closed
//   - Turn: an immutable utterance with a store-assigned sequence number
//   - AudioArtifact: audio attached to a voice turn
//   - Lease: per-session exclusivity token held for one cycle
//
// # Turn Log
//
// AppendTurn checks the session, assigns MAX(seq)+1 and inserts in a single
// transaction; a unique (session_id, seq) index backs the ordering. Turns are
// never updated or deleted. Turns returns a lazy, restartable iter.Seq2 that
// pages through ReadTurns.
//
// # SQLite Configuration
//
// Two database/sql drivers are supported, chosen by name:
//
//   - "sqlite": modernc.org/sqlite (pure Go, default)
//   - "sqlite3": github.com/mattn/go-sqlite3 (cgo)
//
// Both run with:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// # Error Handling
//
//   - ErrNotFound: requested entity does not exist
//   - ErrSessionNotFound, ErrAgentNotFound: wrap ErrNotFound
//   - ErrSessionClosed: append to a closed session
//   - ErrLeaseHeld: another owner holds a live lease
//   - ErrAgentHasSessions: agent deletion refused
//
// # Testing
//
// Use NewMockStore() for unit tests; FailAppend injects append failures.
package store
