// Package persistence provides storage for job records and their event history.
// Job records live in a directory as one indented JSON file per job, written atomically
// so a reader never sees a partial record. The optional event history is kept in SQLite
// with WAL mode.
package persistence
