// Package storage opens the SQL databases (sqlite or postgres) and provides
// the unit of work used by the domain repository and the job store.
//
// Queries are written with '?' placeholders and rebound per dialect.
// Writes made through a Tx can record Changes; hooks registered with
// OnCommit receive them after a successful commit, never before.
package storage
