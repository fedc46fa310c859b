// Package tracker defines the core types and interfaces shared by the
// scheduling, transport and ingestion layers: batches of account ids, pulled
// player records, and the contracts for the results queue and the player
// store.
package tracker
