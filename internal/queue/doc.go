// Package queue provides the durable file-backed envelope store.
//
// # Layout
//
// Each envelope is one JSON file under the queue root:
//
//	incoming/     accepted, waiting for an agent chain
//	processing/   claimed by a chain, heartbeated while worked
//	outgoing/     completed, waiting for adapter delivery
//	dead-letter/  failed past the attempt limit, kept for inspection
//
// Filenames are <id>.<agent>.json. Ids embed a millisecond timestamp so a
// lexical sort of a directory is also a FIFO order.
//
// # Transitions
//
// State only moves forward: incoming -> processing -> outgoing or
// dead-letter. Every transition is an atomic rename, and writes go through
// a temp file in the same directory before renaming into place, so a crash
// at any point leaves either the old state or the new one, never a torn
// file. Files that fail to parse are quarantined into dead-letter with a
// .corrupt suffix rather than blocking the claim loop.
//
// # Crash recovery
//
// Claimed envelopes are heartbeated by touching the file mtime.
// ReclaimStale moves processing entries whose heartbeat went silent back
// to incoming, unless a terminal copy already exists (the worker finished
// but died before removing the processing file), in which case the
// leftover is deleted.
package queue
