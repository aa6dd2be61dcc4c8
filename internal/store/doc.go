// Package store provides the SQLite conversation ledger.
//
// A Conversation row carries the loop-protection counters: message_count
// (total transcript ceiling), pending (responses still owed before the
// aggregate flush), and depth (agent-to-agent expansion ceiling). Message
// rows form the transcript: user messages, agent responses, tool events,
// and system notices, distinguished by kind.
//
// SQLiteStore implements Store on modernc.org/sqlite with WAL enabled.
// Counter arithmetic lives in the conversation package; this package only
// persists and queries.
package store
