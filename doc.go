// Package chainlog is a tamper-evident audit log. Every record is a JSON
// object whose chain_hash is an HMAC-SHA256 over the previous record's
// chain_hash and the record's own canonical content, so editing, deleting,
// inserting or reordering any record breaks verification from that point on.
//
// Usage:
//
//	logger, err := chainlog.New(chainlog.Config{Dir: "/var/log/app"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer logger.Close()
//
//	logger.LogEvent("login", map[string]any{"user": "alice"})
//	ok, n := logger.VerifyChain() // (true, 1)
//
// LogEvent never fails: a record that cannot be written is reported through
// the structured logger and dropped. Use Append when the caller needs the
// error.
//
// Key material:
//
// The MAC key is SHA-256 of, in order of precedence, Config.Key, the
// AUDIT_LOG_SECRET environment variable, or the contents of
// <dir>/.audit_secret. If none exist, 32 random bytes are written to the
// secret file (mode 0600). If that fails the logger runs with an ephemeral
// key and the chain cannot be verified by a later process. Whoever holds the
// key can also forge a consistent chain.
//
// Storage backends:
//
// 1. JSON Lines file (file_store.go) - DEFAULT
//   - <dir>/audit.log.jsonl, one record per line, appended with a single write
//   - no handles held between calls
//   - optional flock(2) on <log>.lock for multiple writer processes
//
// 2. SQLite (sqlite_store.go)
//   - table records, WAL mode
//   - tail read and insert in one transaction
//
// File format:
//
//	{"timestamp":"2024-05-01T12:00:00.123Z","event":"vote","details":{"party":2},"prev_hash":"<64 hex>","chain_hash":"<64 hex>"}
//
//	chain_hash = hex(HMAC-SHA256(key, prev_hash + "|" + canonical({timestamp, event, details})))
//
// The first record has prev_hash "". canonical is JSON with sorted keys, no
// whitespace and non-ASCII escaped as \uXXXX.
//
// Exports:
//
// ExportProto writes records as size-delimited protobuf Struct messages;
// ImportProto and VerifyRecords check them offline.
package chainlog
