// Package imap implements the IMAP retrieval engine on top of the
// go-imap v2 server.
//
// It provides:
//   - RFC 3501 IMAP4rev1 core commands over a fixed mailbox hierarchy
//     (INBOX, Sent, Drafts, Trash)
//   - STARTTLS on plaintext listeners, implicit TLS on TLS listeners
//   - AUTHENTICATE PLAIN with SASL-IR
//   - UNSELECT and LITERAL+
//
// # Mailbox Views
//
// LOGIN loads a snapshot of the user's messages through the message cache.
// SELECT and EXAMINE reload the snapshot and build the view of the selected
// folder, newest first. Sequence number n addresses the n-th message of that
// view; UIDs are the persistent store ids.
//
// # Flags
//
// Flags are derived from stored state: \Seen is the read mark, \Flagged
// the star and \Deleted membership of the trash folder. STORE writes
// through to the store and invalidates the cached snapshot. EXAMINE opens
// the folder read-only and STORE and EXPUNGE are refused there.
package imap
