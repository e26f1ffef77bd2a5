// Package pop3 implements the POP3 retrieval engine.
//
// It provides:
//   - RFC 1939 POP3 core protocol
//   - RFC 2449 CAPA
//   - RFC 5034 SASL authentication (PLAIN)
//   - RFC 2595 STLS on plaintext listeners
//
// # Server States
//
//	AUTHORIZATION → TRANSACTION → UPDATE (on QUIT)
//
// # Starting a POP3 Server
//
//	srv, err := pop3.New(ctx, "pop3", hostname, ":110", store, cache, pop3.POP3ServerOptions{
//		TLSUseStartTLS: true,
//		TLSCertFile:    certFile,
//		TLSKeyFile:     keyFile,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	go srv.Start(errChan)
//
// # Message Numbering
//
// On login the session takes a snapshot of the mailbox through the message
// cache and numbers the non-trash messages from 1, newest first. Numbers
// are fixed until RSET reloads the snapshot.
//
// # Message Deletion
//
// DELE only marks a message number. The marks are committed on QUIT by
// moving each message to the trash folder. If the connection is closed
// abnormally, deletions are not applied.
//
// # UIDL Support
//
// UIDL reports the persistent store id of each message, so clients can
// avoid downloading the same message twice across sessions.
package pop3
