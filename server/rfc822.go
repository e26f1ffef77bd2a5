package server

import (
	"strings"
	"time"

	"github.com/migadu/mailgate/db"
	"github.com/migadu/mailgate/helpers"
)

// DateLayout is the RFC 5322 date format used in rendered headers.
const DateLayout = time.RFC1123Z

// NormalizeCRLF converts bare LF and CR line endings to CRLF.
func NormalizeCRLF(s string) string {
	if !strings.ContainsAny(s, "\r\n") {
		return s
	}
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return strings.ReplaceAll(s, "\n", "\r\n")
}

// RenderHeader returns the header block of m including the terminating
// blank line. The Message-Id header is written only when withMessageID is
// set and the message has one. Stored values never span lines, whatever
// was written to the store.
func RenderHeader(m *db.Message, withMessageID bool) string {
	var b strings.Builder
	b.WriteString("From: " + helpers.SanitizeHeaderValue(m.FromAddress) + "\r\n")
	b.WriteString("To: " + helpers.SanitizeHeaderValue(m.ToAddress) + "\r\n")
	b.WriteString("Subject: " + helpers.SanitizeHeaderValue(m.Subject) + "\r\n")
	b.WriteString("Date: " + m.ReceivedAt.Format(DateLayout) + "\r\n")
	if withMessageID && m.MessageID != "" {
		b.WriteString("Message-Id: " + helpers.SanitizeHeaderValue(m.MessageID) + "\r\n")
	}
	b.WriteString("\r\n")
	return b.String()
}

// RenderBody returns the body of m with CRLF line endings. A non-empty
// body always ends in CRLF.
func RenderBody(m *db.Message) string {
	body := NormalizeCRLF(m.Body)
	if body != "" && !strings.HasSuffix(body, "\r\n") {
		body += "\r\n"
	}
	return body
}

// RenderMessage returns the full RFC 822 form of m. Its length is the size
// every engine reports for the message.
func RenderMessage(m *db.Message, withMessageID bool) string {
	return RenderHeader(m, withMessageID) + RenderBody(m)
}
