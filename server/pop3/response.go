package pop3

import (
	"fmt"
	"strings"

	"github.com/migadu/mailgate/db"
	serverPkg "github.com/migadu/mailgate/server"
)

// buildListResponseLines builds the multi-line response body for LIST.
// Per RFC 1939 §5 message numbers stay stable; deleted messages are skipped.
func buildListResponseLines(m *maildrop) []string {
	var lines []string
	m.each(func(n int, _ *db.Message, size int) {
		lines = append(lines, fmt.Sprintf("%d %d", n, size))
	})
	return lines
}

// buildUIDLResponseLines builds the multi-line response body for UIDL. The
// unique-id is the persistent store id.
func buildUIDLResponseLines(m *maildrop) []string {
	var lines []string
	m.each(func(n int, msg *db.Message, _ int) {
		lines = append(lines, fmt.Sprintf("%d %d", n, msg.ID))
	})
	return lines
}

// topContent returns the header block of msg followed by the first lines
// lines of its body.
func topContent(msg *db.Message, lines int) string {
	header := serverPkg.RenderHeader(msg, true)
	body := serverPkg.RenderBody(msg)
	if lines <= 0 || body == "" {
		return header
	}

	var b strings.Builder
	b.WriteString(header)
	rest := body
	for i := 0; i < lines && rest != ""; i++ {
		idx := strings.Index(rest, "\r\n")
		if idx < 0 {
			b.WriteString(rest)
			b.WriteString("\r\n")
			break
		}
		b.WriteString(rest[:idx+2])
		rest = rest[idx+2:]
	}
	return b.String()
}

// dotStuffPOP3 prefixes every line that starts with "." with another ".",
// per RFC 1939 §3.
func dotStuffPOP3(content string) string {
	if content == "" {
		return content
	}
	if !strings.HasPrefix(content, ".") && !strings.Contains(content, "\r\n.") {
		return content
	}

	var b strings.Builder
	b.Grow(len(content) + 16)
	if strings.HasPrefix(content, ".") {
		b.WriteByte('.')
	}
	b.WriteString(strings.ReplaceAll(content, "\r\n.", "\r\n.."))
	return b.String()
}
