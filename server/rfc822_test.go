package server

import (
	"strings"
	"testing"
	"time"

	"github.com/migadu/mailgate/db"
	"github.com/stretchr/testify/assert"
)

func TestRenderMessage(t *testing.T) {
	m := &db.Message{
		FromAddress: "bob@example.org",
		ToAddress:   "alice@example.com",
		Subject:     "Hello",
		Body:        "line one\nline two",
		MessageID:   "<1@example.org>",
		ReceivedAt:  time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC),
	}

	want := "From: bob@example.org\r\n" +
		"To: alice@example.com\r\n" +
		"Subject: Hello\r\n" +
		"Date: Sat, 01 Jun 2024 09:00:00 +0000\r\n" +
		"Message-Id: <1@example.org>\r\n" +
		"\r\n" +
		"line one\r\nline two\r\n"
	assert.Equal(t, want, RenderMessage(m, true))

	withoutID := RenderMessage(m, false)
	assert.NotContains(t, withoutID, "Message-Id")
	assert.Equal(t, len(want)-len("Message-Id: <1@example.org>\r\n"), len(withoutID))
}

func TestRenderMessageWithoutMessageID(t *testing.T) {
	m := &db.Message{Subject: "s", Body: ""}
	out := RenderMessage(m, true)
	assert.NotContains(t, out, "Message-Id")
	assert.True(t, strings.HasSuffix(out, "\r\n\r\n"))
}

func TestNormalizeCRLF(t *testing.T) {
	tests := []struct{ in, want string }{
		{"a", "a"},
		{"a\nb", "a\r\nb"},
		{"a\r\nb", "a\r\nb"},
		{"a\rb", "a\r\nb"},
		{"a\r\n\nb\n", "a\r\n\r\nb\r\n"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeCRLF(tt.in), "%q", tt.in)
	}
}

func TestRenderHeaderKeepsOneLinePerField(t *testing.T) {
	m := &db.Message{
		FromAddress: "bob@example.org\r\nBcc: x@evil.test",
		ToAddress:   "alice@example.com",
		Subject:     "hi\r\nReply-To: x@evil.test\r\n\r\nforged",
		Body:        "body",
		MessageID:   "<1@example.org>",
		ReceivedAt:  time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC),
	}

	header := RenderHeader(m, true)
	lines := strings.Split(strings.TrimSuffix(header, "\r\n\r\n"), "\r\n")
	if assert.Len(t, lines, 5) {
		assert.True(t, strings.HasPrefix(lines[0], "From: "))
		assert.True(t, strings.HasPrefix(lines[1], "To: "))
		assert.True(t, strings.HasPrefix(lines[2], "Subject: hi "))
		assert.True(t, strings.HasPrefix(lines[3], "Date: "))
		assert.True(t, strings.HasPrefix(lines[4], "Message-Id: "))
	}

	full := RenderMessage(m, true)
	headerBlock, body, found := strings.Cut(full, "\r\n\r\n")
	assert.True(t, found)
	assert.Contains(t, headerBlock, "Date: ")
	assert.Equal(t, "body\r\n", body)
}
