package pop3

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/migadu/mailgate/db"
	serverPkg "github.com/migadu/mailgate/server"
)

func TestDotStuffPOP3(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "No dots",
			input:    "Line 1\r\nLine 2\r\nLine 3",
			expected: "Line 1\r\nLine 2\r\nLine 3",
		},
		{
			name:     "Dot at start of line",
			input:    ".Line 1\r\nLine 2\r\n.Line 3",
			expected: "..Line 1\r\nLine 2\r\n..Line 3",
		},
		{
			name:     "Dot terminator in body",
			input:    "Line 1\r\n.\r\nLine 2",
			expected: "Line 1\r\n..\r\nLine 2",
		},
		{
			name:     "Multiple dots at line start",
			input:    "..Already stuffed\r\n.Another",
			expected: "...Already stuffed\r\n..Another",
		},
		{
			name:     "Dot in middle of line (no stuffing needed)",
			input:    "This is a . in the middle\r\nAnother line",
			expected: "This is a . in the middle\r\nAnother line",
		},
		{
			name:     "Empty message",
			input:    "",
			expected: "",
		},
		{
			name:     "Single dot",
			input:    ".",
			expected: "..",
		},
		{
			name:     "Just terminator sequence",
			input:    ".\r\n",
			expected: "..\r\n",
		},
		{
			name:     "Real-world HTML email with dots",
			input:    "Content-Type: text/html\r\n\r\n<html>\r\n.\r\n</html>",
			expected: "Content-Type: text/html\r\n\r\n<html>\r\n..\r\n</html>",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := dotStuffPOP3(tt.input)
			if result != tt.expected {
				t.Errorf("dotStuffPOP3() = %q, want %q", result, tt.expected)
			}
		})
	}
}

func TestWriteContentStuffsRenderedMessage(t *testing.T) {
	msg := &db.Message{
		ID:          1,
		FromAddress: "bob@example.org",
		ToAddress:   "alice@example.com",
		Subject:     "dots",
		Body:        ".hidden\n.\nend",
		ReceivedAt:  time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC),
	}
	content := serverPkg.RenderMessage(msg, true)

	var buf bytes.Buffer
	s := &POP3Session{writer: bufio.NewWriter(&buf)}
	s.writeContent(fmt.Sprintf("+OK %d octets", len(content)), content)
	if err := s.writer.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	header := serverPkg.RenderHeader(msg, true)
	want := fmt.Sprintf("+OK %d octets\r\n", len(content)) + header + "..hidden\r\n..\r\nend\r\n.\r\n"
	if buf.String() != want {
		t.Fatalf("writeContent output mismatch\n got: %q\nwant: %q", buf.String(), want)
	}

	// Removing the terminator and the stuffing gives back exactly the
	// octets the status line announced.
	status, rest, _ := strings.Cut(buf.String(), "\r\n")
	if !strings.HasPrefix(status, "+OK") {
		t.Fatalf("status = %q", status)
	}
	rest = strings.TrimSuffix(rest, ".\r\n")
	unstuffed := strings.ReplaceAll(rest, "\r\n..", "\r\n.")
	if unstuffed != content {
		t.Errorf("unstuffed content differs from rendering: %q", unstuffed)
	}
}

func TestWriteContentEmptyBody(t *testing.T) {
	msg := &db.Message{ID: 2, Subject: "empty", ReceivedAt: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)}
	content := topContent(msg, 0)

	var buf bytes.Buffer
	s := &POP3Session{writer: bufio.NewWriter(&buf)}
	s.writeContent("+OK", content)
	s.writer.Flush()

	if !strings.HasSuffix(buf.String(), "\r\n\r\n.\r\n") {
		t.Errorf("expected header block followed by terminator, got %q", buf.String())
	}
}

func BenchmarkDotStuffPOP3_NoDots(b *testing.B) {
	input := "Line 1\r\nLine 2\r\nLine 3\r\nLine 4\r\nLine 5\r\n"
	for i := 0; i < b.N; i++ {
		dotStuffPOP3(input)
	}
}

func BenchmarkDotStuffPOP3_WithDots(b *testing.B) {
	input := ".Line 1\r\nLine 2\r\n.Line 3\r\nLine 4\r\n.Line 5\r\n"
	for i := 0; i < b.N; i++ {
		dotStuffPOP3(input)
	}
}

func BenchmarkDotStuffPOP3_LargeMessage(b *testing.B) {
	// Simulate a 10KB message with occasional dots
	var input string
	for i := 0; i < 100; i++ {
		if i%10 == 0 {
			input += ".Line with dot at start\r\n"
		} else {
			input += "Regular line without dot at start\r\n"
		}
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		dotStuffPOP3(input)
	}
}
