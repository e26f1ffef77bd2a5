package server

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/migadu/mailgate/helpers"
	"github.com/migadu/mailgate/logger"
)

// ParseMessage reads and parses the email message from an io.Reader.
// If the message has malformed MIME headers, it attempts to create a fallback
// entity that preserves the raw content, allowing degraded access rather than
// complete failure.
func ParseMessage(r io.Reader) (*message.Entity, error) {
	m, err := message.Read(r)
	if message.IsUnknownCharset(err) {
		logger.Debug("Unknown encoding", "error", err)
	} else if err != nil {
		if strings.Contains(err.Error(), "malformed MIME header") {
			logger.Warn("Malformed MIME header detected, attempting fallback", "error", err)
			return createFallbackEntity(err), nil
		}
		return nil, fmt.Errorf("failed to read message: %v", err)
	}

	return m, nil
}

// createFallbackEntity creates a minimal message entity for corrupted messages.
func createFallbackEntity(originalErr error) *message.Entity {
	var buf bytes.Buffer
	buf.WriteString("X-Mailgate-Parse-Error: ")
	buf.WriteString(strings.ReplaceAll(originalErr.Error(), "\n", " "))
	buf.WriteString("\r\n")
	buf.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	buf.WriteString("\r\n")
	buf.WriteString("[Message could not be parsed due to malformed MIME headers]\r\n")

	entity, err := message.Read(bufio.NewReader(&buf))
	if err != nil {
		logger.Error("Failed to create fallback entity", "error", err)
		return nil
	}
	return entity
}

// InboundMessage holds the fields extracted from a delivered message.
type InboundMessage struct {
	From      string
	To        string
	Subject   string
	Body      string
	MessageID string // with angle brackets, empty if absent
	Date      time.Time
}

// ParseInbound extracts sender, subject, readable body and Message-Id from
// raw RFC 5322 content. Header decoding problems degrade to empty fields.
func ParseInbound(raw []byte) (*InboundMessage, error) {
	entity, err := ParseMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	if entity == nil {
		return nil, fmt.Errorf("message could not be parsed")
	}

	header := mail.Header{Header: entity.Header}
	in := &InboundMessage{}

	if addrs, err := header.AddressList("From"); err == nil && len(addrs) > 0 {
		in.From = addrs[0].Address
	} else {
		in.From = strings.TrimSpace(header.Get("From"))
	}
	if addrs, err := header.AddressList("To"); err == nil && len(addrs) > 0 {
		to := make([]string, len(addrs))
		for i, a := range addrs {
			to[i] = a.Address
		}
		in.To = strings.Join(to, ", ")
	} else {
		in.To = strings.TrimSpace(header.Get("To"))
	}
	if subject, err := header.Subject(); err == nil {
		in.Subject = subject
	} else {
		in.Subject = header.Get("Subject")
	}
	if id, err := header.MessageID(); err == nil && id != "" {
		in.MessageID = "<" + id + ">"
	}
	if date, err := header.Date(); err == nil {
		in.Date = date
	}

	body, err := helpers.ExtractBodyText(entity)
	if err != nil {
		return nil, fmt.Errorf("failed to extract body: %w", err)
	}
	in.From = helpers.SanitizeHeaderValue(in.From)
	in.To = helpers.SanitizeHeaderValue(in.To)
	in.Subject = helpers.SanitizeHeaderValue(in.Subject)
	in.Body = helpers.SanitizeUTF8(body)
	return in, nil
}
