package helpers

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
	"github.com/k3a/html2text"
)

// ExtractBodyText walks the MIME tree of msg and returns its readable text.
// The first text/plain part wins; when a message carries only HTML, the
// first text/html part is converted to plain text. Non-text parts are
// skipped. A message without any text part yields an empty string.
func ExtractBodyText(msg *message.Entity) (string, error) {
	if msg == nil {
		return "", fmt.Errorf("nil message entity")
	}

	var plain, html *string

	var walk func(*message.Entity) error
	walk = func(entity *message.Entity) error {
		if plain != nil {
			return nil
		}

		if mr := entity.MultipartReader(); mr != nil {
			for {
				part, err := mr.NextPart()
				if errors.Is(err, io.EOF) {
					return nil
				}
				if err != nil {
					return fmt.Errorf("error reading multipart: %w", err)
				}
				if err := walk(part); err != nil {
					return err
				}
			}
		}

		mediaType, _, err := entity.Header.ContentType()
		if err != nil || mediaType == "" {
			// RFC 2045: missing or broken Content-Type means text/plain.
			mediaType = "text/plain"
		}
		if disp, _, _ := entity.Header.ContentDisposition(); disp == "attachment" {
			return nil
		}

		switch mediaType {
		case "text/plain":
			content, err := io.ReadAll(entity.Body)
			if err != nil {
				return fmt.Errorf("error reading text part: %w", err)
			}
			s := string(content)
			plain = &s
		case "text/html":
			if html != nil {
				return nil
			}
			content, err := io.ReadAll(entity.Body)
			if err != nil {
				return fmt.Errorf("error reading html part: %w", err)
			}
			s := string(content)
			html = &s
		}
		return nil
	}

	if err := walk(msg); err != nil {
		return "", err
	}

	switch {
	case plain != nil:
		return *plain, nil
	case html != nil:
		return strings.TrimSpace(html2text.HTML2Text(*html)), nil
	}
	return "", nil
}
