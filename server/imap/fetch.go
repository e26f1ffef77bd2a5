package imap

import (
	"bytes"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapserver"
	"github.com/emersion/go-message/mail"
	"github.com/migadu/mailgate/db"
	"github.com/migadu/mailgate/server"
)

func extractPartial(b []byte, partial *imap.SectionPartial) []byte {
	if partial == nil {
		return b
	}

	end := partial.Offset + partial.Size
	if partial.Offset > int64(len(b)) {
		return nil
	}
	if end > int64(len(b)) {
		end = int64(len(b))
	}
	return b[partial.Offset:end]
}

// Fetch serves FETCH and UID FETCH. Messages are addressed within the
// selected folder's view. Items that are not supported are left out of
// the response.
func (s *IMAPSession) Fetch(w *imapserver.FetchWriter, numSet imap.NumSet, options *imap.FetchOptions) (err error) {
	command := "FETCH"
	if _, ok := numSet.(imap.UIDSet); ok {
		command = "UID FETCH"
	}
	start := time.Now()
	defer func() { s.observe(command, start, err) }()

	s.mutex.Lock()
	defer s.mutex.Unlock()

	view, err := s.selectedView()
	if err != nil {
		return err
	}
	indexes, err := view.resolve(numSet)
	if err != nil {
		return err
	}

	for _, i := range indexes {
		if err := writeMessageFetchData(w, seqNum(i), &view.messages[i], options); err != nil {
			return err
		}
	}
	return nil
}

func writeMessageFetchData(w *imapserver.FetchWriter, seq uint32, msg *db.Message, options *imap.FetchOptions) error {
	m := w.CreateMessage(seq)

	if options.UID {
		m.WriteUID(imap.UID(msg.ID))
	}
	if options.Flags {
		m.WriteFlags(messageFlags(msg))
	}
	if options.InternalDate {
		m.WriteInternalDate(msg.ReceivedAt)
	}
	if options.RFC822Size {
		m.WriteRFC822Size(int64(len(server.RenderMessage(msg, true))))
	}
	if options.Envelope {
		m.WriteEnvelope(buildEnvelope(msg))
	}
	if options.BodyStructure != nil {
		m.WriteBodyStructure(buildBodyStructure(msg))
	}

	for _, section := range options.BodySection {
		content := bodySection(msg, section)
		wc := m.WriteBodySection(section, int64(len(content)))
		if _, err := wc.Write(content); err != nil {
			wc.Close()
			return err
		}
		if err := wc.Close(); err != nil {
			return err
		}
	}

	return m.Close()
}

// bodySection renders one BODY[...] item. The whole message and TEXT are
// rendered directly, TEXT without the Message-Id header; anything more
// specific is cut from the full rendering.
func bodySection(msg *db.Message, section *imap.FetchItemBodySection) []byte {
	plain := len(section.Part) == 0 && len(section.HeaderFields) == 0 && len(section.HeaderFieldsNot) == 0
	if plain {
		switch section.Specifier {
		case imap.PartSpecifierNone:
			return extractPartial([]byte(server.RenderMessage(msg, true)), section.Partial)
		case imap.PartSpecifierText:
			return extractPartial([]byte(server.RenderMessage(msg, false)), section.Partial)
		case imap.PartSpecifierHeader:
			return extractPartial([]byte(server.RenderHeader(msg, true)), section.Partial)
		}
	}

	content := imapserver.ExtractBodySection(bytes.NewReader([]byte(server.RenderMessage(msg, true))), section)
	if content == nil {
		content = []byte{}
	}
	return content
}

func buildEnvelope(msg *db.Message) *imap.Envelope {
	return &imap.Envelope{
		Date:      msg.ReceivedAt,
		Subject:   msg.Subject,
		From:      envelopeAddresses(msg.FromAddress),
		To:        envelopeAddresses(msg.ToAddress),
		MessageID: strings.TrimSuffix(strings.TrimPrefix(msg.MessageID, "<"), ">"),
	}
}

// envelopeAddresses parses a stored address field. Values that are not
// valid address lists are passed through as a single mailbox.
func envelopeAddresses(field string) []imap.Address {
	if strings.TrimSpace(field) == "" {
		return nil
	}
	list, err := mail.ParseAddressList(field)
	if err != nil {
		return []imap.Address{splitAddress("", field)}
	}
	addrs := make([]imap.Address, 0, len(list))
	for _, a := range list {
		addrs = append(addrs, splitAddress(a.Name, a.Address))
	}
	return addrs
}

func splitAddress(name, addr string) imap.Address {
	at := strings.LastIndex(addr, "@")
	if at < 0 {
		return imap.Address{Name: name, Mailbox: addr}
	}
	return imap.Address{Name: name, Mailbox: addr[:at], Host: addr[at+1:]}
}

// buildBodyStructure describes every message as one text/plain part.
func buildBodyStructure(msg *db.Message) imap.BodyStructure {
	body := server.RenderBody(msg)
	return &imap.BodyStructureSinglePart{
		Type:     "text",
		Subtype:  "plain",
		Params:   map[string]string{"charset": "utf-8"},
		Encoding: "8bit",
		Size:     uint32(len(body)),
		Text: &imap.BodyStructureText{
			NumLines: int64(strings.Count(body, "\r\n")),
		},
	}
}
