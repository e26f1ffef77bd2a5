package imap

import (
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapserver"
	"github.com/migadu/mailgate/db"
	"github.com/migadu/mailgate/server"
)

// Search serves SEARCH and UID SEARCH over the selected view. Text keys
// are case-insensitive substring matches; TEXT covers subject and body.
func (s *IMAPSession) Search(numKind imapserver.NumKind, criteria *imap.SearchCriteria, options *imap.SearchOptions) (data *imap.SearchData, err error) {
	command := "SEARCH"
	if numKind == imapserver.NumKindUID {
		command = "UID SEARCH"
	}
	start := time.Now()
	defer func() { s.observe(command, start, err) }()

	s.mutex.Lock()
	defer s.mutex.Unlock()

	view, err := s.selectedView()
	if err != nil {
		return nil, err
	}

	var (
		uids    []imap.UID
		seqNums imap.SeqSet
	)
	for i := range view.messages {
		if !matchCriteria(view, i, criteria) {
			continue
		}
		uids = append(uids, imap.UID(view.messages[i].ID))
		seqNums.AddNum(seqNum(i))
	}

	searchData := &imap.SearchData{Count: uint32(len(uids))}
	if numKind == imapserver.NumKindUID {
		searchData.All = imap.UIDSetNum(uids...)
	} else {
		searchData.All = seqNums
	}
	if options != nil && len(uids) > 0 {
		// Results are in sequence order; UIDs are not.
		var minNum, maxNum uint32
		if numKind == imapserver.NumKindUID {
			minNum, maxNum = uint32(uids[0]), uint32(uids[0])
			for _, uid := range uids {
				minNum = min(minNum, uint32(uid))
				maxNum = max(maxNum, uint32(uid))
			}
		} else {
			minNum, maxNum = seqNums[0].Start, seqNums[len(seqNums)-1].Stop
		}
		if options.ReturnMin {
			searchData.Min = minNum
		}
		if options.ReturnMax {
			searchData.Max = maxNum
		}
	}

	s.DebugLog("[%s] %d match(es) in '%s'", command, len(uids), view.name)
	return searchData, nil
}

// matchCriteria reports whether view message i satisfies every key of c.
func matchCriteria(view *mailboxView, i int, c *imap.SearchCriteria) bool {
	if c == nil {
		return true
	}
	msg := &view.messages[i]

	for _, set := range c.SeqNum {
		if !seqSetContains(set, seqNum(i), view.numMessages()) {
			return false
		}
	}
	for _, set := range c.UID {
		if !uidSetContains(set, imap.UID(msg.ID), view.maxUID()) {
			return false
		}
	}

	if !c.Since.IsZero() && msg.ReceivedAt.Before(c.Since) {
		return false
	}
	if !c.Before.IsZero() && !msg.ReceivedAt.Before(c.Before) {
		return false
	}
	if !c.SentSince.IsZero() && msg.ReceivedAt.Before(c.SentSince) {
		return false
	}
	if !c.SentBefore.IsZero() && !msg.ReceivedAt.Before(c.SentBefore) {
		return false
	}

	for _, field := range c.Header {
		value, ok := headerValue(msg, field.Key)
		if !ok || !containsFold(value, field.Value) {
			return false
		}
	}
	for _, term := range c.Body {
		if !containsFold(msg.Body, term) {
			return false
		}
	}
	for _, term := range c.Text {
		if !containsFold(msg.Subject, term) && !containsFold(msg.Body, term) {
			return false
		}
	}

	flags := messageFlags(msg)
	for _, flag := range c.Flag {
		if !hasFlag(flags, flag) {
			return false
		}
	}
	for _, flag := range c.NotFlag {
		if hasFlag(flags, flag) {
			return false
		}
	}

	if c.Larger > 0 || c.Smaller > 0 {
		size := int64(len(server.RenderMessage(msg, true)))
		if c.Larger > 0 && size <= c.Larger {
			return false
		}
		if c.Smaller > 0 && size >= c.Smaller {
			return false
		}
	}

	for j := range c.Not {
		if matchCriteria(view, i, &c.Not[j]) {
			return false
		}
	}
	for j := range c.Or {
		if !matchCriteria(view, i, &c.Or[j][0]) && !matchCriteria(view, i, &c.Or[j][1]) {
			return false
		}
	}
	return true
}

func headerValue(msg *db.Message, key string) (string, bool) {
	switch strings.ToLower(key) {
	case "subject":
		return msg.Subject, true
	case "from":
		return msg.FromAddress, true
	case "to":
		return msg.ToAddress, true
	case "message-id":
		return msg.MessageID, true
	}
	return "", false
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

func seqSetContains(set imap.SeqSet, seq, numMessages uint32) bool {
	for _, r := range set {
		start, stop := r.Start, r.Stop
		if start == 0 {
			start = numMessages
		}
		if stop == 0 {
			stop = numMessages
		}
		if start > stop {
			start, stop = stop, start
		}
		if seq >= start && seq <= stop {
			return true
		}
	}
	return false
}

func uidSetContains(set imap.UIDSet, uid, maxUID imap.UID) bool {
	for _, r := range set {
		start, stop := r.Start, r.Stop
		if start == 0 {
			start = maxUID
		}
		if stop == 0 {
			stop = maxUID
		}
		if start > stop {
			start, stop = stop, start
		}
		if uid >= start && uid <= stop {
			return true
		}
	}
	return false
}
