package server

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/migadu/mailgate/db"
	"github.com/migadu/mailgate/logger"
)

// ConnectionStatsProvider defines an interface for getting connection statistics
type ConnectionStatsProvider interface {
	GetTotalConnections() int64
	GetAuthenticatedConnections() int64
}

// Session carries the per-connection fields every protocol engine logs with.
type Session struct {
	Id         string
	RemoteIP   string
	HostName   string
	ServerName string // Name of the server instance (e.g., "pop3", "imaps")
	Protocol   string
	Stats      ConnectionStatsProvider

	User *db.User
}

func (s *Session) logArgs(format string, args ...any) []any {
	user := "none"
	if s.User != nil {
		user = fmt.Sprintf("%s/%d", s.User.Username, s.User.ID)
	}

	protocolPrefix := s.Protocol
	if s.ServerName != "" {
		protocolPrefix = fmt.Sprintf("%s-%s", s.Protocol, s.ServerName)
	}

	attrs := []any{"protocol", protocolPrefix, "conn", "remote=" + s.RemoteIP, "user", user, "session", s.Id}
	if s.Stats != nil {
		if s.Protocol == "SMTP" {
			// SMTP has no authenticated sessions
			attrs = append(attrs, "conn_total", s.Stats.GetTotalConnections())
		} else {
			attrs = append(attrs, "conn_total", s.Stats.GetTotalConnections(), "conn_auth", s.Stats.GetAuthenticatedConnections())
		}
	}
	return append(attrs, "msg", fmt.Sprintf(format, args...))
}

func (s *Session) Log(format string, args ...any) {
	logger.Info("Session", s.logArgs(format, args...)...)
}

func (s *Session) DebugLog(format string, args ...any) {
	if !logger.Get().Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	logger.Debug("Session", s.logArgs(format, args...)...)
}

func (s *Session) WarnLog(format string, args ...any) {
	logger.Warn("Session", s.logArgs(format, args...)...)
}
