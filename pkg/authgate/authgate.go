// Package authgate verifies login credentials against the mailbox store.
package authgate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/migadu/mailgate/consts"
	"github.com/migadu/mailgate/db"
	"github.com/migadu/mailgate/logger"
	"golang.org/x/crypto/bcrypt"
)

// UserFinder is the part of db.Store the gate needs.
type UserFinder interface {
	FindUserByIdentifier(ctx context.Context, identifier string) (*db.User, error)
}

type Gate struct {
	store UserFinder
}

func New(store UserFinder) *Gate {
	return &Gate{store: store}
}

var (
	dummyHashOnce sync.Once
	dummyHash     string
)

// compareDummy spends the same bcrypt work as a real comparison so that a
// missing user is not distinguishable by timing.
func compareDummy(secret string) {
	dummyHashOnce.Do(func() {
		h, err := bcrypt.GenerateFromPassword([]byte("mailgate-dummy-secret"), bcrypt.DefaultCost)
		if err == nil {
			dummyHash = string(h)
		}
	})
	if dummyHash != "" {
		_ = bcrypt.CompareHashAndPassword([]byte(dummyHash), []byte(secret))
	}
}

// Verify returns the user for identifier when secret matches its stored
// hash. Unknown identifiers and wrong secrets both yield
// consts.ErrAuthenticationFailed. Store failures are wrapped in
// consts.ErrStoreUnavailable.
func (g *Gate) Verify(ctx context.Context, identifier, secret string) (*db.User, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" || secret == "" {
		return nil, consts.ErrAuthenticationFailed
	}

	user, err := g.store.FindUserByIdentifier(ctx, identifier)
	if err != nil {
		if errors.Is(err, consts.ErrUserNotFound) {
			compareDummy(secret)
			logger.Debug("AuthGate: unknown identifier", "identifier", identifier)
			return nil, consts.ErrAuthenticationFailed
		}
		return nil, fmt.Errorf("%w: %v", consts.ErrStoreUnavailable, err)
	}

	if err := db.VerifyPassword(user.PasswordHash, secret); err != nil {
		if errors.Is(err, db.ErrUnknownHashScheme) {
			logger.Warn("AuthGate: stored hash has an unsupported scheme", "user_id", user.ID)
		}
		return nil, consts.ErrAuthenticationFailed
	}
	return user, nil
}
