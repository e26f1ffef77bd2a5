package memstore

import (
	"context"
	"errors"
	"testing"

	"github.com/migadu/mailgate/db/storetest"
	"github.com/stretchr/testify/assert"
)

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storetest.Backend { return New() })
}

func TestFailWith(t *testing.T) {
	s := New()
	boom := errors.New("connection refused")
	s.SetFailure(boom)

	_, err := s.FindUserByIdentifier(context.Background(), "alice")
	assert.ErrorIs(t, err, boom)
	_, err = s.ListMessages(context.Background(), 1)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int64(1), s.ListCalls.Load())

	s.SetFailure(nil)
	_, err = s.ListMessages(context.Background(), 1)
	assert.NoError(t, err)
}
