package session_test

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/danmu-garden-push/internal/network/session"
	"github.com/lk2023060901/danmu-garden-push/internal/network/session/sessiontest"
	"github.com/lk2023060901/danmu-garden-push/pkg/util/merr"
)

func TestBaseSessionManager(t *testing.T) {
	m := session.NewBaseSessionManager()
	s1, _ := sessiontest.NewSession(t, "c1")
	s2, _ := sessiontest.NewSession(t, "c2")

	require.NoError(t, m.Register(s1))
	require.NoError(t, m.Register(s2))
	assert.NoError(t, m.Register(nil))
	assert.Equal(t, 2, m.Count())

	err := m.Register(s1)
	assert.True(t, errors.Is(err, merr.ErrSessionDuplicated))

	got, ok := m.Get("c1")
	require.True(t, ok)
	assert.Same(t, s1, got)

	seen := 0
	m.Range(func(session.Session) bool {
		seen++
		return false
	})
	assert.Equal(t, 1, seen)

	assert.True(t, m.Unregister("c1"))
	assert.False(t, m.Unregister("c1"))
	_, ok = m.Get("c1")
	assert.False(t, ok)
	assert.Equal(t, 1, m.Count())
}
