package server

import (
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPipeSession(t *testing.T, r *Registry) (*Session, net.Conn) {
	t.Helper()
	serverSide, clientSide := net.Pipe()
	t.Cleanup(func() {
		serverSide.Close()
		clientSide.Close()
	})
	return r.Register(serverSide, "tcp"), clientSide
}

func TestRegistryRegister(t *testing.T) {
	r := NewRegistry()

	sess1, _ := newPipeSession(t, r)
	sess2, _ := newPipeSession(t, r)

	assert.Equal(t, uint64(1), sess1.ID)
	assert.Equal(t, uint64(2), sess2.ID)
	assert.Equal(t, 2, r.Count())
	assert.Equal(t, StateRegistering, sess1.State())
}

func TestRegistrySetUsername(t *testing.T) {
	r := NewRegistry()
	sess, _ := newPipeSession(t, r)

	require.NoError(t, r.SetUsername(sess.ID, "alice"))
	assert.Equal(t, "alice", sess.Username())
	assert.Equal(t, StateActive, sess.State())

	t.Run("second registration rejected", func(t *testing.T) {
		assert.ErrorIs(t, r.SetUsername(sess.ID, "bob"), ErrUsernameAlreadySet)
		assert.Equal(t, "alice", sess.Username())
	})

	t.Run("unknown session", func(t *testing.T) {
		assert.ErrorIs(t, r.SetUsername(999, "ghost"), ErrSessionNotFound)
	})
}

func TestRegistryUsernameLookup(t *testing.T) {
	r := NewRegistry()
	sess, _ := newPipeSession(t, r)

	// Unregistered sessions have no resolvable username
	_, ok := r.Username(sess.ID)
	assert.False(t, ok)

	require.NoError(t, r.SetUsername(sess.ID, "alice"))
	name, ok := r.Username(sess.ID)
	assert.True(t, ok)
	assert.Equal(t, "alice", name)

	_, ok = r.Username(999)
	assert.False(t, ok)
}

func TestRegistryRemove(t *testing.T) {
	r := NewRegistry()
	sess, _ := newPipeSession(t, r)
	require.NoError(t, r.SetUsername(sess.ID, "alice"))

	removed, ok := r.Remove(sess.ID)
	require.True(t, ok)
	assert.Equal(t, sess.ID, removed.ID)
	assert.Equal(t, StateTerminated, removed.State())
	assert.Equal(t, 0, r.Count())

	t.Run("idempotent", func(t *testing.T) {
		_, ok := r.Remove(sess.ID)
		assert.False(t, ok)
	})

	t.Run("username no longer resolves", func(t *testing.T) {
		_, ok := r.Username(sess.ID)
		assert.False(t, ok)
	})
}

func TestRegistrySnapshot(t *testing.T) {
	r := NewRegistry()

	active, _ := newPipeSession(t, r)
	require.NoError(t, r.SetUsername(active.ID, "alice"))

	// Still in handshake: visible to All but not to Snapshot
	pending, _ := newPipeSession(t, r)

	snapshot := r.Snapshot()
	require.Len(t, snapshot, 1)
	assert.Equal(t, active.ID, snapshot[0].ID)

	all := r.All()
	assert.Len(t, all, 2)

	_ = pending
}

func TestRegistryClear(t *testing.T) {
	r := NewRegistry()
	newPipeSession(t, r)
	newPipeSession(t, r)

	r.Clear()
	assert.Equal(t, 0, r.Count())
}

func TestRegistryIDsNeverReused(t *testing.T) {
	r := NewRegistry()

	sess1, _ := newPipeSession(t, r)
	r.Remove(sess1.ID)

	sess2, _ := newPipeSession(t, r)
	assert.Greater(t, sess2.ID, sess1.ID)
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := NewRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			serverSide, clientSide := net.Pipe()
			defer serverSide.Close()
			defer clientSide.Close()

			sess := r.Register(serverSide, "tcp")
			r.SetUsername(sess.ID, "user")
			r.Snapshot()
			r.Username(sess.ID)
			r.Remove(sess.ID)
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, r.Count())
}
