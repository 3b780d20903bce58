package registry

import (
	"testing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry() *Registry {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return New(logger)
}

func TestSendDeliversFramesInOrder(t *testing.T) {
	r := newTestRegistry()
	c := NewConn(nil, "test")
	r.Register(c)

	for i := 0; i < 5; i++ {
		ok := r.Send(c.ID, map[string]interface{}{"type": "chat_message", "seq": i})
		require.True(t, ok)
	}
	for i := 0; i < 5; i++ {
		msg := <-c.OutChan
		assert.Equal(t, i, msg["seq"])
	}
}

func TestSendToUnknownConnReturnsFalse(t *testing.T) {
	r := newTestRegistry()
	ok := r.Send(uuid.New(), map[string]interface{}{"type": "pong"})
	assert.False(t, ok)
}

func TestSendDropsWhenBufferFull(t *testing.T) {
	r := newTestRegistry()
	c := NewConn(nil, "test")
	r.Register(c)

	for i := 0; i < OutChanSize; i++ {
		require.True(t, r.Send(c.ID, map[string]interface{}{"seq": i}))
	}
	assert.False(t, r.Send(c.ID, map[string]interface{}{"seq": OutChanSize}))

	// The connection survives the drop; draining frees capacity again.
	_, ok := r.Get(c.ID)
	require.True(t, ok)
	<-c.OutChan
	assert.True(t, r.Send(c.ID, map[string]interface{}{"seq": "later"}))
}

func TestUnregisterRemovesAndClosesConn(t *testing.T) {
	r := newTestRegistry()
	c := NewConn(nil, "test")
	r.Register(c)

	r.Unregister(c.ID)
	assert.False(t, r.Send(c.ID, map[string]interface{}{"type": "pong"}))

	_, open := <-c.OutChan
	assert.False(t, open, "OutChan should be closed so the writer goroutine exits")

	// A second unregister for the same id is a no-op.
	r.Unregister(c.ID)
}

func TestBindAssociatesPlayerIdentity(t *testing.T) {
	r := newTestRegistry()
	c := NewConn(nil, "test")
	r.Register(c)

	playerID := uuid.New()
	r.Bind(c.ID, playerID)

	got, ok := r.Get(c.ID)
	require.True(t, ok)
	assert.Equal(t, playerID, got.PlayerID)
}

func TestConnIDsSnapshotsLiveConns(t *testing.T) {
	r := newTestRegistry()
	a := NewConn(nil, "a")
	b := NewConn(nil, "b")
	r.Register(a)
	r.Register(b)
	r.Unregister(a.ID)

	ids := r.ConnIDs()
	require.Len(t, ids, 1)
	assert.Equal(t, b.ID, ids[0])
	assert.Equal(t, 1, r.Count())
}
