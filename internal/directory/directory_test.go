package directory

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDirectory() *Directory {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return New(logger)
}

func seed(d *Directory, username string) Participant {
	p := Participant{ID: uuid.New(), Username: username, Rating: 1200, ConnID: uuid.New()}
	d.Upsert(p)
	return p
}

func TestUpsertRefreshesIdentityWithoutMovingPlacement(t *testing.T) {
	d := newTestDirectory()
	p := seed(d, "magnus")
	lobbyID := uuid.New()
	require.True(t, d.SetPlacement(p.ID, Placement{Kind: InLobby, RoomID: lobbyID}))

	d.Upsert(Participant{ID: p.ID, Username: "magnus", Rating: 1350})

	got, ok := d.Get(p.ID)
	require.True(t, ok)
	assert.Equal(t, 1350, got.Rating)
	assert.Equal(t, InLobby, got.Placement.Kind)
	assert.Equal(t, lobbyID, got.Placement.RoomID)
	assert.Equal(t, p.ConnID, got.ConnID, "Nil conn id in an upsert should not clear the binding")
}

func TestMarkOfflineStashesPlacement(t *testing.T) {
	d := newTestDirectory()
	p := seed(d, "hikaru")
	gameID := uuid.New()
	d.SetPlacement(p.ID, Placement{Kind: InGame, RoomID: gameID})

	prev, ok := d.MarkOffline(p.ID)
	require.True(t, ok)
	assert.Equal(t, InGame, prev.Kind)
	assert.Equal(t, gameID, prev.RoomID)

	got, _ := d.Get(p.ID)
	assert.Equal(t, Offline, got.Placement.Kind)
	assert.Equal(t, uuid.Nil, got.ConnID)

	// Marking again keeps the original stash.
	prev2, ok := d.MarkOffline(p.ID)
	require.True(t, ok)
	assert.Equal(t, prev, prev2)
}

func TestRestoreReinstatesStashedPlacement(t *testing.T) {
	d := newTestDirectory()
	p := seed(d, "judit")
	lobbyID := uuid.New()
	d.SetPlacement(p.ID, Placement{Kind: InLobby, RoomID: lobbyID})
	d.MarkOffline(p.ID)

	newConn := uuid.New()
	got, old, ok := d.Restore(p.ID, newConn)
	require.True(t, ok)
	assert.Equal(t, uuid.Nil, old, "offline participant has no conn to supersede")
	assert.Equal(t, InLobby, got.Placement.Kind)
	assert.Equal(t, lobbyID, got.Placement.RoomID)
	assert.Equal(t, newConn, got.ConnID)
}

func TestRestoreSupersedesLiveConn(t *testing.T) {
	d := newTestDirectory()
	p := seed(d, "fabiano")

	newConn := uuid.New()
	got, old, ok := d.Restore(p.ID, newConn)
	require.True(t, ok)
	assert.Equal(t, p.ConnID, old)
	assert.Equal(t, newConn, got.ConnID)
	assert.Equal(t, Idle, got.Placement.Kind)
}

func TestSetPlacementWhileOfflineRetargetsRestore(t *testing.T) {
	d := newTestDirectory()
	p := seed(d, "wesley")
	lobbyID := uuid.New()
	d.SetPlacement(p.ID, Placement{Kind: InLobby, RoomID: lobbyID})
	d.MarkOffline(p.ID)

	// The room the participant was in goes away during the grace window.
	require.True(t, d.SetPlacement(p.ID, Placement{Kind: Idle}))

	got, _, ok := d.Restore(p.ID, uuid.New())
	require.True(t, ok)
	assert.Equal(t, Idle, got.Placement.Kind)
}

func TestScheduleRemovalFiresAfterGrace(t *testing.T) {
	d := newTestDirectory()
	p := seed(d, "anish")
	d.MarkOffline(p.ID)

	expired := make(chan Placement, 1)
	d.ScheduleRemoval(p.ID, 10*time.Millisecond, func(id uuid.UUID, last Placement) {
		assert.Equal(t, p.ID, id)
		expired <- last
	})

	select {
	case last := <-expired:
		assert.Equal(t, Idle, last.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("removal callback never fired")
	}
}

func TestScheduleRemovalSkipsInGameParticipants(t *testing.T) {
	d := newTestDirectory()
	p := seed(d, "ian")
	d.SetPlacement(p.ID, Placement{Kind: InGame, RoomID: uuid.New()})
	d.MarkOffline(p.ID)

	fired := make(chan struct{}, 1)
	d.ScheduleRemoval(p.ID, 10*time.Millisecond, func(uuid.UUID, Placement) {
		fired <- struct{}{}
	})

	select {
	case <-fired:
		t.Fatal("a seat in a live game must not be reaped by the grace timer")
	case <-time.After(100 * time.Millisecond):
	}
	_, ok := d.Get(p.ID)
	assert.True(t, ok)
}

func TestRestoreCancelsPendingRemoval(t *testing.T) {
	d := newTestDirectory()
	p := seed(d, "alireza")
	d.MarkOffline(p.ID)

	fired := make(chan struct{}, 1)
	d.ScheduleRemoval(p.ID, 20*time.Millisecond, func(uuid.UUID, Placement) {
		fired <- struct{}{}
	})
	_, _, ok := d.Restore(p.ID, uuid.New())
	require.True(t, ok)

	select {
	case <-fired:
		t.Fatal("reconnect should cancel the pending removal")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCancelRemoval(t *testing.T) {
	d := newTestDirectory()
	p := seed(d, "levon")
	d.MarkOffline(p.ID)

	assert.False(t, d.CancelRemoval(p.ID), "nothing scheduled yet")
	d.ScheduleRemoval(p.ID, time.Minute, nil)
	assert.True(t, d.CancelRemoval(p.ID))
	assert.False(t, d.CancelRemoval(p.ID))
}

func TestRemoveDropsParticipant(t *testing.T) {
	d := newTestDirectory()
	p := seed(d, "ding")
	d.Remove(p.ID)
	_, ok := d.Get(p.ID)
	assert.False(t, ok)
	assert.Equal(t, 0, d.Count())
}
