// internal/historian/historian_test.go
package historian

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mwhitaker/gambit/internal/cache"
)

// newTestService wires the batch sink to an in-memory recorder so batching
// behavior is observable without Redis or Postgres.
func newTestService(batchSize int) (*Service, *[][]cache.MoveRecord) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	s := New(logger)
	s.batchSize = batchSize

	var writes [][]cache.MoveRecord
	s.writeBatch = func(_ context.Context, batch []cache.MoveRecord) error {
		cp := make([]cache.MoveRecord, len(batch))
		copy(cp, batch)
		writes = append(writes, cp)
		return nil
	}
	return s, &writes
}

func record(idx int) cache.MoveRecord {
	return cache.MoveRecord{
		GameID:    uuid.New(),
		MoveIndex: idx,
		PlayerID:  uuid.New(),
		UCI:       "e2e4",
		SAN:       "e4",
		FEN:       "rnbqkbnr/pppppppp/8/8/4P3/8/PPPP1PPP/RNBQKBNR b KQkq - 0 1",
		Timestamp: time.Now().UnixMilli(),
	}
}

func TestBatchFlushesAtThreshold(t *testing.T) {
	s, writes := newTestService(3)

	s.enqueue(record(1))
	s.enqueue(record(2))
	assert.Empty(t, *writes, "below the threshold nothing is written")

	s.enqueue(record(3))
	require.Len(t, *writes, 1)
	batch := (*writes)[0]
	require.Len(t, batch, 3)
	assert.Equal(t, 1, batch[0].MoveIndex)
	assert.Equal(t, 3, batch[2].MoveIndex, "records keep arrival order")
}

func TestFlushDrainsPartialBatch(t *testing.T) {
	s, writes := newTestService(100)

	s.enqueue(record(1))
	s.enqueue(record(2))
	s.Flush()
	require.Len(t, *writes, 1)
	assert.Len(t, (*writes)[0], 2)

	s.Flush()
	assert.Len(t, *writes, 1, "an empty batch does not produce a write")
}

func TestEnqueueTracksGameActivity(t *testing.T) {
	s, _ := newTestService(100)
	rec := record(1)

	s.enqueue(rec)

	s.mu.Lock()
	_, tracked := s.lastMove[rec.GameID]
	s.mu.Unlock()
	assert.True(t, tracked)
}

func TestStaleSelectionRespectsThreshold(t *testing.T) {
	s, _ := newTestService(100)
	s.inactivity = 10 * time.Minute

	now := time.Now()
	quiet := uuid.New()
	active := uuid.New()
	s.mu.Lock()
	s.lastMove[quiet] = now.Add(-11 * time.Minute)
	s.lastMove[active] = now.Add(-1 * time.Minute)
	s.mu.Unlock()

	stale := s.takeStale(now)
	require.Len(t, stale, 1)
	assert.Equal(t, quiet, stale[0])

	s.mu.Lock()
	_, quietTracked := s.lastMove[quiet]
	_, activeTracked := s.lastMove[active]
	s.mu.Unlock()
	assert.False(t, quietTracked, "reaped games stop being tracked")
	assert.True(t, activeTracked)

	assert.Empty(t, s.takeStale(now), "a second sweep finds nothing new")
}
