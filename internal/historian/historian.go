// internal/historian/historian.go

// Package historian drains the move journal queue from Redis and persists it
// to Postgres in batches. It runs as its own process so a database stall never
// backs up into live games; the queue absorbs the difference.
package historian

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/mwhitaker/gambit/internal/cache"
	"github.com/mwhitaker/gambit/internal/database"
)

// Service couples the Redis reader with the batched Postgres writer and the
// inactivity sweep that marks orphaned games abandoned.
type Service struct {
	rdb        *redis.Client
	queue      string
	batchSize  int
	flushDelay time.Duration
	inactivity time.Duration

	// writeBatch is the persistence sink for a drained batch.
	writeBatch func(ctx context.Context, batch []cache.MoveRecord) error

	mu       sync.Mutex
	batch    []cache.MoveRecord
	lastMove map[uuid.UUID]time.Time

	logger *logrus.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

// New builds a Service from environment variables:
//   - REDIS_ADDR (default "localhost:6379"), REDIS_DB
//   - HISTORIAN_QUEUE_NAME (default cache.DefaultQueueName)
//   - HISTORIAN_BATCH_SIZE (default 50)
//   - HISTORIAN_FLUSH_MS (default 500)
//   - GAME_INACTIVITY_TIMEOUT_SEC (default 600)
func New(logger *logrus.Logger) *Service {
	rdb := redis.NewClient(&redis.Options{
		Addr: getEnv("REDIS_ADDR", "localhost:6379"),
		DB:   getEnvInt("REDIS_DB", 0),
	})

	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		rdb:        rdb,
		queue:      getEnv("HISTORIAN_QUEUE_NAME", cache.DefaultQueueName),
		batchSize:  getEnvInt("HISTORIAN_BATCH_SIZE", 50),
		flushDelay: time.Duration(getEnvInt("HISTORIAN_FLUSH_MS", 500)) * time.Millisecond,
		inactivity: time.Duration(getEnvInt("GAME_INACTIVITY_TIMEOUT_SEC", 600)) * time.Second,
		writeBatch: writeBatchToDB,
		batch:      make([]cache.MoveRecord, 0, 50),
		lastMove:   make(map[uuid.UUID]time.Time),
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Run starts the reader and the inactivity sweep, then blocks until Stop.
// A final flush drains whatever the batch still holds.
func (s *Service) Run() {
	go s.readLoop()
	go s.inactivityLoop()

	s.logger.Infof("historian started, draining queue %q", s.queue)
	<-s.ctx.Done()
	s.Flush()
	s.logger.Info("historian shut down")
}

// Stop cancels the loops. Run returns after the final flush.
func (s *Service) Stop() {
	s.cancel()
}

// readLoop pops journal records off the queue, batching them for the writer.
// The pop timeout keeps the loop responsive to both the flush ticker and
// cancellation.
func (s *Service) readLoop() {
	ticker := time.NewTicker(s.flushDelay)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.Flush()
		default:
			res, err := s.rdb.BLPop(s.ctx, 3*time.Second, s.queue).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) || s.ctx.Err() != nil {
					continue
				}
				s.logger.Warnf("BLPop: %v", err)
				continue
			}
			if len(res) < 2 {
				continue
			}

			var rec cache.MoveRecord
			if err := json.Unmarshal([]byte(res[1]), &rec); err != nil {
				s.logger.Warnf("dropping invalid move record: %v", err)
				continue
			}
			s.enqueue(rec)
		}
	}
}

// enqueue adds a record to the batch and flushes once the batch is full. The
// write itself happens outside the lock.
func (s *Service) enqueue(rec cache.MoveRecord) {
	s.mu.Lock()
	s.lastMove[rec.GameID] = time.Now()
	s.batch = append(s.batch, rec)
	var full []cache.MoveRecord
	if len(s.batch) >= s.batchSize {
		full = s.takeBatchLocked()
	}
	s.mu.Unlock()

	if full != nil {
		s.write(full)
	}
}

// Flush drains whatever the batch currently holds.
func (s *Service) Flush() {
	s.mu.Lock()
	b := s.takeBatchLocked()
	s.mu.Unlock()
	if b != nil {
		s.write(b)
	}
}

func (s *Service) takeBatchLocked() []cache.MoveRecord {
	if len(s.batch) == 0 {
		return nil
	}
	out := make([]cache.MoveRecord, len(s.batch))
	copy(out, s.batch)
	s.batch = s.batch[:0]
	return out
}

func (s *Service) write(batch []cache.MoveRecord) {
	// Background context: a shutdown flush still gets to finish.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.writeBatch(ctx, batch); err != nil {
		s.logger.Errorf("failed to persist %d moves: %v", len(batch), err)
		return
	}
	s.logger.Debugf("persisted %d moves", len(batch))
}

// inactivityLoop periodically reaps games that stopped journaling moves. A
// game the server finalized normally is untouched; the status guard in
// markAbandoned only catches rows orphaned by a server crash.
func (s *Service) inactivityLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			for _, gameID := range s.takeStale(time.Now()) {
				s.markAbandoned(gameID)
			}
		}
	}
}

// takeStale returns the games whose last journaled move is older than the
// inactivity threshold and stops tracking them.
func (s *Service) takeStale(now time.Time) []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stale []uuid.UUID
	for gameID, last := range s.lastMove {
		if now.Sub(last) > s.inactivity {
			stale = append(stale, gameID)
			delete(s.lastMove, gameID)
		}
	}
	return stale
}

func (s *Service) markAbandoned(gameID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	q := `
		UPDATE games
		SET status='abandoned', end_time=NOW()
		WHERE id=$1 AND status='in_progress'
	`
	err := pgx.BeginTxFunc(ctx, database.DB, pgx.TxOptions{}, func(tx pgx.Tx) error {
		_, e := tx.Exec(ctx, q, gameID)
		return e
	})
	if err != nil {
		s.logger.Warnf("failed to mark game %s abandoned: %v", gameID, err)
		return
	}
	s.logger.Infof("marked game %s abandoned after %s without moves", gameID, s.inactivity)
}

// writeBatchToDB lands one batch in a single transaction.
func writeBatchToDB(ctx context.Context, batch []cache.MoveRecord) error {
	return pgx.BeginTxFunc(ctx, database.DB, pgx.TxOptions{}, func(tx pgx.Tx) error {
		for _, rec := range batch {
			if err := insertMoveTx(ctx, tx, rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// insertMoveTx records one move. The games row is created minimally if the
// server's richer upsert has not landed yet; never downgraded if it has. The
// queue is at-least-once, so replays collapse on the move index.
func insertMoveTx(ctx context.Context, tx pgx.Tx, rec cache.MoveRecord) error {
	ensureGameQ := `
		INSERT INTO games (id, status, start_time)
		VALUES ($1, 'in_progress', NOW())
		ON CONFLICT (id) DO NOTHING
	`
	if _, err := tx.Exec(ctx, ensureGameQ, rec.GameID); err != nil {
		return err
	}

	insertMoveQ := `
		INSERT INTO game_moves (
			game_id, move_index, player_id, uci, san, fen,
			white_time_ms, black_time_ms, played_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, to_timestamp($9 / 1000.0))
		ON CONFLICT (game_id, move_index) DO NOTHING
	`
	_, err := tx.Exec(ctx, insertMoveQ,
		rec.GameID, rec.MoveIndex, rec.PlayerID, rec.UCI, rec.SAN, rec.FEN,
		rec.WhiteTimeMs, rec.BlackTimeMs, rec.Timestamp,
	)
	return err
}

func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}
