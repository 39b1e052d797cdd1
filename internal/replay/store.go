package replay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/haiprotocol/haip/internal/protocol"
	ctxerrors "github.com/haiprotocol/haip/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Store is the pluggable backend for replay-window storage, keyed by
// transaction id. The default is in-memory (one Buffer per transaction,
// owned by the transaction registry); a Redis-backed Store lets the
// *storage* of replay entries live outside process memory for deployments
// that want that durability without violating the single-owner-per-session
// model (spec.md Non-goals: no multi-node coordination of a session itself).
type Store interface {
	Insert(ctx context.Context, transactionID string, e *protocol.Envelope) error
	Range(ctx context.Context, transactionID string, fromSeq uint64, toSeq *uint64) ([]*protocol.Envelope, error)
}

// MemoryStore is the default Store, backed by one Buffer per transaction.
type MemoryStore struct {
	mu      sync.Mutex
	buffers map[string]*Buffer

	windowTime time.Duration
	windowSize int
}

// NewMemoryStore creates an in-memory Store with the given eviction
// thresholds (applied to every transaction's buffer).
func NewMemoryStore(windowTime time.Duration, windowSize int) *MemoryStore {
	return &MemoryStore{buffers: make(map[string]*Buffer), windowTime: windowTime, windowSize: windowSize}
}

func (s *MemoryStore) bufferFor(transactionID string) *Buffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buffers[transactionID]
	if !ok {
		b = New(s.windowTime, s.windowSize)
		s.buffers[transactionID] = b
	}
	return b
}

// Insert implements Store.
func (s *MemoryStore) Insert(_ context.Context, transactionID string, e *protocol.Envelope) error {
	return s.bufferFor(transactionID).Insert(e)
}

// Range implements Store.
func (s *MemoryStore) Range(_ context.Context, transactionID string, fromSeq uint64, toSeq *uint64) ([]*protocol.Envelope, error) {
	return s.bufferFor(transactionID).Range(fromSeq, toSeq)
}

// Drop removes a transaction's buffer entirely (on TRANSACTION_END).
func (s *MemoryStore) Drop(transactionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.buffers, transactionID)
}

// RedisStore stores replay entries in a Redis sorted set per transaction,
// scored by seq. Each insert resets the whole set's expiry to windowTime
// (entries do not expire individually); the set is trimmed to the
// windowSize most recent entries at the start of each Range call, not on
// insert. It is used only as an alternate storage backend; session
// ownership and dispatch remain single-process.
type RedisStore struct {
	client     *redis.Client
	windowTime time.Duration
	windowSize int64
}

// NewRedisStore creates a Redis-backed Store.
func NewRedisStore(client *redis.Client, windowTime time.Duration, windowSize int64) *RedisStore {
	if windowTime <= 0 {
		windowTime = DefaultWindowTime
	}
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	return &RedisStore{client: client, windowTime: windowTime, windowSize: windowSize}
}

func replayKey(transactionID string) string {
	return "haip:replay:" + transactionID
}

// Insert implements Store.
func (s *RedisStore) Insert(ctx context.Context, transactionID string, e *protocol.Envelope) error {
	seq, err := e.Seq()
	if err != nil {
		return err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return ctxerrors.New("replay.redis", "Insert", err).WithDetails(map[string]any{"transaction": transactionID})
	}

	key := replayKey(transactionID)
	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(seq), Member: data})
	pipe.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("(%d", cutoffSeqFloor(seq, s.windowSize)))
	pipe.Expire(ctx, key, s.windowTime)
	if _, err := pipe.Exec(ctx); err != nil {
		return ctxerrors.New("replay.redis", "Insert", err).WithDetails(map[string]any{"transaction": transactionID})
	}
	return nil
}

// cutoffSeqFloor is a placeholder no-op bound: it always returns a value
// below any real seq, so the ZREMRANGEBYSCORE in Insert removes nothing and
// never drops entries when seqs are sparse. Count eviction is done by seq
// rank instead, via ZREMRANGEBYRANK at the start of Range.
func cutoffSeqFloor(_ uint64, _ int64) int64 { return -1 }

// Range implements Store.
func (s *RedisStore) Range(ctx context.Context, transactionID string, fromSeq uint64, toSeq *uint64) ([]*protocol.Envelope, error) {
	key := replayKey(transactionID)

	// Trim to windowSize most-recent entries before reading, mirroring the
	// in-memory Buffer's count eviction.
	total, err := s.client.ZCard(ctx, key).Result()
	if err == nil && total > s.windowSize {
		_ = s.client.ZRemRangeByRank(ctx, key, 0, total-s.windowSize-1).Err()
	}

	min := fmt.Sprintf("%d", fromSeq)
	max := "+inf"
	if toSeq != nil {
		max = fmt.Sprintf("%d", *toSeq)
	}

	members, err := s.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: min, Max: max}).Result()
	if err != nil {
		return nil, ctxerrors.New("replay.redis", "Range", err).WithDetails(map[string]any{"transaction": transactionID})
	}

	if len(members) == 0 {
		// Distinguish "nothing in range" from "range already evicted":
		// if the set is non-empty but its minimum score exceeds fromSeq
		// was requested from before that minimum, report ErrTooOld.
		lowest, zerr := s.client.ZRangeWithScores(ctx, key, 0, 0).Result()
		if zerr == nil && len(lowest) > 0 && uint64(lowest[0].Score) > fromSeq && fromSeq > 0 {
			return nil, ErrTooOld
		}
		return nil, nil
	}

	out := make([]*protocol.Envelope, 0, len(members))
	for _, m := range members {
		var e protocol.Envelope
		if err := json.Unmarshal([]byte(m), &e); err != nil {
			return nil, ctxerrors.New("replay.redis", "Range", err).WithDetails(map[string]any{"transaction": transactionID})
		}
		out = append(out, &e)
	}
	return out, nil
}
