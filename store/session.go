package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/Yulian302/lfusys-services-routes/apperror"
	"github.com/Yulian302/lfusys-services-routes/chunking"
	"github.com/Yulian302/lfusys-services-routes/health"
	logger "github.com/Yulian302/lfusys-services-routes/logging"
	"github.com/Yulian302/lfusys-services-routes/models"
	"github.com/Yulian302/lfusys-services-routes/retries"
	"github.com/redis/go-redis/v9"
)

const sessionKeyPrefix = "chunked:session:"

type SessionStore interface {
	CreateSession(ctx context.Context, session models.TransferSession, ttl time.Duration) error
	PutChunk(ctx context.Context, sessionID string, index int, data []byte) error
	GetSession(ctx context.Context, sessionID string) (*models.TransferSession, error)
	GetStatus(ctx context.Context, sessionID string) (*models.SessionStatus, error)
	Finish(ctx context.Context, sessionID string, result models.SaveResult, ttl time.Duration) error
	GetResult(ctx context.Context, sessionID string) (*models.SaveResult, error)
	Delete(ctx context.Context, sessionID string) error

	health.ReadinessCheck
}

// SessionStoreImpl keeps the session metadata in one redis hash and the
// chunks in a second hash keyed by index, both expiring together.
type SessionStoreImpl struct {
	client redis.UniversalClient
	logger logger.Logger
}

func NewSessionStoreImpl(client redis.UniversalClient, l logger.Logger) *SessionStoreImpl {
	return &SessionStoreImpl{
		client: client,
		logger: l,
	}
}

func metaKey(sessionID string) string   { return sessionKeyPrefix + sessionID }
func chunksKey(sessionID string) string { return sessionKeyPrefix + sessionID + ":chunks" }
func resultKey(sessionID string) string { return sessionKeyPrefix + sessionID + ":result" }

// putChunkScript stores one chunk iff the session exists and the index is in
// range, then aligns the chunk hash expiry with the session's.
var putChunkScript = redis.NewScript(`
local total = redis.call('HGET', KEYS[1], 'total_chunks')
if not total then
	return -1
end
local idx = tonumber(ARGV[1])
if idx < 0 or idx >= tonumber(total) then
	return -2
end
redis.call('HSET', KEYS[2], ARGV[1], ARGV[2])
local ttl = redis.call('PTTL', KEYS[1])
if ttl > 0 then
	redis.call('PEXPIRE', KEYS[2], ttl)
end
return 1
`)

func (s *SessionStoreImpl) IsReady(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()

	return retries.Retry(
		ctx,
		retries.HealthAttempts,
		retries.HealthBaseDelay,
		func() error {
			return s.client.Ping(ctx).Err()
		},
		retries.IsRetriableRedisError,
	)
}

func (s *SessionStoreImpl) Name() string {
	return "SessionStore[redis]"
}

func (s *SessionStoreImpl) CreateSession(ctx context.Context, session models.TransferSession, ttl time.Duration) error {
	if session.SessionID == "" {
		return apperror.InvalidArgument("session id is required")
	}
	if session.TotalChunks <= 0 || session.TotalSize <= 0 {
		return apperror.InvalidArgument("total chunks and total size must be positive")
	}

	key := metaKey(session.SessionID)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"target_document_id", session.TargetDocumentID,
			"total_chunks", session.TotalChunks,
			"total_size", session.TotalSize,
			"is_update", strconv.FormatBool(session.IsUpdate),
			"is_compressed", strconv.FormatBool(session.IsCompressed),
			"expected_revision", session.ExpectedRevision,
			"created_at", session.CreatedAt.UTC().Format(time.RFC3339Nano),
			"expires_at", session.ExpiresAt.UTC().Format(time.RFC3339Nano),
		)
		pipe.Expire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("create session %s: %w", session.SessionID, err)
	}

	s.logger.Debug("upload session created", "session_id", session.SessionID, "total_chunks", session.TotalChunks, "ttl", ttl)
	return nil
}

// PutChunk stores or overwrites a chunk. Sending the same chunk twice leaves
// the session exactly as sending it once.
func (s *SessionStoreImpl) PutChunk(ctx context.Context, sessionID string, index int, data []byte) error {
	var res int64
	err := retries.Retry(
		ctx,
		retries.DefaultAttempts,
		retries.DefaultBaseDelay,
		func() error {
			var err error
			res, err = putChunkScript.Run(ctx, s.client, []string{metaKey(sessionID), chunksKey(sessionID)}, index, data).Int64()
			return err
		},
		retries.IsRetriableRedisError,
	)
	if err != nil {
		return fmt.Errorf("put chunk %d of %s: %w", index, sessionID, err)
	}

	switch res {
	case -1:
		return apperror.ErrSessionNotFound
	case -2:
		return fmt.Errorf("%w: index %d", apperror.ErrChunkIndexOutOfRange, index)
	}
	return nil
}

func (s *SessionStoreImpl) loadMeta(ctx context.Context, sessionID string) (*models.TransferSession, error) {
	fields, err := s.client.HGetAll(ctx, metaKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	if len(fields) == 0 {
		return nil, apperror.ErrSessionNotFound
	}

	session := models.TransferSession{
		SessionID:        sessionID,
		TargetDocumentID: fields["target_document_id"],
	}

	var errs []error
	parseInt := func(name string) int64 {
		v, err := strconv.ParseInt(fields[name], 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
		return v
	}
	parseTime := func(name string) time.Time {
		v, err := time.Parse(time.RFC3339Nano, fields[name])
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
		return v
	}

	session.TotalChunks = int(parseInt("total_chunks"))
	session.TotalSize = parseInt("total_size")
	session.ExpectedRevision = parseInt("expected_revision")
	session.IsUpdate = fields["is_update"] == "true"
	session.IsCompressed = fields["is_compressed"] == "true"
	session.CreatedAt = parseTime("created_at")
	session.ExpiresAt = parseTime("expires_at")

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("session %s contains invalid metadata: %w", sessionID, err)
	}
	return &session, nil
}

// GetSession loads the session together with every chunk received so far.
func (s *SessionStoreImpl) GetSession(ctx context.Context, sessionID string) (*models.TransferSession, error) {
	session, err := s.loadMeta(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	raw, err := s.client.HGetAll(ctx, chunksKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("load chunks of %s: %w", sessionID, err)
	}

	session.ReceivedChunks = make(map[int][]byte, len(raw))
	for k, v := range raw {
		idx, err := strconv.Atoi(k)
		if err != nil {
			s.logger.Warn("ignoring malformed chunk field", "session_id", sessionID, "field", k)
			continue
		}
		session.ReceivedChunks[idx] = []byte(v)
	}

	return session, nil
}

func (s *SessionStoreImpl) GetStatus(ctx context.Context, sessionID string) (*models.SessionStatus, error) {
	session, err := s.loadMeta(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	fields, err := s.client.HKeys(ctx, chunksKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list chunks of %s: %w", sessionID, err)
	}

	received := make(map[int]struct{}, len(fields))
	indices := make([]int, 0, len(fields))
	for _, f := range fields {
		idx, err := strconv.Atoi(f)
		if err != nil {
			continue
		}
		received[idx] = struct{}{}
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	var progress uint8
	if session.TotalChunks > 0 {
		progressFloat := float64(len(indices)) / float64(session.TotalChunks) * 100
		if progressFloat > 100 {
			progressFloat = 100
		}
		progress = uint8(progressFloat)
	}

	return &models.SessionStatus{
		SessionID:      sessionID,
		TotalChunks:    session.TotalChunks,
		ReceivedChunks: indices,
		MissingChunks:  chunking.Missing(received, session.TotalChunks),
		Progress:       progress,
	}, nil
}

// Finish replaces the session and its chunks with the outcome of the
// completion, kept for ttl so a client retrying a completion whose response
// was lost gets the same result instead of SessionNotFound.
func (s *SessionStoreImpl) Finish(ctx context.Context, sessionID string, result models.SaveResult, ttl time.Duration) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode result of %s: %w", sessionID, err)
	}

	return retries.Retry(
		ctx,
		retries.DefaultAttempts,
		retries.DefaultBaseDelay,
		func() error {
			_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, resultKey(sessionID), raw, ttl)
				pipe.Del(ctx, metaKey(sessionID), chunksKey(sessionID))
				return nil
			})
			return err
		},
		retries.IsRetriableRedisError,
	)
}

// GetResult returns what a finished session wrote, or ErrSessionNotFound.
func (s *SessionStoreImpl) GetResult(ctx context.Context, sessionID string) (*models.SaveResult, error) {
	raw, err := s.client.Get(ctx, resultKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, apperror.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load result of %s: %w", sessionID, err)
	}

	var result models.SaveResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("result of %s is corrupt: %w", sessionID, err)
	}
	return &result, nil
}

func (s *SessionStoreImpl) Delete(ctx context.Context, sessionID string) error {
	return retries.Retry(
		ctx,
		retries.DefaultAttempts,
		retries.DefaultBaseDelay,
		func() error {
			return s.client.Del(ctx, metaKey(sessionID), chunksKey(sessionID)).Err()
		},
		retries.IsRetriableRedisError,
	)
}
