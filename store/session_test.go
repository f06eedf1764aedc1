package store

import (
	"context"
	"testing"
	"time"

	"github.com/Yulian302/lfusys-services-routes/apperror"
	logger "github.com/Yulian302/lfusys-services-routes/logging"
	"github.com/Yulian302/lfusys-services-routes/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSession(id string, totalChunks int) models.TransferSession {
	now := time.Now().UTC()
	return models.TransferSession{
		SessionID:        id,
		TargetDocumentID: "doc-" + id,
		TotalChunks:      totalChunks,
		TotalSize:        int64(totalChunks * 4),
		IsUpdate:         true,
		IsCompressed:     true,
		CreatedAt:        now,
		ExpiresAt:        now.Add(time.Hour),
	}
}

func TestSessionStore_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	client, _ := newTestRedis(t)
	s := NewSessionStoreImpl(client, logger.NewNopLogger())

	in := newSession("s1", 3)
	require.NoError(t, s.CreateSession(ctx, in, time.Hour))

	out, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)

	assert.Equal(t, in.TargetDocumentID, out.TargetDocumentID)
	assert.Equal(t, 3, out.TotalChunks)
	assert.Equal(t, int64(12), out.TotalSize)
	assert.True(t, out.IsUpdate)
	assert.True(t, out.IsCompressed)
	assert.True(t, in.CreatedAt.Equal(out.CreatedAt))
	assert.Empty(t, out.ReceivedChunks)
}

func TestSessionStore_CreateRejectsEmptySessions(t *testing.T) {
	ctx := context.Background()
	client, _ := newTestRedis(t)
	s := NewSessionStoreImpl(client, logger.NewNopLogger())

	err := s.CreateSession(ctx, newSession("s0", 0), time.Hour)
	require.ErrorIs(t, err, apperror.ErrInvalidArgument)

	bad := newSession("s0", 2)
	bad.TotalSize = 0
	require.ErrorIs(t, s.CreateSession(ctx, bad, time.Hour), apperror.ErrInvalidArgument)
}

func TestSessionStore_PutChunkValidates(t *testing.T) {
	ctx := context.Background()
	client, _ := newTestRedis(t)
	s := NewSessionStoreImpl(client, logger.NewNopLogger())

	require.ErrorIs(t, s.PutChunk(ctx, "missing", 0, []byte("x")), apperror.ErrSessionNotFound)

	require.NoError(t, s.CreateSession(ctx, newSession("s2", 2), time.Hour))
	require.ErrorIs(t, s.PutChunk(ctx, "s2", 2, []byte("x")), apperror.ErrChunkIndexOutOfRange)
	require.ErrorIs(t, s.PutChunk(ctx, "s2", -1, []byte("x")), apperror.ErrChunkIndexOutOfRange)
}

func TestSessionStore_PutChunkIsIdempotent(t *testing.T) {
	ctx := context.Background()
	client, _ := newTestRedis(t)
	s := NewSessionStoreImpl(client, logger.NewNopLogger())

	require.NoError(t, s.CreateSession(ctx, newSession("s3", 2), time.Hour))

	require.NoError(t, s.PutChunk(ctx, "s3", 1, []byte("\x00\x01bin")))
	once, err := s.GetSession(ctx, "s3")
	require.NoError(t, err)

	require.NoError(t, s.PutChunk(ctx, "s3", 1, []byte("\x00\x01bin")))
	twice, err := s.GetSession(ctx, "s3")
	require.NoError(t, err)

	assert.Equal(t, once, twice)
	assert.Equal(t, map[int][]byte{1: []byte("\x00\x01bin")}, twice.ReceivedChunks)
}

func TestSessionStore_OutOfOrderChunksAndStatus(t *testing.T) {
	ctx := context.Background()
	client, _ := newTestRedis(t)
	s := NewSessionStoreImpl(client, logger.NewNopLogger())

	require.NoError(t, s.CreateSession(ctx, newSession("s4", 4), time.Hour))
	require.NoError(t, s.PutChunk(ctx, "s4", 3, []byte("dddd")))
	require.NoError(t, s.PutChunk(ctx, "s4", 0, []byte("aaaa")))

	status, err := s.GetStatus(ctx, "s4")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 3}, status.ReceivedChunks)
	assert.Equal(t, []int{1, 2}, status.MissingChunks)
	assert.Equal(t, uint8(50), status.Progress)
}

func TestSessionStore_ExpiresTogether(t *testing.T) {
	ctx := context.Background()
	client, mr := newTestRedis(t)
	s := NewSessionStoreImpl(client, logger.NewNopLogger())

	require.NoError(t, s.CreateSession(ctx, newSession("s5", 2), time.Minute))
	require.NoError(t, s.PutChunk(ctx, "s5", 0, []byte("aaaa")))

	assert.Greater(t, mr.TTL(chunksKey("s5")), time.Duration(0))

	mr.FastForward(2 * time.Minute)

	_, err := s.GetSession(ctx, "s5")
	require.ErrorIs(t, err, apperror.ErrSessionNotFound)
	assert.False(t, mr.Exists(chunksKey("s5")))
	require.ErrorIs(t, s.PutChunk(ctx, "s5", 1, []byte("bbbb")), apperror.ErrSessionNotFound)
}

func TestSessionStore_FinishKeepsResult(t *testing.T) {
	ctx := context.Background()
	client, mr := newTestRedis(t)
	s := NewSessionStoreImpl(client, logger.NewNopLogger())

	_, err := s.GetResult(ctx, "s7")
	require.ErrorIs(t, err, apperror.ErrSessionNotFound)

	require.NoError(t, s.CreateSession(ctx, newSession("s7", 1), time.Hour))
	require.NoError(t, s.PutChunk(ctx, "s7", 0, []byte("aaaa")))
	require.NoError(t, s.Finish(ctx, "s7", models.SaveResult{DocumentID: "d7", Revision: 3}, time.Minute))

	assert.Equal(t, []string{resultKey("s7")}, mr.Keys())
	_, err = s.GetSession(ctx, "s7")
	require.ErrorIs(t, err, apperror.ErrSessionNotFound)

	res, err := s.GetResult(ctx, "s7")
	require.NoError(t, err)
	assert.Equal(t, &models.SaveResult{DocumentID: "d7", Revision: 3}, res)

	mr.FastForward(2 * time.Minute)
	_, err = s.GetResult(ctx, "s7")
	require.ErrorIs(t, err, apperror.ErrSessionNotFound)
}

func TestSessionStore_Delete(t *testing.T) {
	ctx := context.Background()
	client, mr := newTestRedis(t)
	s := NewSessionStoreImpl(client, logger.NewNopLogger())

	require.NoError(t, s.CreateSession(ctx, newSession("s6", 1), time.Hour))
	require.NoError(t, s.PutChunk(ctx, "s6", 0, []byte("aaaa")))
	require.NoError(t, s.Delete(ctx, "s6"))

	assert.Empty(t, mr.Keys())
	require.NoError(t, s.IsReady(ctx))
}
