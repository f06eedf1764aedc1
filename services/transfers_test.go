package services

import (
	"context"
	"testing"
	"time"

	"github.com/Yulian302/lfusys-services-routes/apperror"
	"github.com/Yulian302/lfusys-services-routes/chunking"
	"github.com/Yulian302/lfusys-services-routes/codec"
	logger "github.com/Yulian302/lfusys-services-routes/logging"
	"github.com/Yulian302/lfusys-services-routes/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startAndSplit(t *testing.T, f *fixture, payload []byte, chunkSize int, compressed bool) (string, [][]byte) {
	t.Helper()

	chunks, err := chunking.Split(payload, chunkSize)
	require.NoError(t, err)

	session, err := f.transfers.Start(context.Background(), models.StartSessionRequest{
		TotalChunks:  len(chunks),
		TotalSize:    int64(len(payload)),
		IsCompressed: compressed,
	})
	require.NoError(t, err)
	require.NotEmpty(t, session.TargetDocumentID)

	return session.SessionID, chunks
}

func TestTransferService_CompletionRequiresAllChunks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	payload := []byte(`{"name":"three chunks","description":"split across the wire"}`)
	sessionID, chunks := startAndSplit(t, f, payload, 24, false)
	require.Len(t, chunks, 3)
	last := len(chunks) - 1

	for i := 0; i < last; i++ {
		require.NoError(t, f.transfers.UploadChunk(ctx, models.UploadChunkRequest{SessionID: sessionID, ChunkIndex: i, Data: chunks[i]}))
	}

	_, err := f.transfers.Complete(ctx, sessionID)
	missing, ok := apperror.MissingChunks(err)
	require.True(t, ok, "expected an incomplete session, got %v", err)
	assert.Equal(t, []int{last}, missing)

	// still there, nothing has to be resent
	status, err := f.transfers.Status(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, status.ReceivedChunks)

	require.NoError(t, f.transfers.UploadChunk(ctx, models.UploadChunkRequest{SessionID: sessionID, ChunkIndex: last, Data: chunks[last]}))

	res, err := f.transfers.Complete(ctx, sessionID)
	require.NoError(t, err)

	got, err := f.documents.Get(ctx, res.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, "three chunks", got.Document.Name)

	_, err = f.transfers.Status(ctx, sessionID)
	require.ErrorIs(t, err, apperror.ErrSessionNotFound)

	// a repeated completion answers with what the first one wrote
	again, err := f.transfers.Complete(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, res, again)

	view, err := f.documents.Get(ctx, res.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, res.Revision, view.Revision)
}

func TestTransferService_CompressedOutOfOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	doc := randomRoute(7, 8<<10)
	payload, err := codec.Encode(mustJSON(t, doc))
	require.NoError(t, err)

	sessionID, chunks := startAndSplit(t, f, payload, 1024, true)
	for i := len(chunks) - 1; i >= 0; i-- {
		require.NoError(t, f.transfers.UploadChunk(ctx, models.UploadChunkRequest{SessionID: sessionID, ChunkIndex: i, Data: chunks[i]}))
	}
	// a resent chunk changes nothing
	require.NoError(t, f.transfers.UploadChunk(ctx, models.UploadChunkRequest{SessionID: sessionID, ChunkIndex: 0, Data: chunks[0]}))

	res, err := f.transfers.Complete(ctx, sessionID)
	require.NoError(t, err)

	got, err := f.documents.Get(ctx, res.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, doc.Geometry, got.Document.Geometry)

	stored, err := f.docs.Get(ctx, res.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, codec.EncodingIdentity, stored.Encoding)
}

func TestTransferService_SizeMismatchKeepsSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	session, err := f.transfers.Start(ctx, models.StartSessionRequest{TotalChunks: 1, TotalSize: 100})
	require.NoError(t, err)
	require.NoError(t, f.transfers.UploadChunk(ctx, models.UploadChunkRequest{SessionID: session.SessionID, Data: []byte(`{"name":"short"}`)}))

	_, err = f.transfers.Complete(ctx, session.SessionID)
	require.ErrorIs(t, err, apperror.ErrSizeMismatch)

	_, err = f.transfers.Status(ctx, session.SessionID)
	require.NoError(t, err)
}

func TestTransferService_UpdateOfMissingDocumentKeepsSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	payload := []byte(`{"name":"update"}`)
	session, err := f.transfers.Start(ctx, models.StartSessionRequest{
		TargetDocumentID: "nope", IsUpdate: true, TotalChunks: 1, TotalSize: int64(len(payload)),
	})
	require.NoError(t, err)
	require.NoError(t, f.transfers.UploadChunk(ctx, models.UploadChunkRequest{SessionID: session.SessionID, Data: payload}))

	_, err = f.transfers.Complete(ctx, session.SessionID)
	require.ErrorIs(t, err, apperror.ErrDocumentNotFound)

	_, err = f.transfers.Status(ctx, session.SessionID)
	require.NoError(t, err)
}

func TestTransferService_Validation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.transfers.Start(ctx, models.StartSessionRequest{TotalChunks: 0, TotalSize: 10})
	require.ErrorIs(t, err, apperror.ErrInvalidArgument)
	_, err = f.transfers.Start(ctx, models.StartSessionRequest{TotalChunks: 1, TotalSize: 0})
	require.ErrorIs(t, err, apperror.ErrInvalidArgument)
	_, err = f.transfers.Start(ctx, models.StartSessionRequest{TotalChunks: 1, TotalSize: 1, IsUpdate: true})
	require.ErrorIs(t, err, apperror.ErrInvalidArgument)

	session, err := f.transfers.Start(ctx, models.StartSessionRequest{TotalChunks: 2, TotalSize: 2})
	require.NoError(t, err)

	err = f.transfers.UploadChunk(ctx, models.UploadChunkRequest{SessionID: session.SessionID, ChunkIndex: 2, Data: []byte("x")})
	require.ErrorIs(t, err, apperror.ErrChunkIndexOutOfRange)
	err = f.transfers.UploadChunk(ctx, models.UploadChunkRequest{SessionID: session.SessionID, ChunkIndex: 0})
	require.ErrorIs(t, err, apperror.ErrInvalidArgument)
	err = f.transfers.UploadChunk(ctx, models.UploadChunkRequest{SessionID: "unknown", ChunkIndex: 0, Data: []byte("x")})
	require.ErrorIs(t, err, apperror.ErrSessionNotFound)

	_, err = f.transfers.Complete(ctx, "unknown")
	require.ErrorIs(t, err, apperror.ErrSessionNotFound)
}

func TestTransferService_RejectsOversizedChunks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	transfers := NewTransferServiceImpl(f.sessions, f.documents, time.Hour, 16, logger.NewNopLogger())

	session, err := transfers.Start(ctx, models.StartSessionRequest{TotalChunks: 2, TotalSize: 33})
	require.NoError(t, err)

	err = transfers.UploadChunk(ctx, models.UploadChunkRequest{SessionID: session.SessionID, ChunkIndex: 0, Data: make([]byte, 17)})
	require.ErrorIs(t, err, apperror.ErrInvalidArgument)
	require.NoError(t, transfers.UploadChunk(ctx, models.UploadChunkRequest{SessionID: session.SessionID, ChunkIndex: 0, Data: make([]byte, 16)}))
}
