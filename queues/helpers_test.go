package queues

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/Yulian302/lfusys-services-routes/caching"
	"github.com/Yulian302/lfusys-services-routes/config"
	logger "github.com/Yulian302/lfusys-services-routes/logging"
	"github.com/Yulian302/lfusys-services-routes/models"
	"github.com/Yulian302/lfusys-services-routes/services"
	"github.com/Yulian302/lfusys-services-routes/store"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type harness struct {
	transfers *services.TransferServiceImpl
	documents *services.DocumentServiceImpl
	jobs      *services.JobServiceImpl
	worker    *CompletionWorker
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	l := logger.NewNopLogger()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	docs, err := store.NewBoltDocumentStore(filepath.Join(t.TempDir(), "routes.db"), l)
	require.NoError(t, err)
	t.Cleanup(func() { docs.Shutdown(context.Background()) })

	documents := services.NewDocumentServiceImpl(docs, caching.NewRedisCachingService(client, l), l)
	transfers := services.NewTransferServiceImpl(store.NewSessionStoreImpl(client, l), documents, time.Hour, config.DefaultChunkSize, l)
	jobs := services.NewJobServiceImpl(store.NewJobStoreImpl(client, l), time.Hour, l)

	return &harness{
		transfers: transfers,
		documents: documents,
		jobs:      jobs,
		worker:    NewCompletionWorker(transfers, jobs, l),
	}
}

// uploadedSession starts a one-chunk session holding payload, and a job
// for its completion.
func (h *harness) uploadedSession(t *testing.T, payload []byte, jobID string) models.CompletionRequestedEvent {
	t.Helper()
	ctx := context.Background()

	session, err := h.transfers.Start(ctx, models.StartSessionRequest{TotalChunks: 1, TotalSize: int64(len(payload))})
	require.NoError(t, err)
	require.NoError(t, h.transfers.UploadChunk(ctx, models.UploadChunkRequest{SessionID: session.SessionID, Data: payload}))

	_, err = h.jobs.Create(ctx, jobID, map[string]string{"sessionId": session.SessionID})
	require.NoError(t, err)

	return models.CompletionRequestedEvent{SessionID: session.SessionID, JobID: jobID}
}

func (h *harness) jobStatus(t *testing.T, jobID string) models.JobStatus {
	t.Helper()
	job, err := h.jobs.Get(context.Background(), jobID)
	require.NoError(t, err)
	return job.Status
}
