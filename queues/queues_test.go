package queues

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/Yulian302/lfusys-services-routes/apperror"
	logger "github.com/Yulian302/lfusys-services-routes/logging"
	"github.com/Yulian302/lfusys-services-routes/models"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompletionWorker_Handle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	evt := h.uploadedSession(t, []byte(`{"name":"async"}`), "job-ok")
	require.NoError(t, h.worker.Handle(ctx, evt))

	job, err := h.jobs.Get(ctx, "job-ok")
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, job.Status)

	var res models.SaveResult
	require.NoError(t, json.Unmarshal(job.Result, &res))
	got, err := h.documents.Get(ctx, res.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, "async", got.Document.Name)
}

func TestCompletionWorker_FailureLandsInJob(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	session, err := h.transfers.Start(ctx, models.StartSessionRequest{TotalChunks: 2, TotalSize: 10})
	require.NoError(t, err)
	_, err = h.jobs.Create(ctx, "job-incomplete", nil)
	require.NoError(t, err)

	err = h.worker.Handle(ctx, models.CompletionRequestedEvent{SessionID: session.SessionID, JobID: "job-incomplete"})
	_, incomplete := apperror.MissingChunks(err)
	require.True(t, incomplete)

	job, err := h.jobs.Get(ctx, "job-incomplete")
	require.NoError(t, err)
	assert.Equal(t, models.JobError, job.Status)
	assert.Contains(t, job.Error, "incomplete")

	require.ErrorIs(t, h.worker.Handle(ctx, models.CompletionRequestedEvent{}), apperror.ErrInvalidArgument)
}

func TestLocalCompletionQueue(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	q := NewLocalCompletionQueue(ctx, h.worker, 2, 8, logger.NewNopLogger())
	q.Start()

	var ids []string
	for i := 0; i < 5; i++ {
		id := "local-" + strconv.Itoa(i)
		ids = append(ids, id)
		require.NoError(t, q.Enqueue(ctx, h.uploadedSession(t, []byte(`{"name":"n`+strconv.Itoa(i)+`"}`), id)))
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, q.Shutdown(shutdownCtx))

	for _, id := range ids {
		assert.Equal(t, models.JobCompleted, h.jobStatus(t, id), id)
	}
	require.ErrorIs(t, q.Enqueue(ctx, models.CompletionRequestedEvent{SessionID: "s", JobID: "j"}), ErrQueueClosed)
}

// fakeSQS is an in-memory queue with the SQS message lifecycle the
// completion queue relies on.
type fakeSQS struct {
	mu       sync.Mutex
	pending  []types.Message
	inflight map[string]types.Message
	sent     []*sqs.SendMessageInput
	deleted  int
	seq      int
}

func newFakeSQS() *fakeSQS {
	return &fakeSQS{inflight: map[string]types.Message{}}
}

func (f *fakeSQS) SendMessage(ctx context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, in)
	f.pushLocked(*in.MessageBody)
	return &sqs.SendMessageOutput{}, nil
}

func (f *fakeSQS) pushLocked(body string) {
	f.seq++
	f.pending = append(f.pending, types.Message{
		Body:          aws.String(body),
		ReceiptHandle: aws.String("rh-" + strconv.Itoa(f.seq)),
	})
}

func (f *fakeSQS) ReceiveMessage(ctx context.Context, _ *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	for {
		f.mu.Lock()
		if len(f.pending) > 0 {
			msg := f.pending[0]
			f.pending = f.pending[1:]
			f.inflight[*msg.ReceiptHandle] = msg
			f.mu.Unlock()
			return &sqs.ReceiveMessageOutput{Messages: []types.Message{msg}}, nil
		}
		f.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (f *fakeSQS) DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.inflight, *in.ReceiptHandle)
	f.deleted++
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeSQS) settled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending) == 0 && len(f.inflight) == 0
}

func TestSqsCompletionQueue(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	fake := newFakeSQS()

	q := NewSqsCompletionQueue(ctx, fake, h.worker, "https://sqs.eu-central-1.amazonaws.com/000000000000/route-completions.fifo", logger.NewNopLogger())
	q.Start()
	t.Cleanup(func() { q.Shutdown(context.Background()) })

	evt := h.uploadedSession(t, []byte(`{"name":"via sqs"}`), "sqs-job")
	require.NoError(t, q.Enqueue(ctx, evt))

	// poison message is dropped
	fake.mu.Lock()
	fake.pushLocked("not json")
	fake.mu.Unlock()

	require.Eventually(t, func() bool {
		job, err := h.jobs.Get(ctx, "sqs-job")
		return err == nil && job.Status == models.JobCompleted && fake.settled()
	}, 5*time.Second, 20*time.Millisecond)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.Len(t, fake.sent, 1)
	assert.Equal(t, evt.SessionID, aws.ToString(fake.sent[0].MessageGroupId))
	assert.Equal(t, "sqs-job", aws.ToString(fake.sent[0].MessageDeduplicationId))
	assert.Equal(t, 2, fake.deleted)
}
