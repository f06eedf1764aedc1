package queues

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	logger "github.com/Yulian302/lfusys-services-routes/logging"
	"github.com/Yulian302/lfusys-services-routes/models"
	"github.com/Yulian302/lfusys-services-routes/retries"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// SQSAPI is the part of *sqs.Client the queue uses.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

type SqsCompletionQueue struct {
	client   SQSAPI
	worker   *CompletionWorker
	queueUrl string
	fifo     bool

	waitSeconds int32
	idleDelay   time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger logger.Logger
}

func NewSqsCompletionQueue(
	parent context.Context,
	client SQSAPI,
	worker *CompletionWorker,
	queueUrl string,
	l logger.Logger,
) *SqsCompletionQueue {

	ctx, cancel := context.WithCancel(parent)

	return &SqsCompletionQueue{
		client:      client,
		worker:      worker,
		queueUrl:    queueUrl,
		fifo:        strings.HasSuffix(queueUrl, ".fifo"),
		waitSeconds: 20, // long poll
		idleDelay:   time.Second,
		ctx:         ctx,
		cancel:      cancel,
		logger:      l,
	}
}

func (q *SqsCompletionQueue) Enqueue(ctx context.Context, evt models.CompletionRequestedEvent) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return err
	}

	in := &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueUrl),
		MessageBody: aws.String(string(body)),
	}
	if q.fifo {
		in.MessageGroupId = aws.String(evt.SessionID)
		in.MessageDeduplicationId = aws.String(evt.JobID)
	}

	err = retries.Retry(
		ctx,
		retries.DefaultAttempts,
		retries.DefaultBaseDelay,
		func() error {
			_, err := q.client.SendMessage(ctx, in)
			return err
		},
		retries.IsRetriableAWSError,
	)
	if err != nil {
		return fmt.Errorf("enqueue completion of %s: %w", evt.SessionID, err)
	}
	return nil
}

func (q *SqsCompletionQueue) Start() {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		_ = q.pollLoop()
	}()
}

func (q *SqsCompletionQueue) pollLoop() error {
	for {
		select {
		case <-q.ctx.Done():
			return q.ctx.Err()
		default:
		}

		out, err := q.client.ReceiveMessage(q.ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(q.queueUrl),
			MaxNumberOfMessages: 1,
			WaitTimeSeconds:     q.waitSeconds,
			VisibilityTimeout:   60,
		})
		if err != nil {
			if q.ctx.Err() == nil {
				q.logger.Warn("completion queue receive failed", "error", err)
			}
			select {
			case <-q.ctx.Done():
			case <-time.After(q.idleDelay):
			}
			continue
		}

		for _, msg := range out.Messages {
			q.handleMessage(q.ctx, msg)
		}
	}
}

func (q *SqsCompletionQueue) deleteMessage(ctx context.Context, msg types.Message) {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueUrl),
		ReceiptHandle: msg.ReceiptHandle,
	})
	if err != nil {
		q.logger.Warn("completion message deletion failed", "error", err)
	}
}

func (q *SqsCompletionQueue) handleMessage(ctx context.Context, msg types.Message) {
	if msg.Body == nil {
		q.deleteMessage(ctx, msg)
		return
	}

	var evt models.CompletionRequestedEvent
	if err := json.Unmarshal([]byte(*msg.Body), &evt); err != nil {
		// poison message
		q.logger.Error("dropping malformed completion message", "error", err)
		q.deleteMessage(ctx, msg)
		return
	}

	err := q.worker.Handle(ctx, evt)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return // redelivered after the visibility timeout
	}

	// the job carries any failure, the session is left for the client
	q.deleteMessage(ctx, msg)
}

func (q *SqsCompletionQueue) Shutdown(ctx context.Context) error {
	q.cancel()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
