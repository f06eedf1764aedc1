package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/Yulian302/lfusys-services-routes/apperror"
	logger "github.com/Yulian302/lfusys-services-routes/logging"
	"github.com/Yulian302/lfusys-services-routes/models"
	"github.com/Yulian302/lfusys-services-routes/retries"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
)

const maxPutAttempts = 5

// S3DocumentStore keeps document bodies in S3 and a revision index in
// DynamoDB. Every write uploads a fresh object and then swings the index to
// it with a conditional put, so readers never see a half written body and
// concurrent writers cannot both win the same revision.
type S3DocumentStore struct {
	s3         *s3.Client
	dynamo     *dynamodb.Client
	bucketName string
	tableName  string

	logger logger.Logger
	now    func() time.Time
}

func NewS3DocumentStore(s3Client *s3.Client, dynamoClient *dynamodb.Client, bucketName, tableName string, l logger.Logger) *S3DocumentStore {
	return &S3DocumentStore{
		s3:         s3Client,
		dynamo:     dynamoClient,
		bucketName: bucketName,
		tableName:  tableName,
		logger:     l,
		now:        time.Now,
	}
}

func (s *S3DocumentStore) IsReady(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()

	return retries.Retry(
		ctx,
		retries.HealthAttempts,
		retries.HealthBaseDelay,
		func() error {
			if _, err := s.dynamo.DescribeTable(ctx, &dynamodb.DescribeTableInput{
				TableName: aws.String(s.tableName),
			}); err != nil {
				return err
			}
			_, err := s.s3.HeadBucket(ctx, &s3.HeadBucketInput{
				Bucket: aws.String(s.bucketName),
			})
			return err
		},
		retries.IsRetriableAWSError,
	)
}

func (s *S3DocumentStore) Name() string {
	return "DocumentStore[s3+dynamodb]"
}

func documentPrefix(documentID string) string {
	return fmt.Sprintf("routes/%s/", documentID)
}

func (s *S3DocumentStore) Put(ctx context.Context, doc models.StoredDocument, opts models.PutOptions) (*models.StoredDocument, error) {
	if doc.ID == "" {
		return nil, apperror.InvalidArgument("document id is required")
	}

	for attempt := 1; attempt <= maxPutAttempts; attempt++ {
		current, err := s.getIndex(ctx, doc.ID)
		if err != nil && !errors.Is(err, apperror.ErrDocumentNotFound) {
			return nil, err
		}

		var currentRev int64
		if current != nil {
			currentRev = current.Revision
		}
		if err := checkPut(doc.ID, currentRev, opts); err != nil {
			return nil, err
		}

		next := doc
		next.Revision = currentRev + 1
		next.Size = int64(len(doc.Body))
		next.UpdatedAt = s.now().UTC()
		next.ObjectKey = documentPrefix(doc.ID) + uuid.NewString()

		if err := s.putObject(ctx, next); err != nil {
			return nil, err
		}

		err = s.putIndex(ctx, next, currentRev)
		if err == nil {
			if current != nil && current.ObjectKey != "" {
				if derr := s.deleteObject(ctx, current.ObjectKey); derr != nil {
					s.logger.Error("failed to delete superseded body", "document_id", doc.ID, "key", current.ObjectKey, "error", derr)
					// not critical, the index no longer points at it
				}
			}
			s.logger.Info("document stored", "document_id", doc.ID, "revision", next.Revision, "size", next.Size)
			return &next, nil
		}

		if derr := s.deleteObject(ctx, next.ObjectKey); derr != nil {
			s.logger.Error("failed to delete orphaned body", "document_id", doc.ID, "key", next.ObjectKey, "error", derr)
		}

		var ccf *dbtypes.ConditionalCheckFailedException
		if !errors.As(err, &ccf) {
			return nil, err
		}
		if opts.ExpectedRevision > 0 {
			return nil, fmt.Errorf("%w: %s changed concurrently", apperror.ErrRevisionConflict, doc.ID)
		}

		s.logger.Warn("concurrent document write, retrying", "document_id", doc.ID, "attempt", attempt)
	}

	return nil, fmt.Errorf("%w: %s kept changing under %d attempts", apperror.ErrRevisionConflict, doc.ID, maxPutAttempts)
}

func (s *S3DocumentStore) Get(ctx context.Context, documentID string) (*models.StoredDocument, error) {
	for attempt := 1; ; attempt++ {
		doc, err := s.getIndex(ctx, documentID)
		if err != nil {
			return nil, err
		}

		body, err := s.getObject(ctx, doc.ObjectKey)
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) && attempt < maxPutAttempts {
			// a writer swung the index to a newer body between our two reads
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: get body of %s: %w", apperror.ErrBackingStoreUnavailable, documentID, err)
		}

		doc.Body = body
		return doc, nil
	}
}

func (s *S3DocumentStore) getObject(ctx context.Context, key string) ([]byte, error) {
	var body []byte
	err := retries.Retry(
		ctx,
		retries.DefaultAttempts,
		retries.DefaultBaseDelay,
		func() error {
			out, err := s.s3.GetObject(ctx, &s3.GetObjectInput{
				Bucket: aws.String(s.bucketName),
				Key:    aws.String(key),
			})
			if err != nil {
				return err
			}
			defer out.Body.Close()

			body, err = io.ReadAll(out.Body)
			return err
		},
		retries.IsRetriableAWSError,
	)
	return body, err
}

func (s *S3DocumentStore) Delete(ctx context.Context, documentID string) error {
	err := retries.Retry(
		ctx,
		retries.DefaultAttempts,
		retries.DefaultBaseDelay,
		func() error {
			_, err := s.dynamo.DeleteItem(ctx, &dynamodb.DeleteItemInput{
				TableName: aws.String(s.tableName),
				Key: map[string]dbtypes.AttributeValue{
					"document_id": &dbtypes.AttributeValueMemberS{Value: documentID},
				},
				ConditionExpression: aws.String("attribute_exists(document_id)"),
			})
			return err
		},
		retries.IsRetriableDbError,
	)

	var ccf *dbtypes.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return fmt.Errorf("%w: %s", apperror.ErrDocumentNotFound, documentID)
	}
	if err != nil {
		return fmt.Errorf("%w: delete index of %s: %w", apperror.ErrBackingStoreUnavailable, documentID, err)
	}

	if err := s.deletePrefix(ctx, documentPrefix(documentID)); err != nil {
		s.logger.Error("failed to delete document bodies", "document_id", documentID, "error", err)
		// index is gone, bodies are unreachable
	}
	return nil
}

func (s *S3DocumentStore) getIndex(ctx context.Context, documentID string) (*models.StoredDocument, error) {
	var item map[string]dbtypes.AttributeValue
	err := retries.Retry(
		ctx,
		retries.DefaultAttempts,
		retries.DefaultBaseDelay,
		func() error {
			out, err := s.dynamo.GetItem(ctx, &dynamodb.GetItemInput{
				TableName: aws.String(s.tableName),
				Key: map[string]dbtypes.AttributeValue{
					"document_id": &dbtypes.AttributeValueMemberS{Value: documentID},
				},
				ConsistentRead: aws.Bool(true),
			})
			if err != nil {
				return err
			}
			item = out.Item
			return nil
		},
		retries.IsRetriableDbError,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: get index of %s: %w", apperror.ErrBackingStoreUnavailable, documentID, err)
	}
	if item == nil {
		return nil, fmt.Errorf("%w: %s", apperror.ErrDocumentNotFound, documentID)
	}

	var doc models.StoredDocument
	if err := attributevalue.UnmarshalMap(item, &doc); err != nil {
		return nil, fmt.Errorf("index entry of %s is corrupt: %w", documentID, err)
	}
	return &doc, nil
}

// putIndex points the index at doc iff it still holds prevRevision.
func (s *S3DocumentStore) putIndex(ctx context.Context, doc models.StoredDocument, prevRevision int64) error {
	item, err := attributevalue.MarshalMap(doc)
	if err != nil {
		return err
	}

	input := &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	}
	if prevRevision == 0 {
		input.ConditionExpression = aws.String("attribute_not_exists(document_id)")
	} else {
		input.ConditionExpression = aws.String("revision = :rev")
		input.ExpressionAttributeValues = map[string]dbtypes.AttributeValue{
			":rev": &dbtypes.AttributeValueMemberN{Value: strconv.FormatInt(prevRevision, 10)},
		}
	}

	return retries.Retry(
		ctx,
		retries.DefaultAttempts,
		retries.DefaultBaseDelay,
		func() error {
			_, err := s.dynamo.PutItem(ctx, input)
			return err
		},
		retries.IsRetriableDbError,
	)
}

func (s *S3DocumentStore) putObject(ctx context.Context, doc models.StoredDocument) error {
	err := retries.Retry(
		ctx,
		retries.DefaultAttempts,
		retries.DefaultBaseDelay,
		func() error {
			_, err := s.s3.PutObject(ctx, &s3.PutObjectInput{
				Bucket:        aws.String(s.bucketName),
				Key:           aws.String(doc.ObjectKey),
				Body:          bytes.NewReader(doc.Body),
				ContentLength: aws.Int64(doc.Size),
				ContentType:   aws.String("application/octet-stream"),
				Metadata: map[string]string{
					"document-id": doc.ID,
					"encoding":    doc.Encoding,
					"revision":    strconv.FormatInt(doc.Revision, 10),
				},
			})
			return err
		},
		retries.IsRetriableAWSError,
	)
	if err != nil {
		s.logger.Error("failed to put document body", "document_id", doc.ID, "key", doc.ObjectKey, "error", err)
		return fmt.Errorf("%w: put body of %s: %w", apperror.ErrBackingStoreUnavailable, doc.ID, err)
	}
	return nil
}

func (s *S3DocumentStore) deleteObject(ctx context.Context, key string) error {
	_, err := s.s3.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(key),
	})
	return err
}

// deletePrefix removes every stored revision body of one document. Objects
// S3 reports as not deleted fail the call so the caller can log them.
func (s *S3DocumentStore) deletePrefix(ctx context.Context, prefix string) error {
	if prefix == "" {
		return errors.New("refusing to delete an empty prefix")
	}

	pages := s3.NewListObjectsV2Paginator(s.s3, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucketName),
		Prefix: aws.String(prefix),
	})

	removed := 0
	for pages.HasMorePages() {
		if err := ctx.Err(); err != nil {
			return err
		}

		page, err := pages.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("%w: list revisions under %s: %w", apperror.ErrBackingStoreUnavailable, prefix, err)
		}
		if len(page.Contents) == 0 {
			continue
		}

		revisions := make([]types.ObjectIdentifier, 0, len(page.Contents))
		for _, obj := range page.Contents {
			revisions = append(revisions, types.ObjectIdentifier{Key: obj.Key})
		}

		out, err := s.s3.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucketName),
			Delete: &types.Delete{Objects: revisions, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return fmt.Errorf("%w: delete revisions under %s: %w", apperror.ErrBackingStoreUnavailable, prefix, err)
		}
		if len(out.Errors) > 0 {
			first := out.Errors[0]
			return fmt.Errorf("%d revision bodies under %s not deleted, first %s: %s",
				len(out.Errors), prefix, aws.ToString(first.Key), aws.ToString(first.Message))
		}
		removed += len(revisions)
	}

	s.logger.Debug("revision bodies removed", "prefix", prefix, "revisions", removed)
	return nil
}
