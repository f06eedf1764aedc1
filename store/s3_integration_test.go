package store

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/Yulian302/lfusys-services-routes/apperror"
	logger "github.com/Yulian302/lfusys-services-routes/logging"
	"github.com/Yulian302/lfusys-services-routes/models"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Runs against localstack when LOCALSTACK_ENDPOINT is set, e.g.
// LOCALSTACK_ENDPOINT=http://localhost:4566.
func setupS3Store(t *testing.T) *S3DocumentStore {
	t.Helper()

	endpoint := os.Getenv("LOCALSTACK_ENDPOINT")
	if endpoint == "" {
		t.Skip("LOCALSTACK_ENDPOINT not set")
	}

	ctx := context.Background()
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion("us-east-1"))
	require.NoError(t, err)

	db := dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		o.BaseEndpoint = aws.String(endpoint)
	})
	s3Client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true
	})

	_, err = db.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String("routes"),
		AttributeDefinitions: []dbtypes.AttributeDefinition{
			{
				AttributeName: aws.String("document_id"),
				AttributeType: dbtypes.ScalarAttributeTypeS,
			},
		},
		KeySchema: []dbtypes.KeySchemaElement{
			{
				AttributeName: aws.String("document_id"),
				KeyType:       dbtypes.KeyTypeHash,
			},
		},
		BillingMode: dbtypes.BillingModePayPerRequest,
	})
	var exists *dbtypes.ResourceInUseException
	if err != nil && !errors.As(err, &exists) {
		require.NoError(t, err)
	}

	_, _ = s3Client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String("routes")})

	return NewS3DocumentStore(s3Client, db, "routes", "routes", logger.NewNopLogger())
}

func TestS3Store_RoundTripAndRevisions(t *testing.T) {
	ctx := context.Background()
	s := setupS3Store(t)
	require.NoError(t, s.IsReady(ctx))

	id := "it-" + t.Name()
	t.Cleanup(func() { _ = s.Delete(ctx, id) })

	first, err := s.Put(ctx, models.StoredDocument{ID: id, Body: []byte("H4sIfirst"), Encoding: "gzip"}, models.PutOptions{})
	require.NoError(t, err)

	second, err := s.Put(ctx, models.StoredDocument{ID: id, Body: []byte(`{"name":"second"}`), Encoding: "identity"},
		models.PutOptions{MustExist: true, ExpectedRevision: first.Revision})
	require.NoError(t, err)
	assert.Equal(t, first.Revision+1, second.Revision)

	_, err = s.Put(ctx, models.StoredDocument{ID: id, Body: []byte("stale")}, models.PutOptions{ExpectedRevision: first.Revision})
	require.ErrorIs(t, err, apperror.ErrRevisionConflict)

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, `{"name":"second"}`, string(got.Body))
	assert.Equal(t, "identity", got.Encoding)

	require.NoError(t, s.Delete(ctx, id))
	_, err = s.Get(ctx, id)
	require.ErrorIs(t, err, apperror.ErrDocumentNotFound)
}
