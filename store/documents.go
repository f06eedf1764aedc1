package store

import (
	"context"
	"fmt"

	"github.com/Yulian302/lfusys-services-routes/apperror"
	"github.com/Yulian302/lfusys-services-routes/health"
	"github.com/Yulian302/lfusys-services-routes/models"
)

// DocumentStore is the source of truth for documents. Put replaces the whole
// document and bumps its revision; the returned copy carries the new one.
type DocumentStore interface {
	Put(ctx context.Context, doc models.StoredDocument, opts models.PutOptions) (*models.StoredDocument, error)
	Get(ctx context.Context, documentID string) (*models.StoredDocument, error)
	Delete(ctx context.Context, documentID string) error

	health.ReadinessCheck
}

// checkPut applies PutOptions to the current revision, 0 meaning absent.
func checkPut(documentID string, current int64, opts models.PutOptions) error {
	if opts.MustExist && current == 0 {
		return fmt.Errorf("%w: %s", apperror.ErrDocumentNotFound, documentID)
	}
	if opts.ExpectedRevision > 0 && opts.ExpectedRevision != current {
		return fmt.Errorf("%w: %s is at revision %d, expected %d",
			apperror.ErrRevisionConflict, documentID, current, opts.ExpectedRevision)
	}
	return nil
}
