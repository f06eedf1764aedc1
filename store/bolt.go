package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Yulian302/lfusys-services-routes/apperror"
	logger "github.com/Yulian302/lfusys-services-routes/logging"
	"github.com/Yulian302/lfusys-services-routes/models"
	bolt "go.etcd.io/bbolt"
)

var documentsBucket = []byte("documents")

// BoltDocumentStore keeps documents in a single local bolt file. Every Put
// runs in one write transaction, so the revision check is atomic.
type BoltDocumentStore struct {
	db     *bolt.DB
	logger logger.Logger
	now    func() time.Time
}

func NewBoltDocumentStore(path string, l logger.Logger) (*BoltDocumentStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("open bolt %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(documentsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltDocumentStore{db: db, logger: l, now: time.Now}, nil
}

func (s *BoltDocumentStore) IsReady(ctx context.Context) error {
	return s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(documentsBucket) == nil {
			return fmt.Errorf("%w: bucket missing", apperror.ErrBackingStoreUnavailable)
		}
		return nil
	})
}

func (s *BoltDocumentStore) Name() string {
	return "DocumentStore[bolt]"
}

func (s *BoltDocumentStore) Put(ctx context.Context, doc models.StoredDocument, opts models.PutOptions) (*models.StoredDocument, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(documentsBucket)

		var current int64
		if data := b.Get([]byte(doc.ID)); data != nil {
			var prev models.StoredDocument
			if err := json.Unmarshal(data, &prev); err != nil {
				return fmt.Errorf("document %s is corrupt: %w", doc.ID, err)
			}
			current = prev.Revision
		}

		if err := checkPut(doc.ID, current, opts); err != nil {
			return err
		}

		doc.Revision = current + 1
		doc.Size = int64(len(doc.Body))
		doc.UpdatedAt = s.now().UTC()

		encoded, err := json.Marshal(doc)
		if err != nil {
			return err
		}
		return b.Put([]byte(doc.ID), encoded)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("document stored", "document_id", doc.ID, "revision", doc.Revision, "size", doc.Size)
	return &doc, nil
}

func (s *BoltDocumentStore) Get(ctx context.Context, documentID string) (*models.StoredDocument, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var doc models.StoredDocument
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(documentsBucket).Get([]byte(documentID))
		if data == nil {
			return fmt.Errorf("%w: %s", apperror.ErrDocumentNotFound, documentID)
		}
		return json.Unmarshal(data, &doc)
	})
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func (s *BoltDocumentStore) Delete(ctx context.Context, documentID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(documentsBucket)
		if b.Get([]byte(documentID)) == nil {
			return fmt.Errorf("%w: %s", apperror.ErrDocumentNotFound, documentID)
		}
		return b.Delete([]byte(documentID))
	})
}

func (s *BoltDocumentStore) Shutdown(ctx context.Context) error {
	return s.db.Close()
}
