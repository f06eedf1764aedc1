package services

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/Yulian302/lfusys-services-routes/apperror"
	"github.com/Yulian302/lfusys-services-routes/caching"
	"github.com/Yulian302/lfusys-services-routes/codec"
	logger "github.com/Yulian302/lfusys-services-routes/logging"
	"github.com/Yulian302/lfusys-services-routes/models"
	"github.com/Yulian302/lfusys-services-routes/store"
	"github.com/google/uuid"
)

type DocumentService interface {
	Save(ctx context.Context, req models.SaveRequest) (*models.SaveResult, error)
	Get(ctx context.Context, documentID string) (*models.DocumentView, error)
	Delete(ctx context.Context, documentID string) error
	Invalidate(ctx context.Context, documentID string) error
}

// deletedTTL bounds how long a deleted document refuses cache populates.
const deletedTTL = time.Minute

type DocumentServiceImpl struct {
	documentStore store.DocumentStore
	cachingSvc    caching.VersionedCache

	logger logger.Logger
}

func NewDocumentServiceImpl(documentStore store.DocumentStore, cachingSvc caching.VersionedCache, l logger.Logger) *DocumentServiceImpl {
	return &DocumentServiceImpl{
		documentStore: documentStore,
		cachingSvc:    cachingSvc,
		logger:        l,
	}
}

func documentCacheKey(documentID string) string {
	return "route:" + documentID
}

// cachedDocument keeps the canonical JSON of a document so cached reads
// carry extension fields exactly like store reads.
type cachedDocument struct {
	Body     []byte `json:"body"`
	Revision int64  `json:"revision"`
}

// Save validates the payload and replaces the stored document. The cache
// entry is dropped only once the write went through.
func (svc *DocumentServiceImpl) Save(ctx context.Context, req models.SaveRequest) (*models.SaveResult, error) {
	if len(req.Payload) == 0 {
		return nil, apperror.InvalidArgument("empty payload")
	}
	if req.IsUpdate && req.DocumentID == "" {
		return nil, apperror.InvalidArgument("update requires a document id")
	}

	encoding := req.Encoding
	switch encoding {
	case "":
		encoding = codec.EncodingIdentity
	case codec.EncodingGzip, codec.EncodingIdentity:
	default:
		return nil, apperror.InvalidArgument("unsupported encoding %q", req.Encoding)
	}

	if _, err := decodeDocument(req.Payload, encoding); err != nil {
		return nil, err
	}

	documentID := req.DocumentID
	if documentID == "" {
		documentID = uuid.NewString()
	}

	stored, err := svc.documentStore.Put(ctx, models.StoredDocument{
		ID:       documentID,
		Body:     req.Payload,
		Encoding: encoding,
	}, models.PutOptions{
		MustExist:        req.IsUpdate,
		ExpectedRevision: req.ExpectedRevision,
	})
	if err != nil {
		svc.logger.Error("document write failed", "document_id", documentID, "error", err)
		return nil, err
	}

	if err := svc.cachingSvc.Invalidate(ctx, documentCacheKey(documentID), stored.Revision, caching.TTLRouteData); err != nil {
		svc.logger.Error("cached document invalidation failed", "document_id", documentID, "error", err)
		// not critical
	}

	svc.logger.Info("document saved", "document_id", documentID, "revision", stored.Revision, "encoding", encoding, "size", stored.Size)
	return &models.SaveResult{
		DocumentID: documentID,
		Revision:   stored.Revision,
	}, nil
}

// Get reads through the cache. Cache errors only cost a store round trip.
// The cache is only populated with a revision at least as new as the last
// one written, so a read that raced a save cannot restore the old document.
func (svc *DocumentServiceImpl) Get(ctx context.Context, documentID string) (*models.DocumentView, error) {
	if documentID == "" {
		return nil, apperror.InvalidArgument("document id is required")
	}

	key := documentCacheKey(documentID)

	var cached cachedDocument
	found, err := svc.cachingSvc.Get(ctx, key, &cached)
	if err != nil {
		svc.logger.Warn("document cache read failed", "document_id", documentID, "error", err)
	}
	if found {
		var doc models.Document
		if err := json.Unmarshal(cached.Body, &doc); err == nil {
			return &models.DocumentView{Document: doc, Revision: cached.Revision}, nil
		}
		svc.logger.Warn("ignoring unreadable cached document", "document_id", documentID)
	}

	stored, err := svc.documentStore.Get(ctx, documentID)
	if err != nil {
		return nil, err
	}

	encoding := stored.Encoding
	if encoding != codec.EncodingGzip && codec.LooksCompressed(stored.Body) {
		encoding = codec.EncodingGzip
	}
	doc, err := decodeDocument(stored.Body, encoding)
	if err != nil {
		return nil, fmt.Errorf("stored document %s is unreadable: %w", documentID, err)
	}
	doc.ID = documentID

	view := &models.DocumentView{
		Document: *doc,
		Revision: stored.Revision,
	}

	body, err := json.Marshal(view.Document)
	if err != nil {
		svc.logger.Warn("document not cacheable", "document_id", documentID, "error", err)
		return view, nil
	}
	if _, err := svc.cachingSvc.SetVersioned(ctx, key, cachedDocument{Body: body, Revision: stored.Revision}, stored.Revision, caching.TTLRouteData); err != nil {
		svc.logger.Warn("document cache write failed", "document_id", documentID, "error", err)
	}

	return view, nil
}

func (svc *DocumentServiceImpl) Delete(ctx context.Context, documentID string) error {
	if documentID == "" {
		return apperror.InvalidArgument("document id is required")
	}

	if err := svc.documentStore.Delete(ctx, documentID); err != nil {
		return err
	}

	// no revision is newer than a deletion
	if err := svc.cachingSvc.Invalidate(ctx, documentCacheKey(documentID), math.MaxInt64, deletedTTL); err != nil {
		svc.logger.Error("cached document invalidation failed", "document_id", documentID, "error", err)
	}

	svc.logger.Info("document deleted", "document_id", documentID)
	return nil
}

// Invalidate drops the cached copy without touching the revision floor.
func (svc *DocumentServiceImpl) Invalidate(ctx context.Context, documentID string) error {
	return svc.cachingSvc.Delete(ctx, documentCacheKey(documentID))
}

func decodeDocument(payload []byte, encoding string) (*models.Document, error) {
	body := payload
	if encoding == codec.EncodingGzip {
		decoded, err := codec.Decode(payload)
		if err != nil {
			return nil, apperror.InvalidArgument("payload is not valid gzip: %v", err)
		}
		body = decoded
	}

	var doc models.Document
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, apperror.InvalidArgument("payload is not a document: %v", err)
	}
	return &doc, nil
}
