package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Yulian302/lfusys-services-routes/apperror"
	"github.com/Yulian302/lfusys-services-routes/chunking"
	"github.com/Yulian302/lfusys-services-routes/codec"
	logger "github.com/Yulian302/lfusys-services-routes/logging"
	"github.com/Yulian302/lfusys-services-routes/models"
	"github.com/Yulian302/lfusys-services-routes/store"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
)

// finishedSessionTTL is how long a completed session still answers a
// repeated Complete with its result.
const finishedSessionTTL = 15 * time.Minute

// TransferService drives chunked uploads: start, upload chunks in any
// order, complete.
type TransferService interface {
	Start(ctx context.Context, req models.StartSessionRequest) (*models.TransferSession, error)
	UploadChunk(ctx context.Context, req models.UploadChunkRequest) error
	Complete(ctx context.Context, sessionID string) (*models.SaveResult, error)
	Status(ctx context.Context, sessionID string) (*models.SessionStatus, error)
}

type TransferServiceImpl struct {
	sessionStore store.SessionStore
	documents    DocumentService
	sessionTTL   time.Duration
	maxChunkSize int

	logger logger.Logger
	now    func() time.Time
}

func NewTransferServiceImpl(
	sessionStore store.SessionStore,
	documents DocumentService,
	sessionTTL time.Duration,
	maxChunkSize int,
	l logger.Logger,
) *TransferServiceImpl {
	return &TransferServiceImpl{
		sessionStore: sessionStore,
		documents:    documents,
		sessionTTL:   sessionTTL,
		maxChunkSize: maxChunkSize,
		logger:       l,
		now:          time.Now,
	}
}

func (svc *TransferServiceImpl) Start(ctx context.Context, req models.StartSessionRequest) (*models.TransferSession, error) {
	if req.TotalChunks <= 0 {
		return nil, apperror.InvalidArgument("totalChunks must be positive, got %d", req.TotalChunks)
	}
	if req.TotalSize <= 0 {
		return nil, apperror.InvalidArgument("totalSize must be positive, got %d", req.TotalSize)
	}
	if req.IsUpdate && req.TargetDocumentID == "" {
		return nil, apperror.InvalidArgument("update requires a target document id")
	}

	targetID := req.TargetDocumentID
	if targetID == "" {
		targetID = uuid.NewString()
	}

	now := svc.now().UTC()
	session := models.TransferSession{
		SessionID:        uuid.NewString(),
		TargetDocumentID: targetID,
		TotalChunks:      req.TotalChunks,
		TotalSize:        req.TotalSize,
		IsUpdate:         req.IsUpdate,
		IsCompressed:     req.IsCompressed,
		ExpectedRevision: req.ExpectedRevision,
		CreatedAt:        now,
		ExpiresAt:        now.Add(svc.sessionTTL),
	}

	if err := svc.sessionStore.CreateSession(ctx, session, svc.sessionTTL); err != nil {
		svc.logger.Error("failed to create transfer session", "document_id", targetID, "error", err)
		return nil, err
	}

	svc.logger.Info("transfer session started",
		"session_id", session.SessionID,
		"document_id", targetID,
		"total_chunks", session.TotalChunks,
		"total_size", humanize.IBytes(uint64(session.TotalSize)),
	)
	return &session, nil
}

func (svc *TransferServiceImpl) UploadChunk(ctx context.Context, req models.UploadChunkRequest) error {
	if req.SessionID == "" {
		return apperror.InvalidArgument("session id is required")
	}
	if len(req.Data) == 0 {
		return apperror.InvalidArgument("chunk %d is empty", req.ChunkIndex)
	}
	if len(req.Data) > svc.maxChunkSize {
		return apperror.InvalidArgument("chunk %d has %d bytes, at most %d are accepted", req.ChunkIndex, len(req.Data), svc.maxChunkSize)
	}

	if err := svc.sessionStore.PutChunk(ctx, req.SessionID, req.ChunkIndex, req.Data); err != nil {
		svc.logger.Debug("chunk rejected", "session_id", req.SessionID, "chunk_index", req.ChunkIndex, "error", err)
		return err
	}
	return nil
}

// Complete assembles the session and writes the target document. Nothing
// is removed on failure, so the caller can upload what is missing and
// complete again. Completing a session that already finished returns the
// earlier result.
func (svc *TransferServiceImpl) Complete(ctx context.Context, sessionID string) (*models.SaveResult, error) {
	if sessionID == "" {
		return nil, apperror.InvalidArgument("session id is required")
	}

	session, err := svc.sessionStore.GetSession(ctx, sessionID)
	if errors.Is(err, apperror.ErrSessionNotFound) {
		if prev, rerr := svc.sessionStore.GetResult(ctx, sessionID); rerr == nil {
			svc.logger.Info("transfer session already completed", "session_id", sessionID, "document_id", prev.DocumentID)
			return prev, nil
		}
	}
	if err != nil {
		return nil, err
	}

	payload, err := chunking.JoinIndexed(session.ReceivedChunks, session.TotalChunks)
	var mce *chunking.MissingChunkError
	if errors.As(err, &mce) {
		svc.logger.Info("transfer session incomplete", "session_id", sessionID, "missing", len(mce.Missing))
		return nil, &apperror.IncompleteSessionError{SessionID: sessionID, Missing: mce.Missing}
	}
	if err != nil {
		return nil, err
	}

	if int64(len(payload)) != session.TotalSize {
		return nil, fmt.Errorf("%w: session %s has %d bytes, declared %d",
			apperror.ErrSizeMismatch, sessionID, len(payload), session.TotalSize)
	}

	if session.IsCompressed {
		decoded, err := codec.Decode(payload)
		if err != nil {
			return nil, apperror.InvalidArgument("session %s payload is not valid gzip: %v", sessionID, err)
		}
		payload = decoded
	}

	result, err := svc.documents.Save(ctx, models.SaveRequest{
		DocumentID:       session.TargetDocumentID,
		IsUpdate:         session.IsUpdate,
		Payload:          payload,
		Encoding:         codec.EncodingIdentity,
		ExpectedRevision: session.ExpectedRevision,
	})
	if err != nil {
		return nil, err
	}

	if err := svc.sessionStore.Finish(ctx, sessionID, *result, finishedSessionTTL); err != nil {
		svc.logger.Error("transfer session cleanup failed", "session_id", sessionID, "error", err)
		// not returning error here as the document is already written
	}

	svc.logger.Info("transfer session completed",
		"session_id", sessionID,
		"document_id", result.DocumentID,
		"revision", result.Revision,
		"size", humanize.IBytes(uint64(len(payload))),
	)
	return result, nil
}

func (svc *TransferServiceImpl) Status(ctx context.Context, sessionID string) (*models.SessionStatus, error) {
	if sessionID == "" {
		return nil, apperror.InvalidArgument("session id is required")
	}
	return svc.sessionStore.GetStatus(ctx, sessionID)
}
