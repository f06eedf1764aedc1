package services

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Yulian302/lfusys-services-routes/apperror"
	"github.com/Yulian302/lfusys-services-routes/chunking"
	"github.com/Yulian302/lfusys-services-routes/codec"
	"github.com/Yulian302/lfusys-services-routes/config"
	logger "github.com/Yulian302/lfusys-services-routes/logging"
	"github.com/Yulian302/lfusys-services-routes/models"
	"github.com/dustin/go-humanize"
)

type SyncState int

const (
	StateIdle SyncState = iota
	StateCompressing
	StateSingleShotWriting
	StateChunkingInProgress
	StateCacheInvalidating
	StateDone
	StateFailed
)

func (s SyncState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCompressing:
		return "compressing"
	case StateSingleShotWriting:
		return "single_shot_writing"
	case StateChunkingInProgress:
		return "chunking_in_progress"
	case StateCacheInvalidating:
		return "cache_invalidating"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("SyncState(%d)", int(s))
	}
}

// Transport carries documents to wherever they are stored: the local
// services in process, or a remote instance over HTTP.
type Transport interface {
	SaveDocument(ctx context.Context, req models.SaveRequest) (*models.SaveResult, error)
	StartSession(ctx context.Context, req models.StartSessionRequest) (string, error)
	UploadChunk(ctx context.Context, req models.UploadChunkRequest) error
	CompleteSession(ctx context.Context, sessionID string) (*models.SaveResult, error)
}

// Invalidator drops a cached copy of a document.
type Invalidator interface {
	Invalidate(ctx context.Context, documentID string) error
}

type SyncRequest struct {
	DocumentID       string
	IsUpdate         bool
	ExpectedRevision int64
	Document         any
}

type SyncResult struct {
	DocumentID     string
	Revision       int64
	Chunked        bool
	Chunks         int
	CompressedSize int
}

// SyncError reports where a sync stopped. For chunked transfers it keeps
// what Resume needs to finish without resending acknowledged chunks.
type SyncError struct {
	State     SyncState
	SessionID string
	Missing   []int
	Err       error

	req     SyncRequest
	payload []byte
}

func (e *SyncError) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("sync failed while %s (session %s): %v", e.State, e.SessionID, e.Err)
	}
	return fmt.Sprintf("sync failed while %s: %v", e.State, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// Resumable reports whether Resume can pick the transfer up. With nothing
// missing, resuming only retries the completion.
func (e *SyncError) Resumable() bool {
	return e.SessionID != "" && len(e.payload) > 0
}

type Orchestrator struct {
	transport   Transport
	invalidator Invalidator
	chunkSize   int
	threshold   int

	logger  logger.Logger
	onState func(SyncState)
}

type OrchestratorOption func(*Orchestrator)

// WithInvalidator sets the cache dropped after every successful write.
func WithInvalidator(inv Invalidator) OrchestratorOption {
	return func(o *Orchestrator) { o.invalidator = inv }
}

// WithStateHook is called on every state transition.
func WithStateHook(fn func(SyncState)) OrchestratorOption {
	return func(o *Orchestrator) { o.onState = fn }
}

func NewOrchestrator(transport Transport, cfg config.TransferConfig, l logger.Logger, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		transport: transport,
		chunkSize: cfg.ChunkSize,
		threshold: cfg.ChunkThreshold,
		logger:    l,
	}
	if o.chunkSize <= 0 {
		o.chunkSize = config.DefaultChunkSize
	}
	if o.threshold <= 0 {
		o.threshold = config.DefaultChunkThreshold
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) enter(s SyncState) SyncState {
	if o.onState != nil {
		o.onState(s)
	}
	return s
}

// Sync compresses req.Document and writes it in one call, or as a chunked
// transfer when the compressed payload is above the threshold. Errors are
// *SyncError and are not retried here.
func (o *Orchestrator) Sync(ctx context.Context, req SyncRequest) (*SyncResult, error) {
	o.enter(StateIdle)
	if req.Document == nil {
		return nil, o.fail(&SyncError{State: StateIdle, Err: apperror.InvalidArgument("nothing to sync")})
	}

	state := o.enter(StateCompressing)
	raw, err := json.Marshal(req.Document)
	if err != nil {
		return nil, o.fail(&SyncError{State: state, Err: fmt.Errorf("serialize document: %w", err)})
	}

	payload := codec.Compress(raw)
	compressed := codec.LooksCompressed(payload)
	o.logger.Debug("document prepared",
		"document_id", req.DocumentID,
		"raw_size", humanize.IBytes(uint64(len(raw))),
		"payload_size", humanize.IBytes(uint64(len(payload))),
		"compressed", compressed,
	)

	var result *SyncResult
	if len(payload) > o.threshold {
		result, err = o.syncChunked(ctx, req, payload, compressed)
	} else {
		result, err = o.syncSingleShot(ctx, req, payload, compressed)
	}
	if err != nil {
		return nil, err
	}

	return o.finish(ctx, result), nil
}

func (o *Orchestrator) syncSingleShot(ctx context.Context, req SyncRequest, payload []byte, compressed bool) (*SyncResult, error) {
	state := o.enter(StateSingleShotWriting)

	encoding := codec.EncodingIdentity
	if compressed {
		encoding = codec.EncodingGzip
	}

	res, err := o.transport.SaveDocument(ctx, models.SaveRequest{
		DocumentID:       req.DocumentID,
		IsUpdate:         req.IsUpdate,
		Payload:          payload,
		Encoding:         encoding,
		ExpectedRevision: req.ExpectedRevision,
	})
	if err != nil {
		return nil, o.fail(&SyncError{State: state, Err: err})
	}

	return &SyncResult{
		DocumentID:     res.DocumentID,
		Revision:       res.Revision,
		CompressedSize: len(payload),
	}, nil
}

func (o *Orchestrator) syncChunked(ctx context.Context, req SyncRequest, payload []byte, compressed bool) (*SyncResult, error) {
	state := o.enter(StateChunkingInProgress)

	chunks, err := chunking.Split(payload, o.chunkSize)
	if err != nil {
		return nil, o.fail(&SyncError{State: state, Err: err})
	}

	sessionID, err := o.transport.StartSession(ctx, models.StartSessionRequest{
		TargetDocumentID: req.DocumentID,
		TotalChunks:      len(chunks),
		TotalSize:        int64(len(payload)),
		IsUpdate:         req.IsUpdate,
		IsCompressed:     compressed,
		ExpectedRevision: req.ExpectedRevision,
	})
	if err != nil {
		return nil, o.fail(&SyncError{State: state, Err: err})
	}

	o.logger.Info("chunked transfer started",
		"session_id", sessionID,
		"chunks", len(chunks),
		"size", humanize.IBytes(uint64(len(payload))),
	)

	indices := make([]int, len(chunks))
	for i := range indices {
		indices[i] = i
	}
	return o.transfer(ctx, req, sessionID, payload, indices)
}

// transfer sends the given chunks one at a time, each after the previous
// one was acknowledged, then completes the session.
func (o *Orchestrator) transfer(ctx context.Context, req SyncRequest, sessionID string, payload []byte, indices []int) (*SyncResult, error) {
	chunks, err := chunking.Split(payload, o.chunkSize)
	if err != nil {
		return nil, o.fail(&SyncError{State: StateChunkingInProgress, SessionID: sessionID, Err: err})
	}

	for n, idx := range indices {
		if idx < 0 || idx >= len(chunks) {
			return nil, o.fail(&SyncError{
				State:     StateChunkingInProgress,
				SessionID: sessionID,
				Err:       fmt.Errorf("%w: %d of %d", apperror.ErrChunkIndexOutOfRange, idx, len(chunks)),
			})
		}

		err := o.transport.UploadChunk(ctx, models.UploadChunkRequest{
			SessionID:  sessionID,
			ChunkIndex: idx,
			Data:       chunks[idx],
		})
		if err != nil {
			return nil, o.fail(&SyncError{
				State:     StateChunkingInProgress,
				SessionID: sessionID,
				Missing:   append([]int(nil), indices[n:]...),
				Err:       err,
				req:       req,
				payload:   payload,
			})
		}
	}

	res, err := o.transport.CompleteSession(ctx, sessionID)
	if err != nil {
		serr := &SyncError{
			State:     StateChunkingInProgress,
			SessionID: sessionID,
			Err:       err,
			req:       req,
			payload:   payload,
		}
		if missing, ok := apperror.MissingChunks(err); ok {
			serr.Missing = missing
		}
		return nil, o.fail(serr)
	}

	return &SyncResult{
		DocumentID:     res.DocumentID,
		Revision:       res.Revision,
		Chunked:        true,
		Chunks:         len(chunks),
		CompressedSize: len(payload),
	}, nil
}

// Resume continues a chunked transfer that stopped with a resumable
// *SyncError, sending only the chunks it reported missing.
func (o *Orchestrator) Resume(ctx context.Context, failed *SyncError) (*SyncResult, error) {
	if failed == nil || !failed.Resumable() {
		return nil, apperror.InvalidArgument("sync error is not resumable")
	}

	o.enter(StateChunkingInProgress)
	o.logger.Info("resuming chunked transfer", "session_id", failed.SessionID, "missing", len(failed.Missing))

	result, err := o.transfer(ctx, failed.req, failed.SessionID, failed.payload, failed.Missing)
	if err != nil {
		return nil, err
	}
	return o.finish(ctx, result), nil
}

// finish runs once the write is durable. Invalidation failures only leave
// a stale entry behind until its TTL runs out, so they are logged.
func (o *Orchestrator) finish(ctx context.Context, result *SyncResult) *SyncResult {
	o.enter(StateCacheInvalidating)
	if o.invalidator != nil {
		if err := o.invalidator.Invalidate(ctx, result.DocumentID); err != nil {
			o.logger.Warn("cache invalidation failed", "document_id", result.DocumentID, "error", err)
		}
	}

	o.enter(StateDone)
	o.logger.Info("document synced",
		"document_id", result.DocumentID,
		"revision", result.Revision,
		"chunked", result.Chunked,
		"chunks", result.Chunks,
	)
	return result
}

func (o *Orchestrator) fail(serr *SyncError) error {
	o.enter(StateFailed)
	o.logger.Error("document sync failed", "state", serr.State.String(), "session_id", serr.SessionID, "error", serr.Err)
	return serr
}

// LocalTransport calls the in-process services directly.
type LocalTransport struct {
	Documents DocumentService
	Transfers TransferService
}

func (t *LocalTransport) SaveDocument(ctx context.Context, req models.SaveRequest) (*models.SaveResult, error) {
	return t.Documents.Save(ctx, req)
}

func (t *LocalTransport) StartSession(ctx context.Context, req models.StartSessionRequest) (string, error) {
	session, err := t.Transfers.Start(ctx, req)
	if err != nil {
		return "", err
	}
	return session.SessionID, nil
}

func (t *LocalTransport) UploadChunk(ctx context.Context, req models.UploadChunkRequest) error {
	return t.Transfers.UploadChunk(ctx, req)
}

func (t *LocalTransport) CompleteSession(ctx context.Context, sessionID string) (*models.SaveResult, error) {
	return t.Transfers.Complete(ctx, sessionID)
}
