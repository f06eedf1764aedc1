package models

import "time"

// TransferSession tracks one chunked upload. ReceivedChunks is only
// populated when the session is loaded for completion.
type TransferSession struct {
	SessionID        string         `json:"sessionId"`
	TargetDocumentID string         `json:"targetDocumentId"`
	TotalChunks      int            `json:"totalChunks"`
	TotalSize        int64          `json:"totalSize"`
	IsUpdate         bool           `json:"isUpdate"`
	IsCompressed     bool           `json:"isCompressed"`
	ExpectedRevision int64          `json:"expectedRevision,omitempty"`
	CreatedAt        time.Time      `json:"createdAt"`
	ExpiresAt        time.Time      `json:"expiresAt"`
	ReceivedChunks   map[int][]byte `json:"-"`
}

type StartSessionRequest struct {
	TargetDocumentID string `json:"targetDocumentId,omitempty"`
	TotalChunks      int    `json:"totalChunks"`
	TotalSize        int64  `json:"totalSize"`
	IsUpdate         bool   `json:"isUpdate"`
	IsCompressed     bool   `json:"isCompressed"`
	ExpectedRevision int64  `json:"expectedRevision,omitempty"`
}

type UploadChunkRequest struct {
	SessionID  string `json:"sessionId"`
	ChunkIndex int    `json:"chunkIndex"`
	Data       []byte `json:"data"`
}

type SessionStatus struct {
	SessionID      string `json:"sessionId"`
	TotalChunks    int    `json:"totalChunks"`
	ReceivedChunks []int  `json:"receivedChunks"`
	MissingChunks  []int  `json:"missingChunks"`
	Progress       uint8  `json:"progress"`
}

// CompletionRequestedEvent asks a worker to complete a session in the
// background and report through the job.
type CompletionRequestedEvent struct {
	SessionID string `json:"sessionId"`
	JobID     string `json:"jobId"`
}
