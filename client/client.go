// Package client talks to the routes service over HTTP. Client implements
// services.Transport, so an Orchestrator can sync documents to a remote
// instance exactly as it does in process.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/Yulian302/lfusys-services-routes/apperror"
	"github.com/Yulian302/lfusys-services-routes/models"
	"github.com/Yulian302/lfusys-services-routes/retries"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	headerContentEncoding = "X-Content-Encoding"

	// error bodies are short, anything longer is not ours
	maxErrorBody = 64 << 10
)

// APIError is a non-2xx answer. It unwraps to the matching apperror
// sentinel where there is one.
type APIError struct {
	StatusCode int
	Message    string
	kind       error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("routes api: %d %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.kind
}

type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	attempts   int
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithAttempts bounds how often a request is sent when the service is
// unreachable or overloaded.
func WithAttempts(n int) Option {
	return func(cl *Client) { cl.attempts = n }
}

func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}

	c := &Client{
		baseURL: u,
		httpClient: &http.Client{
			Timeout:   60 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		attempts: retries.DefaultAttempts,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func isRetriable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusServiceUnavailable ||
			apiErr.StatusCode == http.StatusBadGateway ||
			apiErr.StatusCode == http.StatusTooManyRequests
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

type request struct {
	method   string
	path     string
	query    url.Values
	body     []byte
	headers  map[string]string
	notFound error
}

// do sends req and decodes a 2xx JSON answer into out. Every request here
// is safe to repeat, so transient failures are retried.
func (c *Client) do(ctx context.Context, req request, out any) (http.Header, error) {
	u := c.baseURL.JoinPath(req.path)
	if req.query != nil {
		u.RawQuery = req.query.Encode()
	}

	var header http.Header
	err := retries.Retry(ctx, c.attempts, retries.DefaultBaseDelay, func() error {
		httpReq, err := http.NewRequestWithContext(ctx, req.method, u.String(), bytes.NewReader(req.body))
		if err != nil {
			return err
		}
		if req.body != nil {
			httpReq.Header.Set("Content-Type", "application/json")
		}
		for k, v := range req.headers {
			httpReq.Header.Set(k, v)
		}

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			return decodeError(resp, req.notFound)
		}

		header = resp.Header
		if out == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s %s: %w", req.method, req.path, err)
		}
		return nil
	}, isRetriable)

	return header, err
}

type errorBody struct {
	Error         string `json:"error"`
	MissingChunks []int  `json:"missingChunks"`
}

func decodeError(resp *http.Response, notFound error) error {
	var body errorBody
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err := json.Unmarshal(raw, &body); err != nil || body.Error == "" {
		body.Error = http.StatusText(resp.StatusCode)
	}

	apiErr := &APIError{StatusCode: resp.StatusCode, Message: body.Error}
	switch resp.StatusCode {
	case http.StatusBadRequest:
		apiErr.kind = apperror.ErrInvalidArgument
	case http.StatusNotFound:
		apiErr.kind = notFound
	case http.StatusPreconditionFailed:
		apiErr.kind = apperror.ErrRevisionConflict
	case http.StatusServiceUnavailable:
		apiErr.kind = apperror.ErrBackingStoreUnavailable
	case http.StatusConflict:
		if len(body.MissingChunks) > 0 {
			apiErr.kind = &apperror.IncompleteSessionError{Missing: body.MissingChunks}
		}
	}
	return apiErr
}

func (c *Client) SaveDocument(ctx context.Context, req models.SaveRequest) (*models.SaveResult, error) {
	r := request{
		body:     req.Payload,
		headers:  map[string]string{},
		notFound: apperror.ErrDocumentNotFound,
	}
	if req.Encoding != "" {
		r.headers[headerContentEncoding] = req.Encoding
	}
	if req.ExpectedRevision > 0 {
		r.headers["If-Match"] = strconv.Quote(strconv.FormatInt(req.ExpectedRevision, 10))
	}

	if req.IsUpdate {
		r.method, r.path = http.MethodPut, "/documents/"+url.PathEscape(req.DocumentID)
	} else {
		r.method, r.path = http.MethodPost, "/documents"
		if req.DocumentID != "" {
			r.query = url.Values{"id": {req.DocumentID}}
		}
	}

	var res models.SaveResult
	if _, err := c.do(ctx, r, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) GetDocument(ctx context.Context, documentID string) (*models.DocumentView, error) {
	var doc models.Document
	header, err := c.do(ctx, request{
		method:   http.MethodGet,
		path:     "/documents/" + url.PathEscape(documentID),
		notFound: apperror.ErrDocumentNotFound,
	}, &doc)
	if err != nil {
		return nil, err
	}

	view := &models.DocumentView{Document: doc}
	if tag, err := strconv.Unquote(header.Get("ETag")); err == nil {
		view.Revision, _ = strconv.ParseInt(tag, 10, 64)
	}
	return view, nil
}

func (c *Client) DeleteDocument(ctx context.Context, documentID string) error {
	_, err := c.do(ctx, request{
		method:   http.MethodDelete,
		path:     "/documents/" + url.PathEscape(documentID),
		notFound: apperror.ErrDocumentNotFound,
	}, nil)
	return err
}

func (c *Client) StartSession(ctx context.Context, req models.StartSessionRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", err
	}

	var session models.TransferSession
	if _, err := c.do(ctx, request{method: http.MethodPost, path: "/chunked/start", body: body}, &session); err != nil {
		return "", err
	}
	return session.SessionID, nil
}

// UploadChunk returns once the service acknowledged the chunk. Resending
// the same chunk is harmless.
func (c *Client) UploadChunk(ctx context.Context, req models.UploadChunkRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}

	_, err = c.do(ctx, request{
		method:   http.MethodPost,
		path:     "/chunked/upload",
		body:     body,
		notFound: apperror.ErrSessionNotFound,
	}, nil)
	return err
}

func (c *Client) CompleteSession(ctx context.Context, sessionID string) (*models.SaveResult, error) {
	body, err := json.Marshal(map[string]string{"sessionId": sessionID})
	if err != nil {
		return nil, err
	}

	var res models.SaveResult
	_, err = c.do(ctx, request{
		method:   http.MethodPost,
		path:     "/chunked/complete",
		body:     body,
		notFound: apperror.ErrSessionNotFound,
	}, &res)
	if err != nil {
		return nil, withSession(err, sessionID)
	}
	return &res, nil
}

// CompleteSessionAsync asks for a background completion and returns the
// job to poll.
func (c *Client) CompleteSessionAsync(ctx context.Context, sessionID string) (string, error) {
	body, err := json.Marshal(map[string]string{"sessionId": sessionID})
	if err != nil {
		return "", err
	}

	var accepted struct {
		JobID string `json:"jobId"`
	}
	_, err = c.do(ctx, request{
		method:   http.MethodPost,
		path:     "/chunked/complete",
		query:    url.Values{"async": {"true"}},
		body:     body,
		notFound: apperror.ErrSessionNotFound,
	}, &accepted)
	if err != nil {
		return "", withSession(err, sessionID)
	}
	return accepted.JobID, nil
}

func (c *Client) SessionStatus(ctx context.Context, sessionID string) (*models.SessionStatus, error) {
	var status models.SessionStatus
	_, err := c.do(ctx, request{
		method:   http.MethodGet,
		path:     "/chunked/" + url.PathEscape(sessionID),
		notFound: apperror.ErrSessionNotFound,
	}, &status)
	if err != nil {
		return nil, err
	}
	return &status, nil
}

func (c *Client) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	var job models.Job
	_, err := c.do(ctx, request{
		method:   http.MethodGet,
		path:     "/jobs/" + url.PathEscape(jobID),
		notFound: apperror.ErrJobNotFound,
	}, &job)
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// WaitForJob polls until the job reaches a terminal status.
func (c *Client) WaitForJob(ctx context.Context, jobID string, every time.Duration) (*models.Job, error) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		job, err := c.GetJob(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if job.Status.Terminal() {
			return job, nil
		}

		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

func withSession(err error, sessionID string) error {
	var incomplete *apperror.IncompleteSessionError
	if errors.As(err, &incomplete) {
		incomplete.SessionID = sessionID
	}
	return err
}
