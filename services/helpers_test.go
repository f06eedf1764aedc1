package services

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Yulian302/lfusys-services-routes/caching"
	"github.com/Yulian302/lfusys-services-routes/config"
	logger "github.com/Yulian302/lfusys-services-routes/logging"
	"github.com/Yulian302/lfusys-services-routes/models"
	"github.com/Yulian302/lfusys-services-routes/store"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	mr        *miniredis.Miniredis
	docs      *store.BoltDocumentStore
	sessions  *store.SessionStoreImpl
	documents *DocumentServiceImpl
	transfers *TransferServiceImpl
	jobs      *JobServiceImpl
	cache     *caching.RedisCachingService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	l := logger.NewNopLogger()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	docs, err := store.NewBoltDocumentStore(filepath.Join(t.TempDir(), "routes.db"), l)
	require.NoError(t, err)
	t.Cleanup(func() { docs.Shutdown(context.Background()) })

	cache := caching.NewRedisCachingService(client, l)
	sessions := store.NewSessionStoreImpl(client, l)
	documents := NewDocumentServiceImpl(docs, cache, l)

	return &fixture{
		mr:        mr,
		docs:      docs,
		sessions:  sessions,
		documents: documents,
		transfers: NewTransferServiceImpl(sessions, documents, config.DefaultSessionTTL, config.DefaultChunkSize, l),
		jobs:      NewJobServiceImpl(store.NewJobStoreImpl(client, l), time.Hour, l),
		cache:     cache,
	}
}

// unreachableCache returns a cache whose redis is already gone.
func unreachableCache(t *testing.T) *caching.RedisCachingService {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { client.Close() })
	mr.Close()

	return caching.NewRedisCachingService(client, logger.NewNopLogger())
}

// countingTransport records every call and can fail one chunk upload.
type countingTransport struct {
	inner Transport

	mu        sync.Mutex
	saves     int
	starts    int
	uploads   []int
	completes int

	failUploadAt int
	failed       bool
}

func newCountingTransport(inner Transport) *countingTransport {
	return &countingTransport{inner: inner, failUploadAt: -1}
}

func (c *countingTransport) SaveDocument(ctx context.Context, req models.SaveRequest) (*models.SaveResult, error) {
	c.mu.Lock()
	c.saves++
	c.mu.Unlock()
	return c.inner.SaveDocument(ctx, req)
}

func (c *countingTransport) StartSession(ctx context.Context, req models.StartSessionRequest) (string, error) {
	c.mu.Lock()
	c.starts++
	c.mu.Unlock()
	return c.inner.StartSession(ctx, req)
}

func (c *countingTransport) UploadChunk(ctx context.Context, req models.UploadChunkRequest) error {
	c.mu.Lock()
	if req.ChunkIndex == c.failUploadAt && !c.failed {
		c.failed = true
		c.mu.Unlock()
		return fmt.Errorf("connection reset uploading chunk %d", req.ChunkIndex)
	}
	c.uploads = append(c.uploads, req.ChunkIndex)
	c.mu.Unlock()
	return c.inner.UploadChunk(ctx, req)
}

func (c *countingTransport) CompleteSession(ctx context.Context, sessionID string) (*models.SaveResult, error) {
	c.mu.Lock()
	c.completes++
	c.mu.Unlock()
	return c.inner.CompleteSession(ctx, sessionID)
}

func (c *countingTransport) sessionCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.starts + len(c.uploads) + c.completes
}

// randomRoute builds a route whose serialized form is roughly size bytes.
// Random coordinates keep gzip from shrinking it much.
func randomRoute(seed uint64, size int) models.Document {
	r := rand.New(rand.NewSource(int64(seed ^ 0x9e3779b97f4a7c15)))

	// a serialized point is about 55 bytes
	n := max(size/55, 1)
	coords := make([][]float64, n)
	profile := make([]models.ProfileSample, 0, n/100+1)
	for i := range coords {
		coords[i] = []float64{
			144 + r.Float64()*4,
			-43 + r.Float64()*3,
			r.Float64() * 1600,
		}
		if i%100 == 0 {
			profile = append(profile, models.ProfileSample{Distance: float64(i) * 12.5, Elevation: coords[i][2]})
		}
	}

	return models.Document{
		Name:        fmt.Sprintf("route-%d", seed),
		Description: "generated",
		Geometry:    &models.Geometry{Type: "LineString", Coordinates: coords},
		Statistics: &models.Statistics{
			Distance:  float64(n) * 12.5,
			Elevation: models.Elevation{Gain: 1234.5, Loss: 1200.25, Min: 3, Max: 1599.75},
			Bounds:    models.Bounds{North: -40, South: -43, East: 148, West: 144},
			Surfaces:  []models.SurfaceShare{{Type: "paved", Percentage: 70, Distance: 1000}},
			Profile:   profile,
		},
		PointsOfInterest: []models.PointOfInterest{{ID: "p1", Name: "Hut", Lon: 146.1, Lat: -41.7}},
		Extensions: map[string]json.RawMessage{
			"isPublic": json.RawMessage(`true`),
			"metadata": json.RawMessage(`{"country":"AU","region":"TAS"}`),
		},
	}
}

// gatedStore holds one armed Get after it has read from the store until
// release is closed.
type gatedStore struct {
	store.DocumentStore

	mu      sync.Mutex
	armed   bool
	read    chan struct{}
	release chan struct{}
}

func newGatedStore(inner store.DocumentStore) *gatedStore {
	return &gatedStore{DocumentStore: inner}
}

func (g *gatedStore) arm() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.armed = true
	g.read = make(chan struct{})
	g.release = make(chan struct{})
}

func (g *gatedStore) Get(ctx context.Context, documentID string) (*models.StoredDocument, error) {
	doc, err := g.DocumentStore.Get(ctx, documentID)

	g.mu.Lock()
	armed := g.armed
	g.armed = false
	read, release := g.read, g.release
	g.mu.Unlock()

	if armed {
		close(read)
		<-release
	}
	return doc, err
}
