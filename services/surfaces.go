package services

import (
	"context"
	"fmt"
	"time"

	"github.com/Yulian302/lfusys-services-routes/apperror"
	"github.com/Yulian302/lfusys-services-routes/caching"
	logger "github.com/Yulian302/lfusys-services-routes/logging"
	"github.com/Yulian302/lfusys-services-routes/models"
	"golang.org/x/sync/errgroup"
)

const (
	surfaceKeyPrefix = "surface:"
	// concurrent cache round trips per batch
	surfaceBatchLimit = 16
)

// SurfaceService caches road surface lookups by coordinate. It is purely a
// cache: a miss means the caller has to ask the upstream provider.
type SurfaceService interface {
	Get(ctx context.Context, c models.Coordinate) (*models.Surface, bool)
	Set(ctx context.Context, c models.Coordinate, s models.Surface) error
	GetBatch(ctx context.Context, coords []models.Coordinate) []models.SurfaceEntry
	SetBatch(ctx context.Context, entries []models.SurfaceEntry) error
	Clear(ctx context.Context) error
}

type SurfaceServiceImpl struct {
	cachingSvc caching.CachingService
	ttl        time.Duration

	logger logger.Logger
}

func NewSurfaceServiceImpl(cachingSvc caching.CachingService, l logger.Logger) *SurfaceServiceImpl {
	return &SurfaceServiceImpl{
		cachingSvc: cachingSvc,
		ttl:        caching.TTLSurfaces,
		logger:     l,
	}
}

// six decimals is about 10cm, well below surface data resolution
func surfaceCacheKey(c models.Coordinate) string {
	return fmt.Sprintf("%s%.6f,%.6f", surfaceKeyPrefix, c.Lon, c.Lat)
}

func validCoordinate(c models.Coordinate) error {
	if c.Lon < -180 || c.Lon > 180 || c.Lat < -90 || c.Lat > 90 {
		return apperror.InvalidArgument("coordinate %v,%v out of range", c.Lon, c.Lat)
	}
	return nil
}

func (svc *SurfaceServiceImpl) Get(ctx context.Context, c models.Coordinate) (*models.Surface, bool) {
	if validCoordinate(c) != nil {
		return nil, false
	}

	var s models.Surface
	found, err := svc.cachingSvc.Get(ctx, surfaceCacheKey(c), &s)
	if err != nil {
		svc.logger.Warn("surface cache read failed", "lon", c.Lon, "lat", c.Lat, "error", err)
		return nil, false
	}
	if !found {
		return nil, false
	}
	return &s, true
}

func (svc *SurfaceServiceImpl) Set(ctx context.Context, c models.Coordinate, s models.Surface) error {
	if err := validCoordinate(c); err != nil {
		return err
	}
	if s.Type == "" {
		return apperror.InvalidArgument("surface type is required")
	}
	return svc.cachingSvc.Set(ctx, surfaceCacheKey(c), s, svc.ttl)
}

// GetBatch looks every coordinate up concurrently. Entries come back in
// input order with a nil Surface for misses.
func (svc *SurfaceServiceImpl) GetBatch(ctx context.Context, coords []models.Coordinate) []models.SurfaceEntry {
	out := make([]models.SurfaceEntry, len(coords))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(surfaceBatchLimit)
	for i, c := range coords {
		i, c := i, c
		g.Go(func() error {
			s, _ := svc.Get(gctx, c)
			out[i] = models.SurfaceEntry{Coordinate: c, Surface: s}
			return nil
		})
	}
	_ = g.Wait()

	return out
}

func (svc *SurfaceServiceImpl) SetBatch(ctx context.Context, entries []models.SurfaceEntry) error {
	for _, e := range entries {
		if e.Surface == nil {
			return apperror.InvalidArgument("entry %v,%v has no surface", e.Lon, e.Lat)
		}
		if err := validCoordinate(e.Coordinate); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(surfaceBatchLimit)
	for _, e := range entries {
		e := e
		g.Go(func() error {
			return svc.Set(gctx, e.Coordinate, *e.Surface)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("cache surfaces: %w", err)
	}

	svc.logger.Debug("surfaces cached", "count", len(entries))
	return nil
}

func (svc *SurfaceServiceImpl) Clear(ctx context.Context) error {
	if err := svc.cachingSvc.DeleteByPattern(ctx, surfaceKeyPrefix+"*"); err != nil {
		return fmt.Errorf("clear surfaces: %w", err)
	}
	svc.logger.Info("surface cache cleared")
	return nil
}
