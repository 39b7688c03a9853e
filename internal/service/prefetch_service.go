package service

import (
	"context"
	"fmt"
	"log"
	"slices"

	"github.com/dustin/go-humanize"

	"github.com/omeroview/server/internal/jobstore"
	"github.com/omeroview/server/internal/lazy"
	"github.com/omeroview/server/internal/remote"
)

// prefetchBatch is the number of units evaluated between progress updates.
const prefetchBatch = 32

// PrefetchResult summarizes a prefetch run.
type PrefetchResult struct {
	Units  int
	Failed int
	Bytes  int64
}

// ProgressFunc receives prefetch progress.
type ProgressFunc func(phase string, done, total int)

// selectUnits returns the units of a whose plane indices are selected.
// Empty selections select everything.
func selectUnits(a *lazy.Array, params jobstore.JobParams) []*lazy.Unit {
	var out []*lazy.Unit
	for _, u := range a.Units() {
		c := u.Coord()
		if len(params.T) > 0 && !slices.Contains(params.T, c.T) {
			continue
		}
		if len(params.C) > 0 && !slices.Contains(params.C, c.C) {
			continue
		}
		if len(params.Z) > 0 && !slices.Contains(params.Z, c.Z) {
			continue
		}
		out = append(out, u)
	}
	return out
}

// Prefetch evaluates the selected units of an image so that later reads in
// the same session are served from the cache. Unit failures are counted,
// not returned.
func (s *ImageService) Prefetch(ctx context.Context, id remote.ImageID, params jobstore.JobParams, progress ProgressFunc) (PrefetchResult, error) {
	var res PrefetchResult
	layer, err := s.Layer(ctx, id)
	if err != nil {
		return res, err
	}

	levels := params.Levels
	if len(levels) == 0 {
		levels = make([]int, len(layer.Arrays))
		for i := range levels {
			levels[i] = i
		}
	}

	type work struct {
		level int
		units []*lazy.Unit
	}
	var plan []work
	total := 0
	for _, level := range levels {
		a, err := s.array(layer, level)
		if err != nil {
			return res, err
		}
		units := selectUnits(a, params)
		plan = append(plan, work{level: level, units: units})
		total += len(units)
	}

	ex := s.executor()
	for _, w := range plan {
		phase := fmt.Sprintf("level %d", w.level)
		for start := 0; start < len(w.units); start += prefetchBatch {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			batch := w.units[start:min(start+prefetchBatch, len(w.units))]
			for _, r := range ex.Evaluate(ctx, batch) {
				res.Units++
				if r.Err != nil {
					res.Failed++
					continue
				}
				res.Bytes += int64(len(r.Block.Data))
			}
			if progress != nil {
				progress(phase, res.Units, total)
			}
		}
	}
	return res, nil
}

// PrefetchService runs prefetch jobs.
type PrefetchService struct {
	registry interface {
		Get(source string) *ImageService
	}
}

// NewPrefetchService creates a new prefetch service.
func NewPrefetchService(registry interface{ Get(source string) *ImageService }) *PrefetchService {
	return &PrefetchService{registry: registry}
}

// ExecutePrefetchJob runs a prefetch job (called by JobManager worker).
func (s *PrefetchService) ExecutePrefetchJob(ctx context.Context, store *jobstore.Store, jobID string) error {
	job, err := store.GetJob(jobID)
	if err != nil {
		return fmt.Errorf("failed to get job: %w", err)
	}

	svc := s.registry.Get(job.Params.Source)
	if svc == nil {
		return fmt.Errorf("source not found: %s", job.Params.Source)
	}

	store.UpdateJobProgress(jobID, "loading metadata", 0, 0)

	res, err := svc.Prefetch(ctx, remote.ImageID(job.Params.ImageID), job.Params, func(phase string, done, total int) {
		if err := store.UpdateJobProgress(jobID, phase, done, total); err != nil {
			log.Printf("[Prefetch] failed to update progress of %s: %v", jobID, err)
		}
	})
	if cerr := store.UpdateJobCounts(jobID, res.Failed, res.Bytes); cerr != nil {
		log.Printf("[Prefetch] failed to update counts of %s: %v", jobID, cerr)
	}
	if err != nil {
		return err
	}

	log.Printf("[Prefetch] job %s: %s image %d, %d unit(s), %d failed, %s",
		jobID, job.Params.Source, job.Params.ImageID, res.Units, res.Failed, humanize.Bytes(uint64(res.Bytes)))
	if res.Units > 0 && res.Failed == res.Units {
		return fmt.Errorf("all %d unit(s) failed", res.Units)
	}
	return nil
}
