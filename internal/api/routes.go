package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/omeroview/server/internal/cache"
	"github.com/omeroview/server/internal/dtype"
	"github.com/omeroview/server/internal/jobstore"
	"github.com/omeroview/server/internal/lazy"
	"github.com/omeroview/server/internal/remote"
	"github.com/omeroview/server/internal/render"
	"github.com/omeroview/server/internal/service"
)

// RouterConfig contains router configuration.
type RouterConfig struct {
	Registry    *SourceRegistry
	Cache       *cache.Manager
	CORSOrigins []string
	JobManager  *JobManager
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5, "application/json", "application/octet-stream"))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link", "X-Failed-Tiles", "X-Shape", "X-Dtype"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Global endpoints (not source-scoped)
	r.Get("/api/sources", sourcesHandler(cfg.Registry))
	r.Get("/api/resolve", resolveHandler)
	r.Get("/api/cache/stats", cacheStatsHandler(cfg.Cache))

	// Source-scoped routes: /api/sources/{source}/...
	r.Route("/api/sources/{source}", func(r chi.Router) {
		r.Use(sourceMiddleware(cfg.Registry))

		r.Post("/reconnect", reconnectHandler)
		r.Get("/images", imagesHandler)

		r.Route("/images/{id}", func(r chi.Router) {
			r.Get("/", imageMetadataHandler)
			r.Get("/plane.png", planeHandler)
			r.Get("/tiles/{level}/{t}/{c}/{z}/{row}/{col}.png", tileHandler)
			r.Get("/raw", rawPlaneHandler)
			r.Post("/prefetch", prefetchSubmitHandler(cfg.JobManager))
		})

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", jobListHandler(cfg.JobManager))
			r.Get("/{job_id}", jobStatusHandler(cfg.JobManager))
			r.Delete("/{job_id}", jobCancelHandler(cfg.JobManager))
		})
	})

	return r
}

// Context key for source service
type ctxKey string

const sourceServiceKey ctxKey = "sourceService"

// sourceMiddleware resolves the source from URL and injects the image service into context.
func sourceMiddleware(registry *SourceRegistry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sourceID := chi.URLParam(r, "source")
			svc := registry.Get(sourceID)
			if svc == nil {
				http.Error(w, "source not found: "+sourceID, http.StatusNotFound)
				return
			}
			ctx := context.WithValue(r.Context(), sourceServiceKey, svc)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func getSourceService(r *http.Request) *service.ImageService {
	if svc, ok := r.Context().Value(sourceServiceKey).(*service.ImageService); ok {
		return svc
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, lazy.ErrTileFetch), errors.Is(err, lazy.ErrPlaneFetch):
		return http.StatusBadGateway
	case errors.Is(err, dtype.ErrUnknownPixelType), errors.Is(err, lazy.ErrInconsistentShape):
		return http.StatusUnprocessableEntity
	case errors.Is(err, remote.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, lazy.ErrOutOfRange), errors.Is(err, remote.ErrBadReference):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrNoCatalog):
		return http.StatusNotImplemented
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), statusFor(err))
}

// sourcesHandler returns the list of configured sources.
func sourcesHandler(registry *SourceRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"default": registry.DefaultSourceID(),
			"sources": registry.Sources(),
			"title":   registry.Title(),
		})
	}
}

// resolveHandler parses a web client URL or an object string.
func resolveHandler(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimSpace(r.URL.Query().Get("url"))
	if raw == "" {
		http.Error(w, "missing required query param: url", http.StatusBadRequest)
		return
	}
	ref, err := remote.Resolve(raw)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"host":     ref.Host,
		"type":     ref.Type,
		"id":       ref.ID,
		"object":   ref.String(),
		"is_image": ref.IsImage(),
	})
}

func cacheStatsHandler(cm *cache.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cm == nil {
			http.Error(w, "cache not configured", http.StatusNotImplemented)
			return
		}
		writeJSON(w, http.StatusOK, cm.Stats())
	}
}

func reconnectHandler(w http.ResponseWriter, r *http.Request) {
	svc := getSourceService(r)
	session := svc.Reconnect()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"source":  svc.Source(),
		"session": session,
	})
}

func imagesHandler(w http.ResponseWriter, r *http.Request) {
	svc := getSourceService(r)
	images, err := svc.Images(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"source": svc.Source(),
		"images": images,
		"total":  len(images),
	})
}

func imageID(r *http.Request) (remote.ImageID, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id < 0 {
		return 0, fmt.Errorf("invalid image id %q", chi.URLParam(r, "id"))
	}
	return remote.ImageID(id), nil
}

func imageMetadataHandler(w http.ResponseWriter, r *http.Request) {
	svc := getSourceService(r)
	id, err := imageID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	info, err := svc.Describe(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// queryInt parses an optional non-negative integer query parameter.
func queryInt(r *http.Request, name string) (int, error) {
	s := strings.TrimSpace(r.URL.Query().Get(name))
	if s == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid %s", name)
	}
	return v, nil
}

func queryFloat(r *http.Request, name string) (*float64, error) {
	s := strings.TrimSpace(r.URL.Query().Get(name))
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return nil, fmt.Errorf("invalid %s", name)
	}
	return &v, nil
}

// parseRender reads colormap, min, max and auto. min and max must be given
// together.
func parseRender(r *http.Request, req *service.PlaneRequest) error {
	req.Colormap = strings.TrimSpace(r.URL.Query().Get("colormap"))
	req.Auto, _ = strconv.ParseBool(r.URL.Query().Get("auto"))

	lo, err := queryFloat(r, "min")
	if err != nil {
		return err
	}
	hi, err := queryFloat(r, "max")
	if err != nil {
		return err
	}
	switch {
	case lo != nil && hi != nil:
		req.Window = &render.Window{Min: *lo, Max: *hi}
	case lo != nil || hi != nil:
		return errors.New("min and max must be given together")
	}
	return nil
}

func parsePlaneQuery(r *http.Request) (service.PlaneRequest, error) {
	var req service.PlaneRequest
	var err error
	for _, p := range []struct {
		name string
		dst  *int
	}{
		{"level", &req.Level},
		{"t", &req.T},
		{"c", &req.C},
		{"z", &req.Z},
	} {
		if *p.dst, err = queryInt(r, p.name); err != nil {
			return req, err
		}
	}
	return req, parseRender(r, &req)
}

func planeHandler(w http.ResponseWriter, r *http.Request) {
	svc := getSourceService(r)
	id, err := imageID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	req, err := parsePlaneQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	data, failed, err := svc.PlanePNG(r.Context(), id, req)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("X-Failed-Tiles", strconv.Itoa(failed))
	if failed == 0 {
		w.Header().Set("Cache-Control", "private, max-age=3600")
	} else {
		w.Header().Set("Cache-Control", "no-store")
	}
	w.Write(data)
}

func tileHandler(w http.ResponseWriter, r *http.Request) {
	svc := getSourceService(r)
	id, err := imageID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var req service.PlaneRequest
	var row, col int
	for _, p := range []struct {
		name string
		dst  *int
	}{
		{"level", &req.Level},
		{"t", &req.T},
		{"c", &req.C},
		{"z", &req.Z},
		{"row", &row},
		{"col", &col},
	} {
		v, err := strconv.Atoi(strings.TrimSuffix(chi.URLParam(r, p.name), ".png"))
		if err != nil || v < 0 {
			http.Error(w, "invalid "+p.name, http.StatusBadRequest)
			return
		}
		*p.dst = v
	}
	if err := parseRender(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	data, err := svc.TilePNG(r.Context(), id, req, row, col)
	if err != nil {
		if statusFor(err) != http.StatusBadGateway {
			writeError(w, err)
			return
		}
		// Return empty tile on fetch errors so viewers keep the rest of the map
		data, _ = svc.EmptyTile()
		w.Header().Set("X-Failed-Tiles", "1")
		w.Header().Set("Cache-Control", "no-store")
	} else {
		w.Header().Set("Cache-Control", "private, max-age=3600")
	}

	w.Header().Set("Content-Type", "image/png")
	w.Write(data)
}

func rawPlaneHandler(w http.ResponseWriter, r *http.Request) {
	svc := getSourceService(r)
	id, err := imageID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	req, err := parsePlaneQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	b, err := svc.RawPlane(r.Context(), id, req.Level, req.T, req.C, req.Z)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("X-Shape", fmt.Sprintf("%d,%d", b.Shape[0], b.Shape[1]))
	w.Header().Set("X-Dtype", ">"+b.DType.String())
	w.Write(b.Data)
}

type prefetchRequest struct {
	Levels []int `json:"levels"`
	T      []int `json:"t"`
	C      []int `json:"c"`
	Z      []int `json:"z"`
}

func prefetchSubmitHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		svc := getSourceService(r)
		id, err := imageID(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		var req prefetchRequest
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
				return
			}
		}

		// Validate against the image before queueing
		info, err := svc.Describe(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		for _, l := range req.Levels {
			if l < 0 || l >= len(info.Levels) {
				http.Error(w, fmt.Sprintf("invalid level %d", l), http.StatusBadRequest)
				return
			}
		}

		params := jobstore.JobParams{
			Source:  svc.Source(),
			ImageID: int64(id),
			Levels:  req.Levels,
			T:       req.T,
			C:       req.C,
			Z:       req.Z,
		}
		job, err := jm.Submit(params)
		if err != nil {
			http.Error(w, "failed to submit job: "+err.Error(), http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"job_id": job.ID,
			"status": job.Status,
		})
	}
}

// sourceJob returns the job if it belongs to the request's source.
func sourceJob(jm *JobManager, r *http.Request) *jobstore.Job {
	job := jm.Get(chi.URLParam(r, "job_id"))
	if job == nil || job.Source != chi.URLParam(r, "source") {
		return nil
	}
	return job
}

func jobListHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}
		jobs, err := jm.List(chi.URLParam(r, "source"))
		if err != nil {
			http.Error(w, "failed to list jobs: "+err.Error(), http.StatusInternalServerError)
			return
		}
		if jobs == nil {
			jobs = []*jobstore.Job{}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"jobs":  jobs,
			"total": len(jobs),
		})
	}
}

func jobStatusHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}
		job := sourceJob(jm, r)
		if job == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

// jobCancelHandler cancels a job; with ?purge=true the job record is
// deleted as well.
func jobCancelHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}
		job := sourceJob(jm, r)
		if job == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}

		if purge, _ := strconv.ParseBool(r.URL.Query().Get("purge")); purge {
			if err := jm.Delete(job.ID); err != nil {
				http.Error(w, "failed to delete job: "+err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"job_id":  job.ID,
				"deleted": true,
			})
			return
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"job_id":    job.ID,
			"cancelled": jm.Cancel(job.ID),
		})
	}
}
