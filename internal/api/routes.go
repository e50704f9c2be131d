package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"gonum.org/v1/gonum/spatial/r2"

	"github.com/pam-connect/server/internal/cache"
	"github.com/pam-connect/server/internal/kernel"
	"github.com/pam-connect/server/internal/render"
	"github.com/pam-connect/server/internal/service"
	"github.com/pam-connect/server/internal/store"
)

const (
	defaultPageSize = 100
	maxPageSize     = 1000
	defaultBins     = 64
	maxBins         = 512
)

// RouterConfig contains router configuration.
type RouterConfig struct {
	Model       *service.Model
	JobManager  *JobManager
	Renderer    *render.Renderer
	Cache       *cache.Manager
	CORSOrigins []string
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/layers", layersHandler(cfg.Model))
		r.Get("/groups", groupsHandler(cfg.Model))
		r.Get("/connections", connectionsHandler(cfg.Model))
		r.Get("/connections/{index}/kernel/{side}.png", kernelHandler(cfg))
		r.Get("/cache/stats", cacheStatsHandler(cfg.Cache))
		r.Post("/reset", resetHandler(cfg.Model))

		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", jobSubmitHandler(cfg.JobManager))
			r.Get("/", jobListHandler(cfg.JobManager))
			r.Get("/{job_id}", jobStatusHandler(cfg.JobManager))
			r.Delete("/{job_id}", jobCancelHandler(cfg.JobManager))
			r.Get("/{job_id}/result", jobResultHandler(cfg.JobManager, cfg.Cache))
			r.Get("/{job_id}/errors", jobErrorsHandler(cfg.JobManager))
			r.Get("/{job_id}/synapses.png", jobSynapsesHandler(cfg))
		})
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writePNG(w http.ResponseWriter, data []byte) {
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Write(data)
}

// queryInt parses a non-negative integer query parameter.
func queryInt(r *http.Request, name string, def int) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid %s", name)
	}
	return v, nil
}

type layerInfo struct {
	Name      string     `json:"name"`
	Polygons  int        `json:"polygons"`
	HasUV     bool       `json:"has_uv"`
	UVScaling float64    `json:"uv_scaling"`
	Area      float64    `json:"area"`
	UVMin     [2]float64 `json:"uv_min"`
	UVMax     [2]float64 `json:"uv_max"`
}

func layersHandler(model *service.Model) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		layers := model.Layers()
		out := make([]layerInfo, len(layers))
		for i, l := range layers {
			lo, hi := l.UVBounds()
			out[i] = layerInfo{
				Name:      l.Name(),
				Polygons:  l.NumPolygons(),
				HasUV:     l.HasUV(),
				UVScaling: l.UVScaling(),
				Area:      l.Area(),
				UVMin:     [2]float64{lo.X, lo.Y},
				UVMax:     [2]float64{hi.X, hi.Y},
			}
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func groupsHandler(model *service.Model) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, model.NeuronGroups())
	}
}

type connectionInfo struct {
	Index       int                    `json:"index"`
	Name        string                 `json:"name"`
	SourceGroup int                    `json:"source_group"`
	TargetGroup int                    `json:"target_group"`
	Spec        service.ConnectionSpec `json:"spec"`
}

func connectionsHandler(model *service.Model) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		specs := model.Connections()
		out := make([]connectionInfo, 0, len(specs))
		for i, idx := range model.ConnectionIndices() {
			if i >= len(specs) {
				break
			}
			out = append(out, connectionInfo{
				Index:       idx.Connection,
				Name:        specs[i].Label(),
				SourceGroup: idx.Source,
				TargetGroup: idx.Target,
				Spec:        specs[i],
			})
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func cacheStatsHandler(c *cache.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if c == nil {
			http.Error(w, "cache not configured", http.StatusNotImplemented)
			return
		}
		writeJSON(w, http.StatusOK, c.Stats())
	}
}

func resetHandler(model *service.Model) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := model.Reset(); err != nil {
			http.Error(w, "reset failed: "+err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"reset": true})
	}
}

func kernelHandler(cfg RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		index, err := strconv.Atoi(chi.URLParam(r, "index"))
		if err != nil {
			http.Error(w, "invalid connection index", http.StatusBadRequest)
			return
		}
		spec, err := cfg.Model.Connection(index)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}

		var ks service.KernelSpec
		side := chi.URLParam(r, "side")
		switch side {
		case "source":
			ks = spec.SourceKernel
		case "target":
			ks = spec.TargetKernel
		default:
			http.Error(w, "side must be source or target", http.StatusBadRequest)
			return
		}
		if ks.Name == "" {
			http.Error(w, "connection uses a point kernel", http.StatusNotFound)
			return
		}

		bins, err := queryInt(r, "bins", defaultBins)
		if err != nil || bins == 0 || bins > maxBins {
			http.Error(w, "invalid bins", http.StatusBadRequest)
			return
		}
		cmap := r.URL.Query().Get("colormap")

		key := cache.KernelKey(index, side+":"+ks.Name, bins, cmap, ks.Args)
		if cfg.Cache != nil {
			if data, ok := cfg.Cache.GetPayload(key); ok {
				writePNG(w, data)
				return
			}
		}

		k, err := kernel.New(ks.Name, ks.Args)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		lo, hi := k.Extent()
		data, err := cfg.Renderer.Kernel(k, lo, hi, bins, cmap)
		if err != nil {
			http.Error(w, "render failed: "+err.Error(), http.StatusInternalServerError)
			return
		}
		if cfg.Cache != nil {
			cfg.Cache.SetPayload(key, data)
		}
		writePNG(w, data)
	}
}

type jobSubmitRequest struct {
	Connection *int   `json:"connection"`
	Name       string `json:"name"`
	Workers    *int   `json:"workers"`
	Seed       *int64 `json:"seed"`
}

func jobSubmitHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		var req jobSubmitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}

		model := jm.Model()
		var index int
		switch {
		case req.Connection != nil:
			index = *req.Connection
		case req.Name != "":
			i, err := model.ConnectionByName(req.Name)
			if err != nil {
				http.Error(w, err.Error(), http.StatusNotFound)
				return
			}
			index = i
		default:
			http.Error(w, "connection or name is required", http.StatusBadRequest)
			return
		}

		defaults := model.RunDefaults()
		params := store.RunParams{Connection: index, Workers: defaults.Workers, Seed: defaults.Seed}
		if req.Workers != nil {
			if *req.Workers < service.WorkersSequential {
				http.Error(w, "workers must be -1, 0 or positive", http.StatusBadRequest)
				return
			}
			params.Workers = *req.Workers
		}
		if req.Seed != nil {
			params.Seed = *req.Seed
		}

		run, err := jm.Submit(params)
		if err != nil {
			if errors.Is(err, service.ErrConnectionNotFound) {
				http.Error(w, err.Error(), http.StatusNotFound)
				return
			}
			http.Error(w, "failed to submit job: "+err.Error(), http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"job_id":     run.ID,
			"connection": run.Connection,
			"status":     run.Status,
		})
	}
}

func jobListHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}
		runs, err := jm.Store().ListRuns(r.URL.Query().Get("connection"))
		if err != nil {
			http.Error(w, "failed to list jobs: "+err.Error(), http.StatusInternalServerError)
			return
		}
		if runs == nil {
			runs = []*store.Run{}
		}
		writeJSON(w, http.StatusOK, runs)
	}
}

func jobStatusHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}
		run := jm.Get(chi.URLParam(r, "job_id"))
		if run == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, run)
	}
}

func jobCancelHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		jobID := chi.URLParam(r, "job_id")
		run := jm.Get(jobID)
		if run == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}

		// Finished runs are deleted; queued and running ones are cancelled.
		if run.Status.Finished() {
			if err := jm.Delete(jobID); err != nil {
				http.Error(w, "failed to delete job: "+err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSON(w, http.StatusOK, map[string]interface{}{"job_id": jobID, "deleted": true})
			return
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"job_id":    jobID,
			"cancelled": jm.Cancel(jobID),
		})
	}
}

// completedRun returns the run of the request when it has completed, writing
// the error response otherwise.
func completedRun(jm *JobManager, w http.ResponseWriter, r *http.Request) *store.Run {
	if jm == nil {
		http.Error(w, "job manager not configured", http.StatusNotImplemented)
		return nil
	}
	run := jm.Get(chi.URLParam(r, "job_id"))
	if run == nil {
		http.Error(w, "job not found", http.StatusNotFound)
		return nil
	}
	if run.Status != store.RunStatusCompleted {
		http.Error(w, "job not completed (status: "+string(run.Status)+")", http.StatusBadRequest)
		return nil
	}
	return run
}

type resultPage struct {
	JobID       string          `json:"job_id"`
	Connection  string          `json:"connection"`
	Seed        int64           `json:"seed"`
	Summary     service.Summary `json:"summary"`
	Offset      int             `json:"offset"`
	Limit       int             `json:"limit"`
	Connections [][]int         `json:"connections"`
	Distances   [][]float64     `json:"distances"`
	Synapses    [][]*[2]float64 `json:"synapses"`
}

func newResultPage(runID string, res *service.Result, offset, limit int) resultPage {
	offset = min(offset, res.Rows())
	end := offset + min(limit, res.Rows()-offset)
	page := resultPage{
		JobID:       runID,
		Connection:  res.Connection,
		Seed:        res.Seed,
		Summary:     res.Summary(),
		Offset:      offset,
		Limit:       limit,
		Connections: res.Connections[offset:end],
		Distances:   res.Distances[offset:end],
		Synapses:    make([][]*[2]float64, end-offset),
	}
	for i, row := range res.Synapses[offset:end] {
		page.Synapses[i] = make([]*[2]float64, len(row))
		for j, uv := range row {
			if uv != nil {
				page.Synapses[i][j] = &[2]float64{uv.X, uv.Y}
			}
		}
	}
	return page
}

func jobResultHandler(jm *JobManager, c *cache.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run := completedRun(jm, w, r)
		if run == nil {
			return
		}

		offset, err := queryInt(r, "offset", 0)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		limit, err := queryInt(r, "limit", defaultPageSize)
		if err != nil || limit == 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(limit, maxPageSize)

		key := cache.ResultKey(run.ID, fmt.Sprintf("rows:%d:%d", offset, limit))
		if c != nil {
			if data, ok := c.GetPayload(key); ok {
				w.Header().Set("Content-Type", "application/json")
				w.Write(data)
				return
			}
		}

		res, err := jm.Result(run.ID)
		if err != nil {
			http.Error(w, "failed to load result: "+err.Error(), http.StatusInternalServerError)
			return
		}
		data, err := json.Marshal(newResultPage(run.ID, res, offset, limit))
		if err != nil {
			http.Error(w, "failed to encode result: "+err.Error(), http.StatusInternalServerError)
			return
		}
		if c != nil {
			c.SetPayload(key, data)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	}
}

func jobErrorsHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run := completedRun(jm, w, r)
		if run == nil {
			return
		}
		errs, err := jm.Store().ListErrors(run.ID)
		if err != nil {
			http.Error(w, "failed to list errors: "+err.Error(), http.StatusInternalServerError)
			return
		}
		if errs == nil {
			errs = []service.ConnectionError{}
		}
		writeJSON(w, http.StatusOK, errs)
	}
}

func jobSynapsesHandler(cfg RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run := completedRun(cfg.JobManager, w, r)
		if run == nil {
			return
		}

		bins, err := queryInt(r, "bins", defaultBins)
		if err != nil || bins == 0 || bins > maxBins {
			http.Error(w, "invalid bins", http.StatusBadRequest)
			return
		}
		cmap := r.URL.Query().Get("colormap")

		key := cache.ResultKey(run.ID, fmt.Sprintf("synapses:%d:%s", bins, cmap))
		if cfg.Cache != nil {
			if data, ok := cfg.Cache.GetPayload(key); ok {
				writePNG(w, data)
				return
			}
		}

		lo, hi, err := synapseWindow(cfg.Model, run.Params.Connection)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		res, err := cfg.JobManager.Result(run.ID)
		if err != nil {
			http.Error(w, "failed to load result: "+err.Error(), http.StatusInternalServerError)
			return
		}
		data, err := cfg.Renderer.SynapseDensity(res.SynapseUVs(), lo, hi, bins, cmap)
		if err != nil {
			http.Error(w, "render failed: "+err.Error(), http.StatusInternalServerError)
			return
		}
		if cfg.Cache != nil {
			cfg.Cache.SetPayload(key, data)
		}
		writePNG(w, data)
	}
}

// synapseWindow returns the UV bounds of the synapse layer of a connection.
func synapseWindow(model *service.Model, index int) (r2.Vec, r2.Vec, error) {
	spec, err := model.Connection(index)
	if err != nil {
		return r2.Vec{}, r2.Vec{}, err
	}
	l, err := model.Layer(spec.Layers[spec.SynapseLayer])
	if err != nil {
		return r2.Vec{}, r2.Vec{}, err
	}
	lo, hi := l.UVBounds()
	return lo, hi, nil
}
