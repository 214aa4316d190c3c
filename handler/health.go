package handler

import (
	"net/http"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/stepflow/stepflow/engine"
	"github.com/stepflow/stepflow/hub"
	"github.com/stepflow/stepflow/logger"
	"github.com/stepflow/stepflow/model"
	"github.com/stepflow/stepflow/osstats"
	"github.com/stepflow/stepflow/store"
	"github.com/stepflow/stepflow/version"
)

// HandleHealth returns GET /api/health, the liveness check.
func HandleHealth(started time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteData(w, map[string]interface{}{
			"status":         "healthy",
			"uptime_seconds": int64(time.Since(started).Seconds()),
			"version":        version.Version,
		}, http.StatusOK)
	}
}

// HandleHealthStatus returns GET /api/health/status, the full report
// with database, engine and hub counters.
func HandleHealthStatus(s *store.Store, eng *engine.Engine, h *hub.Hub, started time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out := map[string]interface{}{
			"status":         "healthy",
			"uptime":         humanize.RelTime(started, model.Now(), "", ""),
			"uptime_seconds": int64(time.Since(started).Seconds()),
			"version":        version.Version,
			"engine": map[string]interface{}{
				"active_executions": eng.ActiveCount(),
				"logs_dropped":      eng.LogsDropped(),
			},
			"hub": map[string]interface{}{
				"subscribers": h.SubscriberCount(),
			},
		}

		if stats, err := s.GetStatistics(); err != nil {
			out["status"] = "degraded"
			out["database"] = map[string]interface{}{"error": err.Error()}
		} else {
			out["database"] = map[string]interface{}{
				"total_executions": stats.TotalExecutions,
				"by_status":        stats.ByStatus,
				"total_steps":      stats.TotalSteps,
				"total_artifacts":  stats.TotalArtifacts,
				"artifact_bytes":   stats.ArtifactBytes,
				"artifact_size":    humanize.Bytes(uint64(stats.ArtifactBytes)),
			}
		}

		du := osstats.CollectDisk(r.Context(), s.DatabasePath())
		out["storage"] = map[string]interface{}{
			"path":         du.Path,
			"used_percent": du.UsedPct,
			"free":         humanize.Bytes(du.FreeB),
			"total":        humanize.Bytes(du.TotalB),
		}

		WriteData(w, out, http.StatusOK)
	}
}

// HandleHealthMetrics returns GET /api/health/metrics, the host and
// process performance snapshot.
func HandleHealthMetrics(s *store.Store, eng *engine.Engine, h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteData(w, map[string]interface{}{
			"host": osstats.Collect(r.Context()),
			"process": map[string]interface{}{
				"active_executions": eng.ActiveCount(),
				"subscribers":       h.SubscriberCount(),
				"logs_dropped":      eng.LogsDropped(),
				"log_lines_lost":    s.LinesLost(),
			},
		}, http.StatusOK)
	}
}

// HandleOptimize returns POST /api/health/optimize.
func HandleOptimize(s *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		if err := s.Optimize(); err != nil {
			WriteError(w, err)
			return
		}
		logger.FromRequest(r).
			WithField("elapsed", time.Since(start).String()).
			Infoln("api: database optimized")
		WriteData(w, map[string]interface{}{
			"optimized":  true,
			"elapsed_ms": time.Since(start).Milliseconds(),
		}, http.StatusOK)
	}
}
