package httpmw

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/strongdm/ai-cxdb-advisor/pkg/advisor"
	"github.com/strongdm/ai-cxdb-advisor/pkg/advisor/cache"
	"github.com/strongdm/ai-cxdb-advisor/pkg/advisor/client"
)

// Source is the read side of a pipeline.
type Source interface {
	Lookup(fp string) (cache.Entry, bool)
	Stats() advisor.Stats
}

var _ Source = (*advisor.Pipeline)(nil)

// AdviceResponse is the body of GET /advice/{fingerprint}.
type AdviceResponse struct {
	Fingerprint   string         `json:"fingerprint"`
	Status        cache.Status   `json:"status"`
	Advice        *client.Advice `json:"advice,omitempty"`
	Provider      string         `json:"provider,omitempty"`
	FailureReason string         `json:"failure_reason,omitempty"`
	Truncated     bool           `json:"truncated,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	ExpiresAt     *time.Time     `json:"expires_at,omitempty"`
}

// StatsResponse is the body of GET /stats.
type StatsResponse struct {
	QueueDepth     int                            `json:"queue_depth"`
	QueueCapacity  int                            `json:"queue_capacity"`
	Submitted      int64                          `json:"submitted"`
	CacheHits      int64                          `json:"cache_hits"`
	AlreadyPending int64                          `json:"already_pending"`
	Queued         int64                          `json:"queued"`
	Rejected       map[advisor.RejectReason]int64 `json:"rejected"`
	InFlight       int64                          `json:"in_flight"`
	Completed      int64                          `json:"completed"`
	Failed         int64                          `json:"failed"`
	Retries        int64                          `json:"retries"`
	AvgLatencyMs   int64                          `json:"avg_latency_ms"`
	CacheEntries   int                            `json:"cache_entries"`
	CacheBytes     int64                          `json:"cache_bytes"`
	Breakers       map[string]string              `json:"breakers"`
	ProviderCalls  int64                          `json:"provider_calls"`
}

// Routes mounts the read-only advice API:
//
//	GET /advice/{fingerprint}
//	GET /stats
func Routes(src Source) chi.Router {
	r := chi.NewRouter()
	r.Get("/advice/{fingerprint}", func(w http.ResponseWriter, r *http.Request) {
		fp := chi.URLParam(r, "fingerprint")
		entry, ok := src.Lookup(fp)
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "no advice for fingerprint"})
			return
		}
		writeJSON(w, http.StatusOK, adviceResponse(entry))
	})
	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, statsResponse(src.Stats()))
	})
	return r
}

func adviceResponse(e cache.Entry) AdviceResponse {
	resp := AdviceResponse{
		Fingerprint:   e.Fingerprint,
		Status:        e.Status,
		Provider:      e.Provider,
		FailureReason: e.FailureReason,
		Truncated:     e.Truncated,
		CreatedAt:     e.CreatedAt,
	}
	if e.Status == cache.StatusReady {
		adv := client.DecodeAdvice(e.Advice)
		if adv.Provider == "" {
			adv.Provider = e.Provider
		}
		resp.Advice = &adv
	}
	if !e.ExpiresAt.IsZero() {
		exp := e.ExpiresAt
		resp.ExpiresAt = &exp
	}
	return resp
}

func statsResponse(s advisor.Stats) StatsResponse {
	breakers := make(map[string]string, len(s.Breakers))
	for _, b := range s.Breakers {
		breakers[b.Name] = b.State.String()
	}
	return StatsResponse{
		QueueDepth:     s.QueueDepth,
		QueueCapacity:  s.QueueCapacity,
		Submitted:      s.Submitted,
		CacheHits:      s.CacheHits,
		AlreadyPending: s.AlreadyPending,
		Queued:         s.Queued,
		Rejected:       s.Rejected,
		InFlight:       s.InFlight,
		Completed:      s.Completed,
		Failed:         s.Failed,
		Retries:        s.Retries,
		AvgLatencyMs:   s.AvgLatency.Milliseconds(),
		CacheEntries:   s.Cache.Entries,
		CacheBytes:     s.Cache.Bytes,
		Breakers:       breakers,
		ProviderCalls:  s.Client.ProviderCalls,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
