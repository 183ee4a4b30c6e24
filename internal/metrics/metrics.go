// Package metrics records transform-session metrics in a Prometheus registry. Recorder implements
// stream.Observer.
package metrics

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shpitdev/tablemorph/pkg/pipeline/core"
	"github.com/shpitdev/tablemorph/pkg/pipeline/operation"
)

type Recorder struct {
	reg *prometheus.Registry

	sessions        *prometheus.CounterVec
	sessionDuration *prometheus.HistogramVec
	rows            *prometheus.CounterVec
	chunks          *prometheus.CounterVec
	chunkDuration   *prometheus.HistogramVec
}

// New builds a Recorder with its own registry, including Go runtime and process collectors.
func New() (*Recorder, error) {
	reg := prometheus.NewRegistry()
	r := &Recorder{
		reg: reg,
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tablemorph_sessions_total",
			Help: "Transform sessions by operation kind and outcome (ok or an error code).",
		}, []string{"kind", "status"}),
		sessionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tablemorph_session_duration_seconds",
			Help:    "Wall time of a transform session, including inference.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"kind", "status"}),
		rows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tablemorph_rows_total",
			Help: "Rows written by finished sessions.",
		}, []string{"kind"}),
		chunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tablemorph_chunks_total",
			Help: "Chunks transformed.",
		}, []string{"kind"}),
		chunkDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tablemorph_chunk_duration_seconds",
			Help:    "Time to apply an operation to one chunk.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
	}

	for _, c := range []prometheus.Collector{
		r.sessions, r.sessionDuration, r.rows, r.chunks, r.chunkDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("metrics: register: %w", err)
		}
	}
	return r, nil
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// Registry exposes the underlying registry for tests and additional collectors.
func (r *Recorder) Registry() *prometheus.Registry { return r.reg }

func (r *Recorder) ChunkApplied(kind operation.Kind, rows int, elapsed time.Duration) {
	k := kindLabel(kind)
	r.chunks.WithLabelValues(k).Inc()
	r.chunkDuration.WithLabelValues(k).Observe(elapsed.Seconds())
}

func (r *Recorder) SessionDone(kind operation.Kind, rows int, elapsed time.Duration, err error) {
	k, status := kindLabel(kind), statusLabel(err)
	r.sessions.WithLabelValues(k, status).Inc()
	r.sessionDuration.WithLabelValues(k, status).Observe(elapsed.Seconds())
	if err == nil {
		r.rows.WithLabelValues(k).Add(float64(rows))
	}
}

func kindLabel(kind operation.Kind) string {
	if kind == "" {
		return "none"
	}
	return string(kind)
}

func statusLabel(err error) string {
	if err == nil {
		return "ok"
	}
	if code := core.CodeOf(err); code != "" {
		return string(code)
	}
	var te *core.TransientError
	if errors.As(err, &te) {
		return "transient"
	}
	return "error"
}
