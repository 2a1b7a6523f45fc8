package pipeline

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/logflow/tickflow/internal/model"
	"github.com/logflow/tickflow/pkg/clock"
	"github.com/logflow/tickflow/pkg/logger"
	"github.com/logflow/tickflow/pkg/poller"
	"github.com/logflow/tickflow/pkg/processor"
	"github.com/logflow/tickflow/pkg/telemetry"
)

// ComponentHealth is the supervision record of one component.
type ComponentHealth struct {
	Running     bool      `json:"running"`
	Restarts    int       `json:"restarts"`
	LastError   string    `json:"last_error,omitempty"`
	LastErrorAt time.Time `json:"last_error_at,omitempty"`
}

// TopicHealth is the externally visible state of one topic.
type TopicHealth struct {
	Topic      model.Topic                 `json:"topic"`
	Halted     bool                        `json:"halted"`
	HaltReason string                      `json:"halt_reason,omitempty"`
	HaltedAt   time.Time                   `json:"halted_at,omitempty"`
	Components map[string]*ComponentHealth `json:"components"`
	Poller     *poller.Status              `json:"poller,omitempty"`
	Shards     []processor.ShardStatus     `json:"shards,omitempty"`
}

// Report is the body of GET /status.
type Report struct {
	Healthy   bool                      `json:"healthy"`
	CheckedAt time.Time                 `json:"checked_at"`
	Topics    []TopicHealth             `json:"topics"`
	Metrics   *telemetry.MetricsSummary `json:"metrics,omitempty"`
}

// Registry tracks component lifecycles and halted topics.
type Registry struct {
	mu      sync.Mutex
	clock   clock.Clock
	topics  map[model.Topic]*TopicHealth
	units   map[model.Topic]Topic
	order   []model.Topic
	metrics *telemetry.Metrics
}

func newRegistry(c clock.Clock, topics []Topic, metrics *telemetry.Metrics) *Registry {
	r := &Registry{
		clock:   c,
		topics:  make(map[model.Topic]*TopicHealth),
		units:   make(map[model.Topic]Topic),
		metrics: metrics,
	}
	for _, t := range topics {
		th := &TopicHealth{Topic: t.Name, Components: make(map[string]*ComponentHealth)}
		if t.Poller != nil {
			th.Components[RolePoller] = &ComponentHealth{}
		}
		if t.Processor != nil {
			th.Components[RoleProcessor] = &ComponentHealth{}
		}
		r.topics[t.Name] = th
		r.units[t.Name] = t
		r.order = append(r.order, t.Name)
	}
	sort.Slice(r.order, func(i, j int) bool { return r.order[i] < r.order[j] })
	return r
}

func (r *Registry) component(topic model.Topic, role string) *ComponentHealth {
	return r.topics[topic].Components[role]
}

func (r *Registry) started(topic model.Topic, role string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.component(topic, role).Running = true
}

func (r *Registry) stopped(topic model.Topic, role string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.component(topic, role).Running = false
}

func (r *Registry) restarted(topic model.Topic, role string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := r.component(topic, role)
	ch.Restarts++
	ch.LastError = err.Error()
	ch.LastErrorAt = r.clock.Now().UTC()
}

func (r *Registry) halt(topic model.Topic, role string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	th := r.topics[topic]
	ch := th.Components[role]
	ch.LastError = err.Error()
	ch.LastErrorAt = r.clock.Now().UTC()
	if th.Halted {
		return
	}
	th.Halted = true
	th.HaltReason = componentID(topic, role) + ": " + err.Error()
	th.HaltedAt = ch.LastErrorAt
}

// Healthy reports whether no topic is halted.
func (r *Registry) Healthy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, th := range r.topics {
		if th.Halted {
			return false
		}
	}
	return true
}

// Halted returns the halt reason of every halted topic.
func (r *Registry) Halted() map[model.Topic]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[model.Topic]string)
	for name, th := range r.topics {
		if th.Halted {
			out[name] = th.HaltReason
		}
	}
	return out
}

// Report snapshots every topic, including live poller and shard status.
func (r *Registry) Report() Report {
	r.mu.Lock()
	rep := Report{Healthy: true, CheckedAt: r.clock.Now().UTC()}
	for _, name := range r.order {
		th := *r.topics[name]
		th.Components = make(map[string]*ComponentHealth, len(r.topics[name].Components))
		for role, ch := range r.topics[name].Components {
			cp := *ch
			th.Components[role] = &cp
		}
		if th.Halted {
			rep.Healthy = false
		}
		rep.Topics = append(rep.Topics, th)
	}
	r.mu.Unlock()

	// Unit status methods take their own locks.
	for i := range rep.Topics {
		u := r.units[rep.Topics[i].Topic]
		if u.Poller != nil {
			st := u.Poller.Status()
			rep.Topics[i].Poller = &st
		}
		if u.Processor != nil {
			rep.Topics[i].Shards = u.Processor.Status()
		}
	}
	if r.metrics != nil {
		s := r.metrics.Summary()
		rep.Metrics = &s
	}
	return rep
}

// Handler serves GET /healthz and GET /status.
func (r *Registry) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		halted := r.Halted()
		if len(halted) == 0 {
			writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
			return
		}
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "halted", "halted": halted})
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, r.Report())
	})
	return otelhttp.NewHandler(mux, "health")
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// Serve exposes the registry on addr until ctx is canceled.
func Serve(ctx context.Context, addr string, r *Registry, log *zap.SugaredLogger) error {
	log = logger.OrNop(log)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	log.Infow("health endpoint listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
