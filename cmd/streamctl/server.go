package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"adaptivecore/internal/clock"
	"adaptivecore/internal/config"
	"adaptivecore/internal/logging"
	"adaptivecore/internal/mediasource"
	"adaptivecore/internal/metrics"
	"adaptivecore/internal/player"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newServeCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run a headless player behind an HTTP control API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			return runServer(cfg)
		},
	}
}

func runServer(cfg *config.Config) error {
	log := logging.New(cfg.LogLevel)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	p := player.New(cfg, player.Deps{
		Sink:    newMemSink(),
		Log:     log,
		Metrics: m,
		Clock:   clock.Real{},
	})

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Mount("/api", apiRouter(p, log))
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: r}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("streamctl: listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		log.Infof("streamctl: received %s, shutting down", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.Unload(shutdownCtx); err != nil {
		log.Warnf("streamctl: unload during shutdown: %v", err)
	}
	return srv.Shutdown(shutdownCtx)
}

func apiRouter(p *player.Player, log logging.Logger) http.Handler {
	r := chi.NewRouter()

	r.Post("/load", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			URI string `json:"uri"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.URI == "" {
			http.Error(w, "expected {\"uri\": ...}", http.StatusBadRequest)
			return
		}
		if err := p.Load(req.Context(), body.URI); err != nil {
			log.Errorf("streamctl: load %s: %v", body.URI, err)
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	r.Post("/unload", func(w http.ResponseWriter, req *http.Request) {
		if err := p.Unload(req.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	r.Post("/seek", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Time float64 `json:"time"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			http.Error(w, "expected {\"time\": ...}", http.StatusBadRequest)
			return
		}
		clamped, err := p.Seek(req.Context(), body.Time)
		if err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		writeJSON(w, map[string]float64{"time": clamped})
	})

	r.Post("/rate", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Rate float64 `json:"rate"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			http.Error(w, "expected {\"rate\": ...}", http.StatusBadRequest)
			return
		}
		if body.Rate == 1 {
			p.CancelTrickPlay()
		} else {
			p.TrickPlay(body.Rate)
		}
		w.WriteHeader(http.StatusNoContent)
	})

	r.Get("/stats", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, p.GetStats())
	})

	r.Get("/tracks", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, p.GetTracks())
	})

	r.Post("/tracks/variant/{id}", func(w http.ResponseWriter, req *http.Request) {
		if err := p.SelectVariantTrack(req.Context(), chi.URLParam(req, "id")); err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	r.Post("/tracks/text/{id}", func(w http.ResponseWriter, req *http.Request) {
		if err := p.SelectTextTrack(req.Context(), chi.URLParam(req, "id")); err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	r.Get("/events", func(w http.ResponseWriter, req *http.Request) {
		if err := p.Events().ServeWS(req.Context(), w, req); err != nil {
			log.Warnf("streamctl: events websocket: %v", err)
		}
	})

	return r
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// memSink is a headless media sink: it discards segment bytes and tracks
// buffered intervals, merging adjacent ranges the way a platform Media
// Source reports them. It lets streamctl exercise the full engine without
// a media element attached.
type memSink struct {
	mu       sync.Mutex
	buffered map[mediasource.Type][]mediasource.Interval
}

func newMemSink() *memSink {
	return &memSink{buffered: make(map[mediasource.Type][]mediasource.Interval)}
}

func (s *memSink) Init(map[mediasource.Type]string) error { return nil }

func (s *memSink) AppendBuffer(ctx context.Context, t mediasource.Type, data []byte, start, end float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffered[t] = mergeIntervals(append(s.buffered[t], mediasource.Interval{Start: start, End: end}))
	return nil
}

func (s *memSink) Remove(ctx context.Context, t mediasource.Type, start, end float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []mediasource.Interval
	for _, iv := range s.buffered[t] {
		switch {
		case iv.End <= start || iv.Start >= end:
			kept = append(kept, iv)
		case iv.Start < start && iv.End > end:
			kept = append(kept, mediasource.Interval{Start: iv.Start, End: start}, mediasource.Interval{Start: end, End: iv.End})
		case iv.Start < start:
			kept = append(kept, mediasource.Interval{Start: iv.Start, End: start})
		case iv.End > end:
			kept = append(kept, mediasource.Interval{Start: end, End: iv.End})
		}
	}
	s.buffered[t] = kept
	return nil
}

func (s *memSink) SetDuration(d float64) error     { return nil }
func (s *memSink) EndOfStream(reason string) error { return nil }

func (s *memSink) BufferedRange(t mediasource.Type) []mediasource.Interval {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]mediasource.Interval, len(s.buffered[t]))
	copy(out, s.buffered[t])
	return out
}

func mergeIntervals(ivs []mediasource.Interval) []mediasource.Interval {
	if len(ivs) < 2 {
		return ivs
	}
	sort.Slice(ivs, func(i, j int) bool { return ivs[i].Start < ivs[j].Start })
	merged := ivs[:1]
	for _, iv := range ivs[1:] {
		last := &merged[len(merged)-1]
		if iv.Start <= last.End {
			if iv.End > last.End {
				last.End = iv.End
			}
			continue
		}
		merged = append(merged, iv)
	}
	return merged
}
