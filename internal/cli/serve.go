package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"task2vec/internal/domain"
	"task2vec/internal/metrics"
	"task2vec/internal/usecase"
)

const maxRequestLine = 4 << 20

var (
	serveWorkers     int
	serveMetricsAddr string
	serveNoWatch     bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Answer JSONL queries on stdin, reloading the index when its files change",
	Long: `Read one JSON request per line on stdin and write one JSON response per line
on stdout. Responses carry the request id and may arrive out of order.

Requests:
  {"id": "1", "op": "topk",    "text": "...", "k": 5}
  {"id": "2", "op": "score",   "key": "SPR-1234", "k": 10}
  {"id": "3", "op": "analyze", "vector": [0.1, 0.2, ...]}
  {"id": "4", "op": "stats"}

The cache, metadata and label files are watched; a successful rebuild is
swapped in atomically and a failed one keeps the current snapshot.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().IntVar(&serveWorkers, "workers", 4, "requests handled concurrently")
	serveCmd.Flags().StringVar(&serveMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (default metrics.addr)")
	serveCmd.Flags().BoolVar(&serveNoWatch, "no-watch", false, "do not reload when files change")
}

type serveRequest struct {
	ID     string    `json:"id"`
	Op     string    `json:"op"`
	Text   string    `json:"text,omitempty"`
	Key    string    `json:"key,omitempty"`
	Vector []float32 `json:"vector,omitempty"`
	K      int       `json:"k,omitempty"`
}

type serveResponse struct {
	ID        string            `json:"id"`
	OK        bool              `json:"ok"`
	Error     string            `json:"error,omitempty"`
	Neighbors []domain.Neighbor `json:"neighbors,omitempty"`
	Outcome   *domain.Outcome   `json:"outcome,omitempty"`
	Analysis  *domain.Analysis  `json:"analysis,omitempty"`
	Stats     *serveStats       `json:"stats,omitempty"`
}

type serveStats struct {
	Index    domain.IndexStats `json:"index"`
	Labelled int               `json:"labelled"`
	Labels   []string          `json:"labels"`
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := GetConfig()
	dir := GetRootDir()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, builder, err := newService(cfg, dir, true)
	if err != nil {
		return err
	}

	paths := []string{cfg.CachePath(dir)}
	for _, p := range []string{cfg.LabelsPath(dir), cfg.MetadataPath(dir)} {
		if p != "" {
			paths = append(paths, p)
		}
	}
	reloader := usecase.NewReloader(builder, svc, paths, logger)
	if err := reloader.Reload(ctx); err != nil {
		return err
	}
	if !serveNoWatch {
		if err := reloader.Watch(ctx); err != nil {
			return err
		}
		defer reloader.Close()
	}

	addr := serveMetricsAddr
	if addr == "" {
		addr = cfg.Metrics.Addr
	}
	if addr != "" {
		srv := &http.Server{Addr: addr, Handler: metricsMux(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			logger.Info("metrics listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	h := &requestHandler{svc: svc, topK: cfg.Score.TopK, neighbors: cfg.Score.NeighborCount, precision: cfg.Score.Precision}
	logger.Info("serving requests on stdin", "workers", serveWorkers)
	return h.serve(ctx, os.Stdin, os.Stdout, serveWorkers)
}

func metricsMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

type requestHandler struct {
	svc       *usecase.Service
	topK      int
	neighbors int
	precision int
}

// serve reads requests from r until EOF or ctx is done and writes one
// response line per request to w.
func (h *requestHandler) serve(ctx context.Context, r io.Reader, w io.Writer, workers int) error {
	var mu sync.Mutex
	enc := json.NewEncoder(w)
	write := func(resp serveResponse) {
		mu.Lock()
		defer mu.Unlock()
		if err := enc.Encode(resp); err != nil {
			logger.Error("failed to write response", "id", resp.ID, "error", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, workers))

	lines := make(chan []byte)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 0, 64*1024), maxRequestLine)
		for sc.Scan() {
			line := append([]byte(nil), sc.Bytes()...)
			select {
			case lines <- line:
			case <-gctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()

loop:
	for {
		select {
		case <-gctx.Done():
			break loop
		case line, ok := <-lines:
			if !ok {
				break loop
			}
			if len(line) == 0 {
				continue
			}
			var req serveRequest
			if err := json.Unmarshal(line, &req); err != nil {
				write(serveResponse{Error: fmt.Sprintf("invalid request: %v", err)})
				continue
			}
			g.Go(func() error {
				write(h.handle(gctx, req))
				return nil
			})
		}
	}

	if err := g.Wait(); err != nil {
		return err
	}
	select {
	case err := <-scanErr:
		return err
	default:
		return nil
	}
}

func (h *requestHandler) handle(ctx context.Context, req serveRequest) serveResponse {
	resp := serveResponse{ID: req.ID}
	fail := func(err error) serveResponse {
		resp.Error = err.Error()
		return resp
	}

	switch req.Op {
	case "topk":
		k := h.topK
		if req.K > 0 {
			k = req.K
		}
		var (
			hits []domain.Neighbor
			err  error
		)
		switch {
		case req.Key != "":
			hits, err = h.svc.TopKByKey(ctx, req.Key, k)
		case len(req.Vector) > 0:
			hits, err = h.svc.TopK(ctx, req.Vector, k)
		default:
			hits, err = h.svc.TopKText(ctx, req.Text, k)
		}
		if err != nil {
			return fail(err)
		}
		resp.Neighbors = hits
		if resp.Neighbors == nil {
			resp.Neighbors = []domain.Neighbor{}
		}

	case "score":
		n := h.neighbors
		if req.K > 0 {
			n = req.K
		}
		var (
			out domain.Outcome
			err error
		)
		switch {
		case req.Key != "":
			out, err = h.svc.ScoreByKey(ctx, req.Key, n)
		case len(req.Vector) > 0:
			out, err = h.svc.Score(ctx, req.Vector, n)
		default:
			out, err = h.svc.ScoreText(ctx, req.Text, n)
		}
		if err != nil {
			return fail(err)
		}
		out = out.Rounded(h.precision)
		resp.Outcome = &out

	case "analyze":
		var (
			a   domain.Analysis
			err error
		)
		if len(req.Vector) > 0 {
			a, err = h.svc.Analyze(ctx, req.Vector)
		} else {
			a, err = h.svc.AnalyzeText(ctx, req.Text)
		}
		if err != nil {
			return fail(err)
		}
		resp.Analysis = &a

	case "stats":
		snap := h.svc.Snapshot()
		if snap == nil {
			return fail(usecase.ErrNoSnapshot)
		}
		st := &serveStats{Index: snap.Index.Stats(), Labels: h.svc.Labels()}
		if snap.Labels != nil {
			for key := range snap.Labels.Signals {
				if snap.Index.Contains(key) {
					st.Labelled++
				}
			}
		}
		resp.Stats = st

	default:
		return fail(fmt.Errorf("unknown op %q", req.Op))
	}

	resp.OK = true
	return resp
}
