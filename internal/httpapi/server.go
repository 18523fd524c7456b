// Package httpapi is the thin NDJSON-streaming HTTP frontend (C8) that
// turns a POST /query/:dataset request into a dispatch.Dispatcher call.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	"github.com/subsquid/query-gateway/internal/catalog"
	"github.com/subsquid/query-gateway/internal/config"
	"github.com/subsquid/query-gateway/internal/dispatch"
	"github.com/subsquid/query-gateway/internal/gwlog"
	"github.com/subsquid/query-gateway/internal/metrics"
	"github.com/subsquid/query-gateway/internal/types"
)

// perIPRate and perIPBurst bound how fast a single client IP can open new
// query streams; this is independent of anything worker-side.
const (
	perIPRate  = 20
	perIPBurst = 40
)

// requestBody is the JSON envelope POSTed to /query/:dataset. Fields beyond
// fromBlock/toBlock pass through to the worker verbatim via ParseQuery;
// the dispatch overrides below are lifted out of the same body because the
// original client protocol has no separate header channel for them.
type requestBody struct {
	BufferSize        int     `json:"bufferSize"`
	MaxChunks         int     `json:"maxChunks"`
	ChunkTimeoutMs    int     `json:"chunkTimeoutMs"`
	TimeoutQuantile   float64 `json:"timeoutQuantile"`
	RequestMultiplier int     `json:"requestMultiplier"`
	Retries           int     `json:"retries"`
}

// Server wires the dataset directory and dispatcher behind gorilla/mux
// routing, applying a per-IP token bucket ahead of the dispatcher.
type Server struct {
	router     *mux.Router
	dispatcher *dispatch.Dispatcher
	directory  *catalog.Directory
	cfg        *config.Config
	logger     gwlog.Logger
	metrics    *metrics.Registry

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter
}

// NewServer builds a Server and registers its routes.
func NewServer(cfg *config.Config, directory *catalog.Directory, dispatcher *dispatch.Dispatcher, reg *metrics.Registry, logger gwlog.Logger) *Server {
	if logger == nil {
		logger = gwlog.NopLogger
	}
	s := &Server{
		router:     mux.NewRouter(),
		dispatcher: dispatcher,
		directory:  directory,
		cfg:        cfg,
		logger:     logger,
		metrics:    reg,
		limiters:   make(map[string]*rate.Limiter),
	}
	s.router.HandleFunc("/query/{dataset}", s.handleQuery).Methods(http.MethodPost)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) limiterFor(ip string) *rate.Limiter {
	s.limitersMu.Lock()
	defer s.limitersMu.Unlock()
	l, ok := s.limiters[ip]
	if !ok {
		l = rate.NewLimiter(rate.Limit(perIPRate), perIPBurst)
		s.limiters[ip] = l
	}
	return l
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if !s.limiterFor(clientIP(r)).Allow() {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	slug := mux.Vars(r)["dataset"]
	entry, ok := s.directory.Lookup(slug)
	if !ok {
		s.logger.Log(gwlog.LevelWarn, "query for unknown dataset", "dataset", slug, "remote", r.RemoteAddr)
		http.Error(w, "unknown dataset", http.StatusNotFound)
		return
	}

	var body requestBody
	raw, err := readAndPeekJSON(r, &body)
	if err != nil {
		http.Error(w, "malformed request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	query, err := types.ParseQuery(raw)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	req := s.buildClientRequest(entry.Id, query, body)

	ctx := r.Context()
	results, err := s.dispatcher.Dispatch(ctx, req)
	if err != nil {
		s.logger.Log(gwlog.LevelInfo, "dispatch rejected", "dataset", slug, "err", err)
		writeTerminalError(w, err)
		return
	}

	s.streamResults(w, results)
}

func (s *Server) buildClientRequest(id types.DatasetId, query types.ParsedQuery, body requestBody) types.ClientRequest {
	req := types.ClientRequest{
		DatasetId:         id,
		Query:             query,
		BufferSize:        s.cfg.DefaultBufferSize,
		MaxChunks:         s.cfg.MaxChunksPerStream,
		TimeoutQuantile:   s.cfg.DefaultTimeoutQuantile,
		RequestMultiplier: 1,
		Retries:           s.cfg.DefaultRetries,
	}
	if body.BufferSize > 0 {
		req.BufferSize = body.BufferSize
	}
	if req.BufferSize > s.cfg.MaxBufferSize {
		req.BufferSize = s.cfg.MaxBufferSize
	}
	if body.MaxChunks > 0 {
		req.MaxChunks = body.MaxChunks
	}
	if body.ChunkTimeoutMs > 0 {
		req.ChunkTimeout = time.Duration(body.ChunkTimeoutMs) * time.Millisecond
	}
	if body.TimeoutQuantile > 0 && body.TimeoutQuantile <= 1 {
		req.TimeoutQuantile = body.TimeoutQuantile
	}
	if body.RequestMultiplier > 0 {
		req.RequestMultiplier = body.RequestMultiplier
	}
	if body.Retries > 0 {
		req.Retries = body.Retries
	}
	return req
}

// readAndPeekJSON decodes body into dst while also returning the full raw
// bytes, since ParseQuery needs the untouched document to preserve
// passthrough fields.
func readAndPeekJSON(r *http.Request, dst *requestBody) ([]byte, error) {
	defer r.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, errors.New("empty body")
	}
	// Dispatch overrides are optional; a body missing them entirely is not
	// an error.
	_ = json.Unmarshal(raw, dst)
	return raw, nil
}

func (s *Server) streamResults(w http.ResponseWriter, results <-chan dispatch.ChunkResult) {
	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "application/x-ndjson")

	first := true
	enc := json.NewEncoder(w)
	for res := range results {
		if res.Err != nil {
			if first {
				writeTerminalError(w, res.Err)
				return
			}
			// Mid-stream failure: the 200 response line is already
			// committed, so the error is reported as a trailing NDJSON
			// line rather than a status code change.
			_ = enc.Encode(map[string]string{"error": res.Err.Error()})
			if flusher != nil {
				flusher.Flush()
			}
			return
		}
		first = false
		w.Write(res.Data)
		w.Write([]byte("\n"))
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func writeTerminalError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, types.ErrOutOfRange):
		http.Error(w, err.Error(), http.StatusRequestedRangeNotSatisfiable)
	case errors.Is(err, types.ErrNoWorkers):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, types.ErrNoAllocation):
		http.Error(w, err.Error(), http.StatusPaymentRequired)
	case errors.Is(err, types.ErrExhausted):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, types.ErrBadRequest):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, types.ErrNoData):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
