package httpjson

import (
    "context"
    "crypto/tls"
    "encoding/json"
    "fmt"
    "log"
    "net"
    "net/http"
    "strconv"
    "time"

    "github.com/prometheus/client_golang/prometheus/promhttp"

    "github.com/amirimatin/go-rachis/pkg/consensus"
    "github.com/amirimatin/go-rachis/pkg/internal/logutil"
    "github.com/amirimatin/go-rachis/pkg/observability/tracing"
    "github.com/amirimatin/go-rachis/pkg/transport"
)

// Server is a minimal HTTP server exposing management endpoints: status, log
// summary, submit forwarding, topology changes, metrics and healthz.
type Server struct {
    bind   string
    srv    *http.Server
    logger *log.Logger
    tlsCfg *tls.Config
}

// NewServer binds to the given TCP address (e.g., ":7301").
func NewServer(bind string, logger *log.Logger) *Server {
    if logger == nil { logger = log.Default() }
    return &Server{bind: bind, logger: logger}
}

// UseTLS enables TLS for the HTTP server using the provided config.
func (s *Server) UseTLS(cfg *tls.Config) *Server { s.tlsCfg = cfg; return s }

func writeJSON(w http.ResponseWriter, code int, v any) {
    w.Header().Set("Content-Type", "application/json")
    w.WriteHeader(code)
    _ = json.NewEncoder(w).Encode(v)
}

// statusFor maps an error category to an HTTP status.
func statusFor(code string) int {
    switch code {
    case "":
        return http.StatusOK
    case "not-leading":
        return http.StatusMisdirectedRequest
    case "concurrency":
        return http.StatusConflict
    case "invalid-operation":
        return http.StatusBadRequest
    default:
        return http.StatusInternalServerError
    }
}

func allow(w http.ResponseWriter, r *http.Request, method string) bool {
    if r.Method == method { return true }
    http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
    return false
}

// Handler returns the management mux for h.
func Handler(h transport.Handlers) http.Handler {
    mux := http.NewServeMux()
    mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
        if !allow(w, r, http.MethodGet) { return }
        if h.Status == nil { http.Error(w, "status not supported", http.StatusNotImplemented); return }
        ctx, end := tracing.StartSpan(r.Context(), "http.status")
        defer end()
        data, err := h.Status(ctx)
        if err != nil { http.Error(w, fmt.Sprintf("status error: %v", err), http.StatusInternalServerError); return }
        w.Header().Set("Content-Type", "application/json")
        _, _ = w.Write(data)
    })
    mux.HandleFunc("/log", func(w http.ResponseWriter, r *http.Request) {
        if !allow(w, r, http.MethodGet) { return }
        if h.Log == nil { http.Error(w, "log not supported", http.StatusNotImplemented); return }
        max := 0
        if v := r.URL.Query().Get("max"); v != "" {
            n, err := strconv.Atoi(v)
            if err != nil || n < 0 { http.Error(w, "bad max", http.StatusBadRequest); return }
            max = n
        }
        ctx, end := tracing.StartSpan(r.Context(), "http.log")
        defer end()
        sum, err := h.Log(ctx, max)
        if err != nil { http.Error(w, fmt.Sprintf("log error: %v", err), http.StatusInternalServerError); return }
        writeJSON(w, http.StatusOK, sum)
    })
    mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
        if !allow(w, r, http.MethodGet) { return }
        w.WriteHeader(http.StatusOK)
        _, _ = w.Write([]byte("ok"))
    })
    mux.Handle("/metrics", promhttp.Handler())
    mux.HandleFunc("/submit", func(w http.ResponseWriter, r *http.Request) {
        if !allow(w, r, http.MethodPost) { return }
        if h.Submit == nil { http.Error(w, "submit not supported", http.StatusNotImplemented); return }
        var req transport.SubmitRequest
        if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
            http.Error(w, fmt.Sprintf("bad request: %v", err), http.StatusBadRequest)
            return
        }
        ctx, end := tracing.StartSpan(r.Context(), "http.submit")
        defer end()
        resp, err := h.Submit(ctx, req)
        if err != nil && resp.Error == "" { resp.Error, resp.Code = err.Error(), consensus.Code(err) }
        writeJSON(w, statusFor(resp.Code), resp)
    })
    mux.HandleFunc("/topology", func(w http.ResponseWriter, r *http.Request) {
        if !allow(w, r, http.MethodPost) { return }
        if h.Topology == nil { http.Error(w, "topology not supported", http.StatusNotImplemented); return }
        var req transport.TopologyRequest
        if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
            http.Error(w, fmt.Sprintf("bad request: %v", err), http.StatusBadRequest)
            return
        }
        ctx, end := tracing.StartSpan(r.Context(), "http.topology")
        defer end()
        resp, err := h.Topology(ctx, req)
        if err != nil && resp.Error == "" { resp.Error, resp.Code = err.Error(), consensus.Code(err) }
        writeJSON(w, statusFor(resp.Code), resp)
    })
    return mux
}

// Start launches the HTTP server. The server is shut down when the context
// is canceled.
func (s *Server) Start(ctx context.Context, h transport.Handlers) error {
    ln, err := net.Listen("tcp", s.bind)
    if err != nil { return err }
    s.bind = ln.Addr().String()
    if s.tlsCfg != nil { ln = tls.NewListener(ln, s.tlsCfg) }
    s.srv = &http.Server{Handler: Handler(h), ReadHeaderTimeout: 5 * time.Second}
    srv := s.srv

    go func() {
        <-ctx.Done()
        _ = s.Stop(context.Background())
    }()
    go func() {
        if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
            logutil.Errorf(s.logger, "httpjson: server error: %v", err)
        }
    }()
    return nil
}

// Addr returns the bound address.
func (s *Server) Addr() string { return s.bind }

// Stop attempts a graceful shutdown with a short timeout.
func (s *Server) Stop(ctx context.Context) error {
    srv := s.srv
    if srv == nil { return nil }
    c, cancel := context.WithTimeout(ctx, 2*time.Second)
    defer cancel()
    return srv.Shutdown(c)
}

var _ transport.RPCServer = (*Server)(nil)
