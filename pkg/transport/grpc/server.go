package grpc

import (
    "context"
    "crypto/tls"
    "net"
    "time"

    "google.golang.org/grpc"
    "google.golang.org/grpc/credentials"
    "google.golang.org/grpc/health"
    healthpb "google.golang.org/grpc/health/grpc_health_v1"
    "google.golang.org/grpc/keepalive"

    "github.com/amirimatin/go-rachis/pkg/consensus"
    "github.com/amirimatin/go-rachis/pkg/observability/tracing"
    "github.com/amirimatin/go-rachis/pkg/transport"
)

const serviceName = "rachis.v1.Management"

// Server implements transport.RPCServer over gRPC using a JSON codec.
type Server struct {
    bind   string
    lis    net.Listener
    srv    *grpc.Server
    health *health.Server
    tlsCfg *tls.Config
}

func NewServer(bind string) *Server { return &Server{bind: bind} }

// UseTLS enables TLS for the gRPC server using the provided config.
func (s *Server) UseTLS(cfg *tls.Config) *Server { s.tlsCfg = cfg; return s }

// internal request/response types used over gRPC JSON codec
type empty struct{}
type statusBlob struct{ Data []byte `json:"data"` }
type logRequest struct{ Max int `json:"max"` }

// managementServer defines the methods we expose.
type managementServer interface {
    GetStatus(ctx context.Context, in *empty) (*statusBlob, error)
    GetLog(ctx context.Context, in *logRequest) (*consensus.LogSummary, error)
    Submit(ctx context.Context, in *transport.SubmitRequest) (*transport.SubmitResponse, error)
    ModifyTopology(ctx context.Context, in *transport.TopologyRequest) (*transport.TopologyResponse, error)
}

type mgmtImpl struct{ h transport.Handlers }

func (m *mgmtImpl) GetStatus(ctx context.Context, _ *empty) (*statusBlob, error) {
    if m.h.Status == nil { return &statusBlob{}, nil }
    ctx, end := tracing.StartSpan(ctx, "grpc.status")
    defer end()
    b, err := m.h.Status(ctx)
    if err != nil { return nil, err }
    return &statusBlob{Data: b}, nil
}

func (m *mgmtImpl) GetLog(ctx context.Context, in *logRequest) (*consensus.LogSummary, error) {
    if m.h.Log == nil { return &consensus.LogSummary{}, nil }
    ctx, end := tracing.StartSpan(ctx, "grpc.log")
    defer end()
    out, err := m.h.Log(ctx, in.Max)
    if err != nil { return nil, err }
    return &out, nil
}

// Submit and ModifyTopology report refusals inside the response so the
// error category survives the call.
func (m *mgmtImpl) Submit(ctx context.Context, in *transport.SubmitRequest) (*transport.SubmitResponse, error) {
    if m.h.Submit == nil { return &transport.SubmitResponse{Error: "submit not supported"}, nil }
    ctx, end := tracing.StartSpan(ctx, "grpc.submit")
    defer end()
    out, err := m.h.Submit(ctx, *in)
    if err != nil && out.Error == "" { out.Error, out.Code = err.Error(), consensus.Code(err) }
    return &out, nil
}

func (m *mgmtImpl) ModifyTopology(ctx context.Context, in *transport.TopologyRequest) (*transport.TopologyResponse, error) {
    if m.h.Topology == nil { return &transport.TopologyResponse{Error: "topology not supported"}, nil }
    ctx, end := tracing.StartSpan(ctx, "grpc.topology")
    defer end()
    out, err := m.h.Topology(ctx, *in)
    if err != nil && out.Error == "" { out.Error, out.Code = err.Error(), consensus.Code(err) }
    return &out, nil
}

// Service descriptor and handlers (hand-written, no codegen required)
var _Management_serviceDesc = grpc.ServiceDesc{
    ServiceName: serviceName,
    HandlerType: (*managementServer)(nil),
    Methods: []grpc.MethodDesc{
        {MethodName: "GetStatus", Handler: _Management_GetStatus_Handler},
        {MethodName: "GetLog", Handler: _Management_GetLog_Handler},
        {MethodName: "Submit", Handler: _Management_Submit_Handler},
        {MethodName: "ModifyTopology", Handler: _Management_ModifyTopology_Handler},
    },
}

// unary adapts a typed method to the descriptor handler shape.
func unary[In any](method string, call func(managementServer, context.Context, *In) (any, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
    return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
        in := new(In)
        if err := dec(in); err != nil { return nil, err }
        if interceptor == nil { return call(srv.(managementServer), ctx, in) }
        info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/" + method}
        handler := func(ctx context.Context, req any) (any, error) {
            return call(srv.(managementServer), ctx, req.(*In))
        }
        return interceptor(ctx, in, info, handler)
    }
}

var (
    _Management_GetStatus_Handler = unary("GetStatus", func(s managementServer, ctx context.Context, in *empty) (any, error) {
        return s.GetStatus(ctx, in)
    })
    _Management_GetLog_Handler = unary("GetLog", func(s managementServer, ctx context.Context, in *logRequest) (any, error) {
        return s.GetLog(ctx, in)
    })
    _Management_Submit_Handler = unary("Submit", func(s managementServer, ctx context.Context, in *transport.SubmitRequest) (any, error) {
        return s.Submit(ctx, in)
    })
    _Management_ModifyTopology_Handler = unary("ModifyTopology", func(s managementServer, ctx context.Context, in *transport.TopologyRequest) (any, error) {
        return s.ModifyTopology(ctx, in)
    })
)

func (s *Server) Start(ctx context.Context, h transport.Handlers) error {
    lis, err := net.Listen("tcp", s.bind)
    if err != nil { return err }
    s.lis = lis
    s.bind = lis.Addr().String()
    // Management calls select the registered JSON codec by content-subtype;
    // the health service keeps protobuf so standard probes work.
    var opts []grpc.ServerOption
    opts = append(opts, grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{MinTime: 5 * time.Second, PermitWithoutStream: true}))
    opts = append(opts, grpc.KeepaliveParams(keepalive.ServerParameters{Time: 30 * time.Second, Timeout: 10 * time.Second}))
    if s.tlsCfg != nil { opts = append(opts, grpc.Creds(credentials.NewTLS(s.tlsCfg))) }
    srv := grpc.NewServer(opts...)
    s.srv = srv
    s.health = health.NewServer()
    healthpb.RegisterHealthServer(srv, s.health)
    s.health.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)
    srv.RegisterService(&_Management_serviceDesc, &mgmtImpl{h: h})

    go func() {
        <-ctx.Done()
        _ = s.Stop(context.Background())
    }()
    go func() { _ = srv.Serve(lis) }()
    return nil
}

func (s *Server) Addr() string { return s.bind }

// SetServing flips the health status reported for the management service.
func (s *Server) SetServing(ok bool) {
    if s.health == nil { return }
    st := healthpb.HealthCheckResponse_NOT_SERVING
    if ok { st = healthpb.HealthCheckResponse_SERVING }
    s.health.SetServingStatus(serviceName, st)
}

// Stop stops gracefully, forcing the stop after ctx or two seconds.
func (s *Server) Stop(ctx context.Context) error {
    srv := s.srv
    if srv == nil { return nil }
    ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
    defer cancel()
    ch := make(chan struct{})
    go func() { srv.GracefulStop(); close(ch) }()
    select {
    case <-ch:
    case <-ctx.Done():
        srv.Stop()
    }
    return nil
}

var _ transport.RPCServer = (*Server)(nil)
