package transport

import (
	"context"
	"fmt"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	qserv "github.com/lsst/qserv"
)

const processQueryMethod = "/qserv.QueryService/ProcessQuery"

var processQueryStreamDesc = &grpc.StreamDesc{
	StreamName:    "ProcessQuery",
	ClientStreams: true,
	ServerStreams: true,
}

// GrpcService is the czar-side Service over gRPC bidirectional streams.
// Connections to workers are cached per endpoint.
type GrpcService struct {
	log qserv.Logger

	dialOpts []grpc.DialOption

	mu     sync.Mutex
	conns  map[string]*grpc.ClientConn
	closed bool
}

// NewGrpcService creates the czar transport. Extra dial options are
// appended to the defaults (tests inject in-memory dialers this way).
func NewGrpcService(log qserv.Logger, dialOpts ...grpc.DialOption) *GrpcService {
	if log == nil {
		log = qserv.NopLogger{}
	}
	return &GrpcService{log: log, dialOpts: dialOpts, conns: make(map[string]*grpc.ClientConn)}
}

func (s *GrpcService) conn(resource string) (*grpc.ClientConn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("transport: service closed")
	}
	if c, ok := s.conns[resource]; ok {
		return c, nil
	}
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(rawCodec{})),
	}
	opts = append(opts, s.dialOpts...)
	c, err := grpc.NewClient(resource, opts...)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", resource, err)
	}
	s.conns[resource] = c
	return c, nil
}

// ProcessRequest opens a stream to the worker, sends the request payload
// and hands the metadata header back through req.ProcessResponse. Setup
// failures before the stream exists are returned directly; once the
// stream is open all outcomes arrive through the Requester callbacks.
func (s *GrpcService) ProcessRequest(ctx context.Context, resource string, req Requester) error {
	conn, err := s.conn(resource)
	if err != nil {
		return err
	}
	sctx, cancel := context.WithCancel(ctx)
	stream, err := conn.NewStream(sctx, processQueryStreamDesc, processQueryMethod)
	if err != nil {
		cancel()
		return fmt.Errorf("transport: open stream to %s: %w", resource, err)
	}
	go func() {
		payload := req.GetRequest()
		if err := stream.SendMsg(payload); err != nil {
			s.log.Warn("request send failed", "resource", resource, "err", err)
			cancel()
			req.ProcessResponse(nil, err)
			return
		}
		var md []byte
		if err := stream.RecvMsg(&md); err != nil {
			s.log.Warn("metadata recv failed", "resource", resource, "err", err)
			cancel()
			req.ProcessResponse(nil, err)
			return
		}
		ch := &grpcChannel{
			stream:   stream,
			cancel:   cancel,
			metadata: md,
			endpoint: resource,
			req:      req,
		}
		req.ProcessResponse(ch, nil)
	}()
	return nil
}

// Close tears down all cached worker connections.
func (s *GrpcService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for _, c := range s.conns {
		_ = c.Close()
	}
	s.conns = map[string]*grpc.ClientConn{}
	return nil
}

// grpcChannel is the czar-side Channel over one open stream. The caller
// guarantees at most one outstanding GetResponseData at a time.
type grpcChannel struct {
	stream   grpc.ClientStream
	cancel   context.CancelFunc
	metadata []byte
	endpoint string
	req      Requester

	mu       sync.Mutex
	finished bool
}

func (c *grpcChannel) Metadata() []byte { return c.metadata }

func (c *grpcChannel) Endpoint() string { return c.endpoint }

func (c *grpcChannel) GetResponseData(size int) {
	go func() {
		c.mu.Lock()
		if c.finished {
			c.mu.Unlock()
			return
		}
		err := c.stream.SendMsg(marshalPull(size))
		c.mu.Unlock()
		if err != nil {
			c.req.ProcessResponseData(nil, -1, true, err)
			return
		}
		var data []byte
		if err := c.stream.RecvMsg(&data); err != nil {
			c.req.ProcessResponseData(nil, -1, true, err)
			return
		}
		c.req.ProcessResponseData(data, len(data), false, nil)
	}()
}

func (c *grpcChannel) Finished(cancelled bool) {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return
	}
	c.finished = true
	_ = c.stream.CloseSend()
	c.mu.Unlock()
	c.cancel()
}
