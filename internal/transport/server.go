package transport

import (
	"errors"
	"io"
	"net"
	"sync"

	"google.golang.org/grpc"

	qserv "github.com/lsst/qserv"
)

// Server hosts the worker side of the query stream protocol.
type Server struct {
	grpcServer *grpc.Server
	handler    TaskHandler
	log        qserv.Logger
}

// queryServiceServer pins the service registration type; the protocol
// has a single streaming method so there is nothing else to implement.
type queryServiceServer interface{}

var queryServiceDesc = grpc.ServiceDesc{
	ServiceName: "qserv.QueryService",
	HandlerType: (*queryServiceServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "ProcessQuery",
			Handler:       processQueryHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "qserv/worker.proto",
}

func NewServer(handler TaskHandler, log qserv.Logger) *Server {
	if log == nil {
		log = qserv.NopLogger{}
	}
	s := &Server{
		grpcServer: grpc.NewServer(grpc.ForceServerCodec(rawCodec{})),
		handler:    handler,
		log:        log,
	}
	s.grpcServer.RegisterService(&queryServiceDesc, s)
	return s
}

// Serve blocks serving the listener until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	return s.grpcServer.Serve(lis)
}

// Stop shuts the gRPC server down gracefully.
func (s *Server) Stop() {
	s.grpcServer.GracefulStop()
}

func processQueryHandler(srv interface{}, stream grpc.ServerStream) error {
	s := srv.(*Server)
	var payload []byte
	if err := stream.RecvMsg(&payload); err != nil {
		return err
	}
	ch := newServerSendChannel(stream)
	go ch.readPulls(s.log)
	defer ch.close()
	return s.handler.HandleTaskStream(stream.Context(), payload, ch)
}

// serverSendChannel implements SendChannel over one server stream. Sends
// after the metadata wait for a pull credit from the czar, which is the
// backpressure point of the whole worker transmit path.
type serverSendChannel struct {
	stream  grpc.ServerStream
	credits chan int

	mu       sync.Mutex
	metaSet  bool
	lastSent bool
	dead     bool
}

func newServerSendChannel(stream grpc.ServerStream) *serverSendChannel {
	return &serverSendChannel{stream: stream, credits: make(chan int, 1)}
}

// readPulls feeds pull credits until the czar closes its send side.
func (c *serverSendChannel) readPulls(log qserv.Logger) {
	for {
		var buf []byte
		if err := c.stream.RecvMsg(&buf); err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug("pull reader stopped", "err", err)
			}
			close(c.credits)
			return
		}
		size, err := unmarshalPull(buf)
		if err != nil {
			log.Warn("bad pull frame", "err", err)
			close(c.credits)
			return
		}
		select {
		case c.credits <- size:
		case <-c.stream.Context().Done():
			close(c.credits)
			return
		}
	}
}

func (c *serverSendChannel) SetMetadata(buf []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dead || c.metaSet {
		return false
	}
	c.metaSet = true
	if err := c.stream.SendMsg(buf); err != nil {
		c.dead = true
		return false
	}
	return true
}

func (c *serverSendChannel) SendStream(buf []byte, last bool) bool {
	c.mu.Lock()
	if c.dead || c.lastSent || !c.metaSet {
		c.mu.Unlock()
		return false
	}
	c.mu.Unlock()

	// Wait for the czar to ask for this message.
	select {
	case size, ok := <-c.credits:
		if !ok {
			c.Kill("pull stream closed")
			return false
		}
		if size != len(buf) {
			c.Kill("pull size mismatch")
			return false
		}
	case <-c.stream.Context().Done():
		c.Kill("stream context done")
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dead || c.lastSent {
		return false
	}
	if err := c.stream.SendMsg(buf); err != nil {
		c.dead = true
		return false
	}
	if last {
		c.lastSent = true
	}
	return true
}

func (c *serverSendChannel) Kill(note string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.dead
	c.dead = true
	return prev
}

func (c *serverSendChannel) IsDead() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dead || c.lastSent
}

func (c *serverSendChannel) close() {
	c.mu.Lock()
	c.dead = true
	c.mu.Unlock()
}
