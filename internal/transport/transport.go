// Package transport defines the streaming RPC contract the dispatch
// engine requires and provides the gRPC implementation of it. The czar
// side sends one request payload per dispatch and pulls sized data
// messages back; the worker side answers with a metadata header followed
// by a chain of data messages, each sent only when the czar has asked
// for it.
package transport

import "context"

// Requester is implemented by the czar's per-dispatch request objects.
// The transport invokes the callbacks from its own goroutines; the
// implementation must synchronize internally and must tolerate callbacks
// that arrive after it has locally finished.
type Requester interface {
	// GetRequest returns the serialized request payload. Called once
	// when the transport is ready to send.
	GetRequest() []byte

	// ProcessResponse is invoked exactly once per dispatch: with a live
	// channel when the worker accepted the request and produced its
	// metadata header, or with a non-nil error.
	ProcessResponse(ch Channel, err error)

	// ProcessResponseData delivers the bytes of one pulled data message.
	// blen is negative when err is set. last mirrors the transport's own
	// view of stream end and is advisory; the in-band header is
	// authoritative.
	ProcessResponseData(data []byte, blen int, last bool, err error)
}

// Channel is the czar-side handle for one open response stream.
type Channel interface {
	// Metadata returns the out-of-band bytes delivered with the
	// response: the wrapped first header.
	Metadata() []byte

	// GetResponseData asks the worker for the next data message of
	// exactly size bytes. The reply arrives via ProcessResponseData.
	GetResponseData(size int)

	// Finished releases the channel. Idempotent and safe from any
	// goroutine; after it returns no new pulls are sent, but a pull
	// already in flight may still report through ProcessResponseData.
	Finished(cancelled bool)

	// Endpoint names the worker serving this channel.
	Endpoint() string
}

// Service dispatches requests to workers. resource is the worker
// endpoint owning the addressed chunk.
type Service interface {
	ProcessRequest(ctx context.Context, resource string, req Requester) error
	Close() error
}

// SendChannel is the worker-side handle for one response stream.
// Exactly one send carries last=true; attempts after that are refused.
type SendChannel interface {
	// SetMetadata publishes the wrapped first header. Must be called
	// before the first SendStream and at most once.
	SetMetadata(buf []byte) bool

	// SendStream transmits one data message. It blocks until the czar
	// has pulled, providing backpressure.
	SendStream(buf []byte, last bool) bool

	// Kill tears the stream down after an unrecoverable error.
	// Returns the previous killed state.
	Kill(note string) bool

	// IsDead reports whether the channel was killed or completed.
	IsDead() bool
}

// TaskHandler is implemented by the worker's admission layer; the
// transport calls it once per accepted request stream and returns when
// the handler does.
type TaskHandler interface {
	HandleTaskStream(ctx context.Context, payload []byte, ch SendChannel) error
}
