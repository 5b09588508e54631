/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package interceptor

import (
	"context"
	"strings"

	"google.golang.org/grpc"
)

// CallShape is one of the four gRPC interaction patterns.
type CallShape int

// Call shapes.
const (
	CallShapeUnknown CallShape = iota
	CallShapeUnaryUnary
	CallShapeUnaryStream
	CallShapeStreamUnary
	CallShapeStreamStream
)

// String implements fmt.Stringer.
func (s CallShape) String() string {
	switch s {
	case CallShapeUnaryUnary:
		return "unary"
	case CallShapeUnaryStream:
		return "server_stream"
	case CallShapeStreamUnary:
		return "client_stream"
	case CallShapeStreamStream:
		return "bidi_stream"
	}
	return "unknown"
}

// StreamingResponse reports whether the server may send more than one message.
func (s CallShape) StreamingResponse() bool {
	return s == CallShapeUnaryStream || s == CallShapeStreamStream
}

// CallShapeFromStreamInfo returns the shape of a streaming call.
func CallShapeFromStreamInfo(info *grpc.StreamServerInfo) CallShape {
	switch {
	case info == nil:
		return CallShapeUnknown
	case info.IsClientStream && info.IsServerStream:
		return CallShapeStreamStream
	case info.IsServerStream:
		return CallShapeUnaryStream
	case info.IsClientStream:
		return CallShapeStreamUnary
	}
	return CallShapeUnknown
}

// CallInfo describes the called method.
type CallInfo struct {
	FullMethod string
	// Service is the fully qualified service name ("pkg.v1.Ingest").
	Service string
	// Method is the short method name ("Bulk").
	Method string
	Shape  CallShape
}

// NewCallInfo creates CallInfo for the full method name in the "/pkg.Service/Method" form.
func NewCallInfo(fullMethod string, shape CallShape) CallInfo {
	service, method := splitFullMethodName(fullMethod)
	return CallInfo{FullMethod: fullMethod, Service: service, Method: method, Shape: shape}
}

// ServiceShortName returns the last dot-separated component of the service name ("Ingest" for "pkg.v1.Ingest").
func (ci CallInfo) ServiceShortName() string {
	if i := strings.LastIndexByte(ci.Service, '.'); i >= 0 {
		return ci.Service[i+1:]
	}
	return ci.Service
}

// CallHandler holds the handler of exactly one call shape.
// Unary-unary calls are served by a grpc.UnaryHandler, all other shapes by a grpc.StreamHandler.
// The request value and the grpc.ServerStream carry the codec and are always forwarded as is.
type CallHandler struct {
	shape  CallShape
	unary  grpc.UnaryHandler
	stream grpc.StreamHandler
}

// NewUnaryCallHandler creates a CallHandler for a unary-unary call.
func NewUnaryCallHandler(h grpc.UnaryHandler) *CallHandler {
	return &CallHandler{shape: CallShapeUnaryUnary, unary: h}
}

// NewStreamCallHandler creates a CallHandler for a streaming call of the given shape.
// For CallShapeUnaryUnary or CallShapeUnknown the handler is kept as an unknown one and is never wrapped.
func NewStreamCallHandler(shape CallShape, h grpc.StreamHandler) *CallHandler {
	if shape == CallShapeUnaryUnary {
		shape = CallShapeUnknown
	}
	return &CallHandler{shape: shape, stream: h}
}

// Shape returns the shape of the handler.
func (h *CallHandler) Shape() CallShape {
	return h.shape
}

// Unary returns the unary handler. It is nil for streaming shapes.
func (h *CallHandler) Unary() grpc.UnaryHandler {
	return h.unary
}

// Stream returns the stream handler. It is nil for the unary-unary shape.
func (h *CallHandler) Stream() grpc.StreamHandler {
	return h.stream
}

// CallWrapper applies a policy around a handler. There is one method per call shape.
// Each method must return a handler with the same signature and must not replace the request or the stream
// passed to it by anything other than a wrapper that delegates to the original stream.
type CallWrapper interface {
	WrapUnaryUnary(info CallInfo, next grpc.UnaryHandler) grpc.UnaryHandler
	WrapUnaryStream(info CallInfo, next grpc.StreamHandler) grpc.StreamHandler
	WrapStreamUnary(info CallInfo, next grpc.StreamHandler) grpc.StreamHandler
	WrapStreamStream(info CallInfo, next grpc.StreamHandler) grpc.StreamHandler
}

// WrapCall returns a new handler of the same shape with the wrapper applied.
// A nil handler is returned as nil, a handler of unknown shape is returned unchanged.
func WrapCall(w CallWrapper, info CallInfo, h *CallHandler) *CallHandler {
	if h == nil {
		return nil
	}
	switch h.shape {
	case CallShapeUnaryUnary:
		return &CallHandler{shape: h.shape, unary: w.WrapUnaryUnary(info, h.unary)}
	case CallShapeUnaryStream:
		return &CallHandler{shape: h.shape, stream: w.WrapUnaryStream(info, h.stream)}
	case CallShapeStreamUnary:
		return &CallHandler{shape: h.shape, stream: w.WrapStreamUnary(info, h.stream)}
	case CallShapeStreamStream:
		return &CallHandler{shape: h.shape, stream: w.WrapStreamStream(info, h.stream)}
	}
	return h
}

// HandlerLookup returns the handler for the method or nil if there is no such method.
type HandlerLookup func(info CallInfo) *CallHandler

// WrapLookup applies the wrapper to every handler returned by the lookup.
func WrapLookup(w CallWrapper, lookup HandlerLookup) HandlerLookup {
	return func(info CallInfo) *CallHandler {
		return WrapCall(w, info, lookup(info))
	}
}

// UnaryServerInterceptorFor adapts the wrapper to grpc.UnaryServerInterceptor.
func UnaryServerInterceptorFor(w CallWrapper) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		ci := NewCallInfo(info.FullMethod, CallShapeUnaryUnary)
		return WrapCall(w, ci, NewUnaryCallHandler(handler)).Unary()(ctx, req)
	}
}

// StreamServerInterceptorFor adapts the wrapper to grpc.StreamServerInterceptor.
func StreamServerInterceptorFor(w CallWrapper) grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ci := NewCallInfo(info.FullMethod, CallShapeFromStreamInfo(info))
		return WrapCall(w, ci, NewStreamCallHandler(ci.Shape, handler)).Stream()(srv, ss)
	}
}

// CallWrapperFuncs builds a CallWrapper from functions.
// A nil function leaves handlers of the corresponding shape unwrapped.
type CallWrapperFuncs struct {
	UnaryUnary   func(info CallInfo, next grpc.UnaryHandler) grpc.UnaryHandler
	UnaryStream  func(info CallInfo, next grpc.StreamHandler) grpc.StreamHandler
	StreamUnary  func(info CallInfo, next grpc.StreamHandler) grpc.StreamHandler
	StreamStream func(info CallInfo, next grpc.StreamHandler) grpc.StreamHandler
}

// WrapUnaryUnary implements CallWrapper.
func (f CallWrapperFuncs) WrapUnaryUnary(info CallInfo, next grpc.UnaryHandler) grpc.UnaryHandler {
	if f.UnaryUnary == nil {
		return next
	}
	return f.UnaryUnary(info, next)
}

// WrapUnaryStream implements CallWrapper.
func (f CallWrapperFuncs) WrapUnaryStream(info CallInfo, next grpc.StreamHandler) grpc.StreamHandler {
	if f.UnaryStream == nil {
		return next
	}
	return f.UnaryStream(info, next)
}

// WrapStreamUnary implements CallWrapper.
func (f CallWrapperFuncs) WrapStreamUnary(info CallInfo, next grpc.StreamHandler) grpc.StreamHandler {
	if f.StreamUnary == nil {
		return next
	}
	return f.StreamUnary(info, next)
}

// WrapStreamStream implements CallWrapper.
func (f CallWrapperFuncs) WrapStreamStream(info CallInfo, next grpc.StreamHandler) grpc.StreamHandler {
	if f.StreamStream == nil {
		return next
	}
	return f.StreamStream(info, next)
}

// newCallWrapper returns a CallWrapper that applies the same stream wrapping to all streaming shapes.
func newCallWrapper(
	unary func(info CallInfo, next grpc.UnaryHandler) grpc.UnaryHandler,
	stream func(info CallInfo, next grpc.StreamHandler) grpc.StreamHandler,
) CallWrapperFuncs {
	return CallWrapperFuncs{UnaryUnary: unary, UnaryStream: stream, StreamUnary: stream, StreamStream: stream}
}
