/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package interceptor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
)

type fakeServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *fakeServerStream) Context() context.Context {
	return s.ctx
}

// recordingWrapper records which method was used for wrapping and tags calls in a shared log.
type recordingWrapper struct {
	name    string
	wrapped []CallShape
	calls   *[]string
}

func (w *recordingWrapper) WrapUnaryUnary(info CallInfo, next grpc.UnaryHandler) grpc.UnaryHandler {
	w.wrapped = append(w.wrapped, CallShapeUnaryUnary)
	return func(ctx context.Context, req interface{}) (interface{}, error) {
		*w.calls = append(*w.calls, w.name)
		return next(ctx, req)
	}
}

func (w *recordingWrapper) wrapStream(shape CallShape, next grpc.StreamHandler) grpc.StreamHandler {
	w.wrapped = append(w.wrapped, shape)
	return func(srv interface{}, ss grpc.ServerStream) error {
		*w.calls = append(*w.calls, w.name)
		return next(srv, ss)
	}
}

func (w *recordingWrapper) WrapUnaryStream(_ CallInfo, next grpc.StreamHandler) grpc.StreamHandler {
	return w.wrapStream(CallShapeUnaryStream, next)
}

func (w *recordingWrapper) WrapStreamUnary(_ CallInfo, next grpc.StreamHandler) grpc.StreamHandler {
	return w.wrapStream(CallShapeStreamUnary, next)
}

func (w *recordingWrapper) WrapStreamStream(_ CallInfo, next grpc.StreamHandler) grpc.StreamHandler {
	return w.wrapStream(CallShapeStreamStream, next)
}

func TestWrapCall(t *testing.T) {
	info := NewCallInfo("/pkg.v1.Ingest/Bulk", CallShapeUnaryUnary)

	t.Run("nil handler stays nil", func(t *testing.T) {
		var calls []string
		w := &recordingWrapper{name: "w", calls: &calls}
		require.Nil(t, WrapCall(w, info, nil))
		require.Empty(t, w.wrapped)
	})

	t.Run("unknown shape is passed through", func(t *testing.T) {
		var calls []string
		w := &recordingWrapper{name: "w", calls: &calls}
		h := NewStreamCallHandler(CallShapeUnknown, func(srv interface{}, ss grpc.ServerStream) error { return nil })
		require.Same(t, h, WrapCall(w, info, h))
		require.Empty(t, w.wrapped)
	})

	t.Run("unary-unary", func(t *testing.T) {
		var calls []string
		w := &recordingWrapper{name: "w", calls: &calls}
		h := NewUnaryCallHandler(func(ctx context.Context, req interface{}) (interface{}, error) {
			calls = append(calls, "handler")
			return req, nil
		})
		wrapped := WrapCall(w, info, h)
		require.Equal(t, CallShapeUnaryUnary, wrapped.Shape())
		require.Nil(t, wrapped.Stream())
		resp, err := wrapped.Unary()(context.Background(), "req")
		require.NoError(t, err)
		require.Equal(t, "req", resp)
		require.Equal(t, []string{"w", "handler"}, calls)
		require.Equal(t, []CallShape{CallShapeUnaryUnary}, w.wrapped)
	})

	for _, shape := range []CallShape{CallShapeUnaryStream, CallShapeStreamUnary, CallShapeStreamStream} {
		shape := shape
		t.Run(shape.String(), func(t *testing.T) {
			var calls []string
			w := &recordingWrapper{name: "w", calls: &calls}
			ss := &fakeServerStream{ctx: context.Background()}
			h := NewStreamCallHandler(shape, func(srv interface{}, gotSS grpc.ServerStream) error {
				require.Same(t, ss, gotSS)
				calls = append(calls, "handler")
				return nil
			})
			wrapped := WrapCall(w, NewCallInfo("/pkg.v1.Ingest/Bulk", shape), h)
			require.Equal(t, shape, wrapped.Shape())
			require.Nil(t, wrapped.Unary())
			require.NoError(t, wrapped.Stream()(nil, ss))
			require.Equal(t, []string{"w", "handler"}, calls)
			require.Equal(t, []CallShape{shape}, w.wrapped)
		})
	}
}

func TestWrapLookup(t *testing.T) {
	var calls []string
	outer := &recordingWrapper{name: "outer", calls: &calls}
	inner := &recordingWrapper{name: "inner", calls: &calls}

	lookup := func(info CallInfo) *CallHandler {
		if info.Method != "Bulk" {
			return nil
		}
		return NewUnaryCallHandler(func(ctx context.Context, req interface{}) (interface{}, error) {
			calls = append(calls, "handler")
			return nil, nil
		})
	}
	composed := WrapLookup(outer, WrapLookup(inner, lookup))

	require.Nil(t, composed(NewCallInfo("/pkg.v1.Ingest/Missing", CallShapeUnaryUnary)))

	h := composed(NewCallInfo("/pkg.v1.Ingest/Bulk", CallShapeUnaryUnary))
	require.NotNil(t, h)
	_, err := h.Unary()(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, []string{"outer", "inner", "handler"}, calls)
}

func TestCallShapeFromStreamInfo(t *testing.T) {
	require.Equal(t, CallShapeUnknown, CallShapeFromStreamInfo(nil))
	require.Equal(t, CallShapeUnknown, CallShapeFromStreamInfo(&grpc.StreamServerInfo{}))
	require.Equal(t, CallShapeUnaryStream, CallShapeFromStreamInfo(&grpc.StreamServerInfo{IsServerStream: true}))
	require.Equal(t, CallShapeStreamUnary, CallShapeFromStreamInfo(&grpc.StreamServerInfo{IsClientStream: true}))
	require.Equal(t, CallShapeStreamStream, CallShapeFromStreamInfo(
		&grpc.StreamServerInfo{IsClientStream: true, IsServerStream: true}))
}

func TestNewStreamCallHandlerRejectsUnaryShape(t *testing.T) {
	h := NewStreamCallHandler(CallShapeUnaryUnary, func(srv interface{}, ss grpc.ServerStream) error { return nil })
	require.Equal(t, CallShapeUnknown, h.Shape())
}

func TestCallInfo(t *testing.T) {
	info := NewCallInfo("/pkg.v1.Ingest/Bulk", CallShapeStreamStream)
	require.Equal(t, "pkg.v1.Ingest", info.Service)
	require.Equal(t, "Bulk", info.Method)
	require.Equal(t, "Ingest", info.ServiceShortName())
	require.True(t, info.Shape.StreamingResponse())

	require.Equal(t, "Health", NewCallInfo("/Health/Check", CallShapeUnaryUnary).ServiceShortName())
	require.False(t, CallShapeStreamUnary.StreamingResponse())
	require.Equal(t, "unknown", CallShapeUnknown.String())
}

func TestCallWrapperFuncs(t *testing.T) {
	var unaryWrapped bool
	w := CallWrapperFuncs{
		UnaryUnary: func(info CallInfo, next grpc.UnaryHandler) grpc.UnaryHandler {
			unaryWrapped = true
			return next
		},
	}
	streamHandler := NewStreamCallHandler(CallShapeStreamStream, func(srv interface{}, ss grpc.ServerStream) error { return nil })
	require.NotNil(t, WrapCall(w, NewCallInfo("/a.B/C", CallShapeStreamStream), streamHandler).Stream())
	require.False(t, unaryWrapped)

	unaryHandler := NewUnaryCallHandler(func(ctx context.Context, req interface{}) (interface{}, error) { return nil, nil })
	require.NotNil(t, WrapCall(w, NewCallInfo("/a.B/C", CallShapeUnaryUnary), unaryHandler).Unary())
	require.True(t, unaryWrapped)
}
