/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package interceptor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/interop/grpc_testing"
)

type (
	unaryCallFunc  func(ctx context.Context, req *grpc_testing.SimpleRequest) (*grpc_testing.SimpleResponse, error)
	outputCallFunc func(req *grpc_testing.StreamingOutputCallRequest, stream grpc_testing.TestService_StreamingOutputCallServer) error
)

// testService serves grpc.testing.TestService and remembers the context of the last call.
type testService struct {
	grpc_testing.UnimplementedTestServiceServer
	lastCtx    context.Context
	unaryCall  unaryCallFunc
	outputCall outputCallFunc
	duplexCall func(stream grpc_testing.TestService_FullDuplexCallServer) error
}

func (s *testService) UnaryCall(ctx context.Context, req *grpc_testing.SimpleRequest) (*grpc_testing.SimpleResponse, error) {
	s.lastCtx = ctx
	if s.unaryCall != nil {
		return s.unaryCall(ctx, req)
	}
	return &grpc_testing.SimpleResponse{Payload: &grpc_testing.Payload{Body: []byte("test")}}, nil
}

func (s *testService) StreamingOutputCall(
	req *grpc_testing.StreamingOutputCallRequest, stream grpc_testing.TestService_StreamingOutputCallServer,
) error {
	s.lastCtx = stream.Context()
	if s.outputCall != nil {
		return s.outputCall(req, stream)
	}
	return stream.Send(&grpc_testing.StreamingOutputCallResponse{Payload: &grpc_testing.Payload{Body: []byte("test-stream")}})
}

// StreamingInputCall sums the payload sizes of all received messages.
func (s *testService) StreamingInputCall(stream grpc_testing.TestService_StreamingInputCallServer) error {
	s.lastCtx = stream.Context()
	var total int32
	for {
		req, err := stream.Recv()
		switch {
		case errors.Is(err, io.EOF):
			return stream.SendAndClose(&grpc_testing.StreamingInputCallResponse{AggregatedPayloadSize: total})
		case err != nil:
			return err
		}
		total += int32(len(req.GetPayload().GetBody()))
	}
}

// FullDuplexCall echoes every received payload.
func (s *testService) FullDuplexCall(stream grpc_testing.TestService_FullDuplexCallServer) error {
	s.lastCtx = stream.Context()
	if s.duplexCall != nil {
		return s.duplexCall(stream)
	}
	for {
		req, err := stream.Recv()
		switch {
		case errors.Is(err, io.EOF):
			return nil
		case err != nil:
			return err
		}
		if err = stream.Send(&grpc_testing.StreamingOutputCallResponse{Payload: req.GetPayload()}); err != nil {
			return err
		}
	}
}

func (s *testService) SwitchUnaryCallHandler(h unaryCallFunc) {
	s.unaryCall = h
}

func (s *testService) SwitchStreamingOutputCallHandler(h outputCallFunc) {
	s.outputCall = h
}

// failWith makes both UnaryCall and StreamingOutputCall return err.
func (s *testService) failWith(err error) {
	s.unaryCall = func(context.Context, *grpc_testing.SimpleRequest) (*grpc_testing.SimpleResponse, error) {
		return nil, err
	}
	s.outputCall = func(*grpc_testing.StreamingOutputCallRequest, grpc_testing.TestService_StreamingOutputCallServer) error {
		return err
	}
}

// panicWith makes both UnaryCall and StreamingOutputCall panic with v.
func (s *testService) panicWith(v interface{}) {
	s.unaryCall = func(context.Context, *grpc_testing.SimpleRequest) (*grpc_testing.SimpleResponse, error) {
		panic(v)
	}
	s.outputCall = func(*grpc_testing.StreamingOutputCallRequest, grpc_testing.TestService_StreamingOutputCallServer) error {
		panic(v)
	}
}

// onCall runs fn with the call context before the default response is sent, for both unary and server-streaming calls.
func (s *testService) onCall(fn func(ctx context.Context)) {
	s.unaryCall = func(ctx context.Context, _ *grpc_testing.SimpleRequest) (*grpc_testing.SimpleResponse, error) {
		fn(ctx)
		return &grpc_testing.SimpleResponse{Payload: &grpc_testing.Payload{Body: []byte("test")}}, nil
	}
	s.outputCall = func(_ *grpc_testing.StreamingOutputCallRequest, stream grpc_testing.TestService_StreamingOutputCallServer) error {
		fn(stream.Context())
		return stream.Send(&grpc_testing.StreamingOutputCallResponse{Payload: &grpc_testing.Payload{Body: []byte("test-stream")}})
	}
}

func (s *testService) Reset() {
	s.lastCtx = nil
	s.unaryCall = nil
	s.outputCall = nil
	s.duplexCall = nil
}

// testCallShapes are the shapes exercised by table-driven tests through invokeShape.
var testCallShapes = []CallShape{CallShapeUnaryUnary, CallShapeUnaryStream}

// testMethodFor returns the full method name that invokeShape calls for the shape.
func testMethodFor(shape CallShape) string {
	if shape == CallShapeUnaryUnary {
		return "/grpc.testing.TestService/UnaryCall"
	}
	return "/grpc.testing.TestService/StreamingOutputCall"
}

// invokeShape performs UnaryCall or StreamingOutputCall depending on the shape
// and returns the error of the call (for server-streaming, the error of the first Recv).
func invokeShape(ctx context.Context, client grpc_testing.TestServiceClient, shape CallShape, opts ...grpc.CallOption) error {
	if shape == CallShapeUnaryUnary {
		_, err := client.UnaryCall(ctx, &grpc_testing.SimpleRequest{}, opts...)
		return err
	}
	stream, err := client.StreamingOutputCall(ctx, &grpc_testing.StreamingOutputCallRequest{}, opts...)
	if err != nil {
		return err
	}
	_, err = stream.Recv()
	return err
}

// chainedServerOptions returns server options that install the wrappers as unary and stream interceptors.
func chainedServerOptions(wrappers ...CallWrapper) []grpc.ServerOption {
	unary := make([]grpc.UnaryServerInterceptor, 0, len(wrappers))
	stream := make([]grpc.StreamServerInterceptor, 0, len(wrappers))
	for _, w := range wrappers {
		unary = append(unary, UnaryServerInterceptorFor(w))
		stream = append(stream, StreamServerInterceptorFor(w))
	}
	return []grpc.ServerOption{grpc.ChainUnaryInterceptor(unary...), grpc.ChainStreamInterceptor(stream...)}
}

func startTestService(
	serverOpts []grpc.ServerOption, dialOpts []grpc.DialOption,
) (svc *testService, client grpc_testing.TestServiceClient, closeFn func() error, err error) {
	svc = &testService{}
	srv := grpc.NewServer(serverOpts...)
	grpc_testing.RegisterTestServiceServer(srv, svc)

	ln, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		return nil, nil, nil, fmt.Errorf("listen: %w", err)
	}
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ln) }()

	conn, err := grpc.NewClient(ln.Addr().String(),
		append(dialOpts, grpc.WithTransportCredentials(insecure.NewCredentials()))...)
	if err != nil {
		srv.Stop()
		return nil, nil, nil, errors.Join(fmt.Errorf("new client: %w", err), <-served)
	}
	return svc, grpc_testing.NewTestServiceClient(conn), func() error {
		closeErr := conn.Close()
		srv.GracefulStop()
		return errors.Join(closeErr, <-served)
	}, nil
}
