/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/interop/grpc_testing"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/acronis/go-grpcgate/grpcserver/interceptor"
	"github.com/acronis/go-grpcgate/log"
	"github.com/acronis/go-grpcgate/rpcerr"
	"github.com/acronis/go-grpcgate/taskqueue"
)

// taskIDHeader is the response header with the ID of the background task started by StreamingInputCall.
const taskIDHeader = "x-task-id"

const maxPayloadSize = 4 << 20

// echoService is a grpc_testing.TestService implementation that covers all four call shapes.
// Uploads received by StreamingInputCall are digested in the background, one task queue group per client.
type echoService struct {
	grpc_testing.UnimplementedTestServiceServer
	queue *taskqueue.Queue
}

func newEchoService(queue *taskqueue.Queue) *echoService {
	return &echoService{queue: queue}
}

func (s *echoService) EmptyCall(context.Context, *grpc_testing.Empty) (*grpc_testing.Empty, error) {
	return &grpc_testing.Empty{}, nil
}

func (s *echoService) UnaryCall(ctx context.Context, req *grpc_testing.SimpleRequest) (*grpc_testing.SimpleResponse, error) {
	if err := requestedStatus(req.GetResponseStatus()); err != nil {
		return nil, err
	}
	payload, err := makePayload(req.GetPayload(), req.GetResponseSize())
	if err != nil {
		return nil, err
	}
	return &grpc_testing.SimpleResponse{Payload: payload}, nil
}

func (s *echoService) StreamingOutputCall(
	req *grpc_testing.StreamingOutputCallRequest, stream grpc_testing.TestService_StreamingOutputCallServer,
) error {
	if err := requestedStatus(req.GetResponseStatus()); err != nil {
		return err
	}
	for _, params := range req.GetResponseParameters() {
		if err := sleepInterval(stream.Context(), params.GetIntervalUs()); err != nil {
			return err
		}
		payload, err := makePayload(req.GetPayload(), params.GetSize())
		if err != nil {
			return err
		}
		if err = stream.Send(&grpc_testing.StreamingOutputCallResponse{Payload: payload}); err != nil {
			return err
		}
	}
	return nil
}

func (s *echoService) StreamingInputCall(stream grpc_testing.TestService_StreamingInputCallServer) error {
	ctx := stream.Context()
	digest := sha256.New()
	var size int
	for {
		req, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		body := req.GetPayload().GetBody()
		if size += len(body); size > maxPayloadSize {
			return rpcerr.Invalid("aggregated payload exceeds %d bytes", maxPayloadSize)
		}
		_, _ = digest.Write(body)
	}

	clientID := interceptor.GetClientIDFromContext(ctx)
	if clientID == "" {
		clientID = interceptor.ClientIDFromContext(ctx)
	}
	sum := digest.Sum(nil)
	taskID, err := s.queue.Submit(ctx, clientID, func(context.Context) (interface{}, error) {
		return hex.EncodeToString(sum), nil
	})
	if err != nil {
		if errors.Is(err, taskqueue.ErrClosed) {
			return status.Error(codes.Unavailable, "Server is shutting down")
		}
		return err
	}
	interceptor.GetLoggerFromContext(ctx).Info("upload digest scheduled",
		log.String("task_id", taskID), log.String("group", clientID), log.Int("size", size))

	if err = stream.SetHeader(metadata.Pairs(taskIDHeader, taskID)); err != nil {
		return err
	}
	return stream.SendAndClose(&grpc_testing.StreamingInputCallResponse{AggregatedPayloadSize: int32(size)}) //nolint:gosec // bounded by maxPayloadSize
}

func (s *echoService) FullDuplexCall(stream grpc_testing.TestService_FullDuplexCallServer) error {
	for {
		req, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err = requestedStatus(req.GetResponseStatus()); err != nil {
			return err
		}
		params := req.GetResponseParameters()
		if len(params) == 0 {
			params = []*grpc_testing.ResponseParameters{{}}
		}
		for _, p := range params {
			if err = sleepInterval(stream.Context(), p.GetIntervalUs()); err != nil {
				return err
			}
			payload, pErr := makePayload(req.GetPayload(), p.GetSize())
			if pErr != nil {
				return pErr
			}
			if err = stream.Send(&grpc_testing.StreamingOutputCallResponse{Payload: payload}); err != nil {
				return err
			}
		}
	}
}

func (s *echoService) HalfDuplexCall(grpc_testing.TestService_HalfDuplexCallServer) error {
	return rpcerr.Unimplemented("half-duplex calls are not supported")
}

// makePayload echoes the request payload body, or returns a zero-filled body of the requested size.
func makePayload(in *grpc_testing.Payload, size int32) (*grpc_testing.Payload, error) {
	if size < 0 {
		return nil, rpcerr.Invalid("response size cannot be negative")
	}
	if size > maxPayloadSize {
		return nil, rpcerr.Invalid("response size exceeds %d bytes", maxPayloadSize)
	}
	if size == 0 {
		return &grpc_testing.Payload{Type: in.GetType(), Body: in.GetBody()}, nil
	}
	return &grpc_testing.Payload{Type: in.GetType(), Body: make([]byte, size)}, nil
}

func requestedStatus(st *grpc_testing.EchoStatus) error {
	if st == nil || st.GetCode() == 0 {
		return nil
	}
	return status.Error(codes.Code(st.GetCode()), st.GetMessage()) //nolint:gosec // code is a gRPC status code
}

func sleepInterval(ctx context.Context, intervalUs int32) error {
	if intervalUs <= 0 {
		return nil
	}
	t := time.NewTimer(time.Duration(intervalUs) * time.Microsecond)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
