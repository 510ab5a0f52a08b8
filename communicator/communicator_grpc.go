// Copyright 2022 Sogang University
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package communicator

import (
	"context"
	"sync"

	"github.com/9rum/flatflow/internal/metric"
	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
)

// finalEpoch tags the records of the Init and Finalize barriers.
const finalEpoch = -1

// communicatorServer implements the server API for Communicator service.
// Each method is a barrier across all workers in the group.
type communicatorServer struct {
	UnimplementedCommunicatorServer
	session   string
	worldSize int
	done      chan<- struct{}
	once      sync.Once
	init      *rendezvous
	gather    *rendezvous
	finalize  *rendezvous
}

// NewCommunicatorServer creates a new communicator server with the given
// arguments.  done is closed once every worker has called Finalize.
func NewCommunicatorServer(done chan<- struct{}, worldSize int) CommunicatorServer {
	return &communicatorServer{
		session:   uuid.NewString(),
		worldSize: worldSize,
		done:      done,
		init:      newRendezvous(worldSize),
		gather:    newRendezvous(worldSize),
		finalize:  newRendezvous(worldSize),
	}
}

// Init blocks until all workers have joined the session.
func (c *communicatorServer) Init(ctx context.Context, in *InitRequest) (*InitResponse, error) {
	glog.Infof("Init called from rank %d", in.GetRank())

	if _, err := c.init.join(ctx, Record{Rank: int(in.GetRank()), Epoch: finalEpoch}); err != nil {
		return nil, toStatus(err)
	}
	if in.GetRank() == 0 {
		glog.Infof("session %s started with world size: %d", c.session, c.worldSize)
	}

	return &InitResponse{Session: c.session, WorldSize: int64(c.worldSize)}, nil
}

// AllGather gathers the load records of all workers.
func (c *communicatorServer) AllGather(ctx context.Context, in *AllGatherRequest) (*AllGatherResponse, error) {
	record := in.GetRecord()
	glog.V(1).Infof("epoch: %d AllGather called from rank %d with load %f", record.Epoch, record.Rank, record.Load)

	records, err := c.gather.join(ctx, record)
	if err != nil {
		glog.Errorf("epoch: %d AllGather from rank %d failed: %v", record.Epoch, record.Rank, err)
		return nil, toStatus(err)
	}
	if record.Rank == 0 {
		metric.Rounds.Inc()
	}

	return &AllGatherResponse{Records: records}, nil
}

// Finalize blocks until all workers have left the session, then terminates
// the communicator runtime.
func (c *communicatorServer) Finalize(ctx context.Context, in *FinalizeRequest) (*emptypb.Empty, error) {
	glog.Infof("Finalize called from rank %d", in.GetRank())

	if _, err := c.finalize.join(ctx, Record{Rank: int(in.GetRank()), Epoch: finalEpoch}); err != nil {
		return nil, toStatus(err)
	}
	if in.GetRank() == 0 {
		defer glog.Flush()
		defer c.close()
	}

	return new(emptypb.Empty), nil
}

// close fails any pending collective calls and notifies the main goroutine
// that the communicator runtime has ended.
func (c *communicatorServer) close() {
	c.once.Do(func() {
		c.init.close()
		c.gather.close()
		c.finalize.close()
		close(c.done)
	})
}

// toStatus converts the given error to a gRPC status error.
func toStatus(err error) error {
	switch cause := errors.Cause(err); {
	case cause == ErrDesync:
		return status.Error(codes.FailedPrecondition, err.Error())
	case cause == ErrBroken, cause == ErrClosed:
		return status.Error(codes.Aborted, err.Error())
	case cause == context.Canceled, cause == context.DeadlineExceeded:
		return status.FromContextError(cause).Err()
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// fromStatus converts the given gRPC status error back to the error of this
// package it was made from.
func fromStatus(err error) error {
	s, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch s.Code() {
	case codes.FailedPrecondition:
		return errors.Wrap(ErrDesync, s.Message())
	case codes.Aborted:
		return errors.Wrap(ErrBroken, s.Message())
	default:
		return err
	}
}
