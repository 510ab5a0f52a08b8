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

	jsoniter "github.com/json-iterator/go"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
)

// codecName is the content subtype of the messages exchanged with the
// communicator service.
const codecName = "json"

func init() {
	encoding.RegisterCodec(codec{})
}

// codec encodes the communicator messages as JSON.
type codec struct{}

func (codec) Marshal(v interface{}) ([]byte, error) {
	return jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(v)
}

func (codec) Unmarshal(data []byte, v interface{}) error {
	return jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(data, v)
}

func (codec) Name() string {
	return codecName
}

// InitRequest registers a worker with the communicator.
type InitRequest struct {
	Rank int64 `json:"rank"`
}

func (x *InitRequest) GetRank() int64 {
	if x != nil {
		return x.Rank
	}
	return 0
}

// InitResponse describes the training session a worker has joined.
type InitResponse struct {
	Session   string `json:"session"`
	WorldSize int64  `json:"worldSize"`
}

func (x *InitResponse) GetSession() string {
	if x != nil {
		return x.Session
	}
	return ""
}

func (x *InitResponse) GetWorldSize() int64 {
	if x != nil {
		return x.WorldSize
	}
	return 0
}

// AllGatherRequest carries the load record of a worker.
type AllGatherRequest struct {
	Record Record `json:"record"`
}

func (x *AllGatherRequest) GetRecord() Record {
	if x != nil {
		return x.Record
	}
	return Record{}
}

// AllGatherResponse carries the load records of all workers ordered by rank.
type AllGatherResponse struct {
	Records []Record `json:"records"`
}

func (x *AllGatherResponse) GetRecords() []Record {
	if x != nil {
		return x.Records
	}
	return nil
}

// FinalizeRequest deregisters a worker from the communicator.
type FinalizeRequest struct {
	Rank int64 `json:"rank"`
}

func (x *FinalizeRequest) GetRank() int64 {
	if x != nil {
		return x.Rank
	}
	return 0
}

// CommunicatorClient is the client API for Communicator service.
type CommunicatorClient interface {
	Init(ctx context.Context, in *InitRequest, opts ...grpc.CallOption) (*InitResponse, error)
	AllGather(ctx context.Context, in *AllGatherRequest, opts ...grpc.CallOption) (*AllGatherResponse, error)
	Finalize(ctx context.Context, in *FinalizeRequest, opts ...grpc.CallOption) (*emptypb.Empty, error)
}

type communicatorClient struct {
	cc grpc.ClientConnInterface
}

// NewCommunicatorClient creates a new client for Communicator service.
func NewCommunicatorClient(cc grpc.ClientConnInterface) CommunicatorClient {
	return &communicatorClient{cc}
}

func (c *communicatorClient) Init(ctx context.Context, in *InitRequest, opts ...grpc.CallOption) (*InitResponse, error) {
	out := new(InitResponse)
	if err := c.cc.Invoke(ctx, "/flatflow.Communicator/Init", in, out, append([]grpc.CallOption{grpc.CallContentSubtype(codecName)}, opts...)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *communicatorClient) AllGather(ctx context.Context, in *AllGatherRequest, opts ...grpc.CallOption) (*AllGatherResponse, error) {
	out := new(AllGatherResponse)
	if err := c.cc.Invoke(ctx, "/flatflow.Communicator/AllGather", in, out, append([]grpc.CallOption{grpc.CallContentSubtype(codecName)}, opts...)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *communicatorClient) Finalize(ctx context.Context, in *FinalizeRequest, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	out := new(emptypb.Empty)
	if err := c.cc.Invoke(ctx, "/flatflow.Communicator/Finalize", in, out, append([]grpc.CallOption{grpc.CallContentSubtype(codecName)}, opts...)...); err != nil {
		return nil, err
	}
	return out, nil
}

// CommunicatorServer is the server API for Communicator service.
// All implementations must embed UnimplementedCommunicatorServer
// for forward compatibility.
type CommunicatorServer interface {
	Init(context.Context, *InitRequest) (*InitResponse, error)
	AllGather(context.Context, *AllGatherRequest) (*AllGatherResponse, error)
	Finalize(context.Context, *FinalizeRequest) (*emptypb.Empty, error)
	mustEmbedUnimplementedCommunicatorServer()
}

// UnimplementedCommunicatorServer must be embedded to have forward compatible implementations.
type UnimplementedCommunicatorServer struct {
}

func (UnimplementedCommunicatorServer) Init(context.Context, *InitRequest) (*InitResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "method Init not implemented")
}
func (UnimplementedCommunicatorServer) AllGather(context.Context, *AllGatherRequest) (*AllGatherResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "method AllGather not implemented")
}
func (UnimplementedCommunicatorServer) Finalize(context.Context, *FinalizeRequest) (*emptypb.Empty, error) {
	return nil, status.Errorf(codes.Unimplemented, "method Finalize not implemented")
}
func (UnimplementedCommunicatorServer) mustEmbedUnimplementedCommunicatorServer() {}

// RegisterCommunicatorServer registers the given implementation of
// Communicator service to the given registrar.
func RegisterCommunicatorServer(s grpc.ServiceRegistrar, srv CommunicatorServer) {
	s.RegisterService(&Communicator_ServiceDesc, srv)
}

func _Communicator_Init_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(InitRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CommunicatorServer).Init(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: "/flatflow.Communicator/Init",
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(CommunicatorServer).Init(ctx, req.(*InitRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Communicator_AllGather_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(AllGatherRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CommunicatorServer).AllGather(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: "/flatflow.Communicator/AllGather",
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(CommunicatorServer).AllGather(ctx, req.(*AllGatherRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Communicator_Finalize_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(FinalizeRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CommunicatorServer).Finalize(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: "/flatflow.Communicator/Finalize",
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(CommunicatorServer).Finalize(ctx, req.(*FinalizeRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// Communicator_ServiceDesc is the grpc.ServiceDesc for Communicator service.
var Communicator_ServiceDesc = grpc.ServiceDesc{
	ServiceName: "flatflow.Communicator",
	HandlerType: (*CommunicatorServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Init",
			Handler:    _Communicator_Init_Handler,
		},
		{
			MethodName: "AllGather",
			Handler:    _Communicator_AllGather_Handler,
		},
		{
			MethodName: "Finalize",
			Handler:    _Communicator_Finalize_Handler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "communicator.proto",
}
