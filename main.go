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

// Package main implements the coordinator server.  Workers initialize a
// session, exchange their loads at the end of every epoch and finalize the
// session through the server; the server stops once every worker has
// finalized.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/9rum/flatflow/communicator"
	"github.com/9rum/flatflow/internal/metric"
	"github.com/golang/glog"
	grpc_recovery "github.com/grpc-ecosystem/go-grpc-middleware/recovery"
	"google.golang.org/grpc"
)

func main() {
	port := flag.Int("p", 50051, "The server port")
	worldSize := flag.Int("world-size", 1, "The number of workers")
	metrics := flag.String("metrics", "", "The address to serve metrics on")
	flag.Parse()
	defer glog.Flush()

	if *worldSize <= 0 {
		glog.Fatalf("invalid world size %d", *worldSize)
	}
	if *metrics != "" {
		go func() {
			if err := metric.Serve(*metrics); err != nil {
				glog.Errorf("failed to serve metrics: %v", err)
			}
		}()
	}

	if err := serve(*port, *worldSize); err != nil {
		glog.Fatalf("failed to serve: %v", err)
	}
}

func serve(port, worldSize int) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return err
	}

	server := newServer(worldSize)
	glog.Infof("server listening at %v for %d workers", lis.Addr(), worldSize)

	return server.Serve(lis)
}

func newServer(worldSize int) *grpc.Server {
	server := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			grpc_recovery.UnaryServerInterceptor(),
		),
	)
	done := make(chan struct{})
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	go func(done <-chan struct{}, sig <-chan os.Signal, server *grpc.Server) {
		select {
		case <-done:
			server.GracefulStop()
		case s := <-sig:
			// pending collectives never complete once a worker is gone
			glog.Infof("received %v", s)
			server.Stop()
		}
	}(done, sig, server)

	communicator.RegisterCommunicatorServer(server, communicator.NewCommunicatorServer(done, worldSize))

	return server
}
