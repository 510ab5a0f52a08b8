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

	"github.com/golang/glog"
	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client implements Collective over a connection to the communicator server.
type Client struct {
	conn      *grpc.ClientConn
	client    CommunicatorClient
	rank      int
	worldSize int
	session   string
}

// Dial connects to the communicator server at the given target and joins the
// session as the given rank.  It blocks until every worker has joined.
func Dial(ctx context.Context, target string, rank int, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.DialContext(ctx, target, opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "could not dial %s", target)
	}

	client := NewCommunicatorClient(conn)
	r, err := client.Init(ctx, &InitRequest{Rank: int64(rank)}, grpc.WaitForReady(true))
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(fromStatus(err), "could not init")
	}
	glog.Infof("rank %d joined session %s with world size: %d", rank, r.GetSession(), r.GetWorldSize())

	return &Client{
		conn:      conn,
		client:    client,
		rank:      rank,
		worldSize: int(r.GetWorldSize()),
		session:   r.GetSession(),
	}, nil
}

func (c *Client) Rank() int {
	return c.rank
}

func (c *Client) WorldSize() int {
	return c.worldSize
}

// Session returns the identifier of the session the client has joined.
func (c *Client) Session() string {
	return c.session
}

func (c *Client) AllGather(ctx context.Context, record Record) ([]Record, error) {
	record.Rank = c.rank
	r, err := c.client.AllGather(ctx, &AllGatherRequest{Record: record})
	if err != nil {
		return nil, fromStatus(err)
	}
	return r.GetRecords(), nil
}

// Finalize blocks until every worker has left the session.
func (c *Client) Finalize(ctx context.Context) error {
	if _, err := c.client.Finalize(ctx, &FinalizeRequest{Rank: int64(c.rank)}); err != nil {
		return errors.Wrap(fromStatus(err), "could not finalize")
	}
	return nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
