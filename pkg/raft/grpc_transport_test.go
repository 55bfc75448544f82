package raft

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/dirkpetersen/claudefs/pkg/clock"
	"github.com/dirkpetersen/claudefs/pkg/shardrouter"
	"github.com/dirkpetersen/claudefs/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

func dialBufconn(t *testing.T, lis *bufconn.Listener) *grpc.ClientConn {
	t.Helper()
	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	return conn
}

func TestGRPCTransportRoundTripsAppendEntriesHeartbeat(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	follower := New(Config{ID: "n2", Shard: 1, Peers: []ServerID{"n1", "n2"}, Clock: fake})

	router, err := shardrouter.New(shardrouter.Config{NumShards: 1, ReplicationFactor: 1, Nodes: []types.NodeId{"n1"}})
	require.NoError(t, err)
	manager := NewMultiRaftManager(router)
	manager.AddShard(follower)

	lis := bufconn.Listen(1 << 20)
	server := grpc.NewServer()
	RegisterGRPCTransportServer(server, manager)
	go server.Serve(lis)
	defer server.Stop()

	conn := dialBufconn(t, lis)
	defer conn.Close()

	transport := NewGRPCTransport(1, map[ServerID]*grpc.ClientConn{"n2": conn})

	resp, err := transport.SendAppendEntries("n2", AppendEntriesRequest{
		Term:   1,
		Leader: "n1",
	})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, ServerID("n2"), resp.Responder)
}

func TestGRPCTransportReturnsErrorForUnknownPeer(t *testing.T) {
	transport := NewGRPCTransport(1, map[ServerID]*grpc.ClientConn{})
	_, err := transport.SendRequestVote("ghost", RequestVoteRequest{})
	assert.Error(t, err)
}
