package transport

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replikv/replikv/pkg/kv"
	"github.com/replikv/replikv/pkg/raft"
)

func TestGobCodecRoundTrip(t *testing.T) {
	c := gobCodec{}

	in := &raft.AppendEntriesArgs{
		Term:         7,
		LeaderID:     "node-1",
		PrevLogIndex: 41,
		PrevLogTerm:  6,
		Entries: []raft.Entry{
			{Index: 42, Term: 7, Key: "k|with=delims\n", Value: string([]byte{0x00, 0xff})},
		},
		LeaderCommit: 40,
	}

	data, err := c.Marshal(in)
	require.NoError(t, err)

	out := new(raft.AppendEntriesArgs)
	require.NoError(t, c.Unmarshal(data, out))
	assert.Equal(t, in, out)
}

// newLoopbackNode opens a raft node behind a gRPC transport bound to an
// ephemeral port and returns both plus the bound address.
func newLoopbackNode(t *testing.T, id string) (*raft.Node, *GRPC) {
	t.Helper()

	serverSide := NewGRPC("127.0.0.1:0", nil, zerolog.Nop())
	require.NoError(t, serverSide.Start())
	t.Cleanup(serverSide.Stop)

	cfg := raft.DefaultConfig(id, nil)
	cfg.WALDir = t.TempDir()

	node, err := raft.Open(cfg, serverSide, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(node.Stop)
	serverSide.SetNode(node)

	return node, serverSide
}

func TestUnaryRPCsOverLoopback(t *testing.T) {
	node, server := newLoopbackNode(t, "srv")

	client := NewGRPC("127.0.0.1:0", map[string]string{"srv": server.Addr()}, zerolog.Nop())
	t.Cleanup(client.Stop)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	vote, err := client.RequestVote(ctx, "srv", &raft.RequestVoteArgs{
		Term:        1,
		CandidateID: "cand",
	})
	require.NoError(t, err)
	assert.True(t, vote.VoteGranted)
	assert.Equal(t, uint64(1), vote.Term)

	appendReply, err := client.AppendEntries(ctx, "srv", &raft.AppendEntriesArgs{
		Term:     1,
		LeaderID: "cand",
		Entries:  []raft.Entry{{Index: 1, Term: 1, Key: "x", Value: "1"}},
	})
	require.NoError(t, err)
	assert.True(t, appendReply.Success)
	assert.Equal(t, uint64(1), appendReply.LastIndex)
	assert.Equal(t, uint64(1), node.Status().LastIndex)
}

func TestInstallSnapshotStreamsChunks(t *testing.T) {
	node, server := newLoopbackNode(t, "srv")

	client := NewGRPC("127.0.0.1:0", map[string]string{"srv": server.Addr()}, zerolog.Nop())
	t.Cleanup(client.Stop)

	// Several chunks worth of state.
	source := kv.New()
	source.Put("big", strings.Repeat("x", 3*snapshotChunkSize+123))
	source.Put("small", "v")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	reply, err := client.InstallSnapshot(ctx, "srv", &raft.InstallSnapshotArgs{
		Term:              1,
		LeaderID:          "lead",
		LastIncludedIndex: 10,
		LastIncludedTerm:  1,
		Data:              source.Serialize(),
	})
	require.NoError(t, err)
	require.True(t, reply.Success)

	v, ok := node.Get("big")
	require.True(t, ok)
	assert.Len(t, v, 3*snapshotChunkSize+123)
	assert.Equal(t, uint64(10), node.CommitIndex())
}

func TestUnknownPeerRejected(t *testing.T) {
	client := NewGRPC("127.0.0.1:0", map[string]string{}, zerolog.Nop())
	t.Cleanup(client.Stop)

	_, err := client.RequestVote(context.Background(), "ghost", &raft.RequestVoteArgs{Term: 1})
	assert.Error(t, err)
}
