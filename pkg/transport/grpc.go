// Package transport carries the consensus RPCs between nodes over gRPC.
// Snapshots are streamed to the receiver in fixed-size chunks.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/replikv/replikv/pkg/raft"
)

// snapshotChunkSize is how much snapshot data one stream message carries.
const snapshotChunkSize = 64 * 1024

// SnapshotChunk is one message of the client-streamed InstallSnapshot
// flow. Every chunk repeats the stream metadata; Done marks the last one.
type SnapshotChunk struct {
	Term              uint64
	LeaderID          string
	LastIncludedIndex uint64
	LastIncludedTerm  uint64
	Data              []byte
	Done              bool
}

const serviceName = "replikv.Raft"

// GRPC moves RPCs between nodes. The service descriptor is assembled by
// hand and messages travel via the registered gob codec, so no generated
// stubs are required.
type GRPC struct {
	mu        sync.RWMutex
	localAddr string
	node      *raft.Node
	server    *grpc.Server
	listener  net.Listener
	conns     map[string]*grpc.ClientConn
	peerAddrs map[string]string
	logger    zerolog.Logger
}

// NewGRPC creates a transport listening on addr, with peer node IDs
// mapped to their addresses.
func NewGRPC(addr string, peerAddrs map[string]string, logger zerolog.Logger) *GRPC {
	return &GRPC{
		localAddr: addr,
		conns:     make(map[string]*grpc.ClientConn),
		peerAddrs: peerAddrs,
		logger:    logger.With().Str("component", "transport").Logger(),
	}
}

// SetNode wires the node the inbound RPCs are dispatched to.
func (t *GRPC) SetNode(node *raft.Node) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.node = node
}

// Start begins serving inbound RPCs.
func (t *GRPC) Start() error {
	listener, err := net.Listen("tcp", t.localAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", t.localAddr, err)
	}
	t.listener = listener

	t.server = grpc.NewServer()
	t.server.RegisterService(&raftServiceDesc, t)

	go func() {
		if err := t.server.Serve(listener); err != nil {
			t.logger.Error().Err(err).Msg("grpc server stopped")
		}
	}()
	return nil
}

// Addr returns the bound listen address, useful when the configured
// address used an ephemeral port.
func (t *GRPC) Addr() string {
	if t.listener != nil {
		return t.listener.Addr().String()
	}
	return t.localAddr
}

// Stop closes every client connection and stops the server.
func (t *GRPC) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, conn := range t.conns {
		conn.Close()
	}
	t.conns = make(map[string]*grpc.ClientConn)
	if t.server != nil {
		t.server.GracefulStop()
	}
}

func (t *GRPC) getNode() (*raft.Node, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.node == nil {
		return nil, errors.New("transport: node not set")
	}
	return t.node, nil
}

func (t *GRPC) getConn(target string) (*grpc.ClientConn, error) {
	t.mu.RLock()
	if conn, ok := t.conns[target]; ok {
		t.mu.RUnlock()
		return conn, nil
	}
	t.mu.RUnlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	if conn, ok := t.conns[target]; ok {
		return conn, nil
	}

	addr, ok := t.peerAddrs[target]
	if !ok {
		return nil, fmt.Errorf("transport: unknown peer %s", target)
	}

	conn, err := grpc.Dial(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype("gob")),
	)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	t.conns[target] = conn
	return conn, nil
}

// Client side.

// RequestVote sends a RequestVote RPC to target.
func (t *GRPC) RequestVote(ctx context.Context, target string, args *raft.RequestVoteArgs) (*raft.RequestVoteReply, error) {
	conn, err := t.getConn(target)
	if err != nil {
		return nil, err
	}
	reply := new(raft.RequestVoteReply)
	if err := conn.Invoke(ctx, "/"+serviceName+"/RequestVote", args, reply); err != nil {
		return nil, err
	}
	return reply, nil
}

// AppendEntries sends an AppendEntries RPC to target.
func (t *GRPC) AppendEntries(ctx context.Context, target string, args *raft.AppendEntriesArgs) (*raft.AppendEntriesReply, error) {
	conn, err := t.getConn(target)
	if err != nil {
		return nil, err
	}
	reply := new(raft.AppendEntriesReply)
	if err := conn.Invoke(ctx, "/"+serviceName+"/AppendEntries", args, reply); err != nil {
		return nil, err
	}
	return reply, nil
}

// InstallSnapshot streams the snapshot to target in chunks and waits for
// the receiver's verdict.
func (t *GRPC) InstallSnapshot(ctx context.Context, target string, args *raft.InstallSnapshotArgs) (*raft.InstallSnapshotReply, error) {
	conn, err := t.getConn(target)
	if err != nil {
		return nil, err
	}

	stream, err := conn.NewStream(ctx, &installSnapshotStreamDesc, "/"+serviceName+"/InstallSnapshot")
	if err != nil {
		return nil, err
	}

	data := args.Data
	for first := true; first || len(data) > 0; first = false {
		size := len(data)
		if size > snapshotChunkSize {
			size = snapshotChunkSize
		}
		chunk := &SnapshotChunk{
			Term:              args.Term,
			LeaderID:          args.LeaderID,
			LastIncludedIndex: args.LastIncludedIndex,
			LastIncludedTerm:  args.LastIncludedTerm,
			Data:              data[:size],
			Done:              size == len(data),
		}
		data = data[size:]
		if err := stream.SendMsg(chunk); err != nil {
			return nil, err
		}
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}

	reply := new(raft.InstallSnapshotReply)
	if err := stream.RecvMsg(reply); err != nil {
		return nil, err
	}
	return reply, nil
}

// Server side.

func requestVoteHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
	args := new(raft.RequestVoteArgs)
	if err := dec(args); err != nil {
		return nil, err
	}
	node, err := srv.(*GRPC).getNode()
	if err != nil {
		return nil, err
	}
	return node.HandleRequestVote(args), nil
}

func appendEntriesHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
	args := new(raft.AppendEntriesArgs)
	if err := dec(args); err != nil {
		return nil, err
	}
	node, err := srv.(*GRPC).getNode()
	if err != nil {
		return nil, err
	}
	return node.HandleAppendEntries(args), nil
}

// installSnapshotHandler reassembles the chunk stream and hands the
// complete snapshot to the node once the Done chunk arrives.
func installSnapshotHandler(srv interface{}, stream grpc.ServerStream) error {
	node, err := srv.(*GRPC).getNode()
	if err != nil {
		return err
	}

	var (
		buf  []byte
		meta SnapshotChunk
		done bool
	)
	for !done {
		chunk := new(SnapshotChunk)
		if err := stream.RecvMsg(chunk); err != nil {
			if err == io.EOF {
				break
			}
			return err
		}
		meta = *chunk
		buf = append(buf, chunk.Data...)
		done = chunk.Done
	}

	reply := node.HandleInstallSnapshot(&raft.InstallSnapshotArgs{
		Term:              meta.Term,
		LeaderID:          meta.LeaderID,
		LastIncludedIndex: meta.LastIncludedIndex,
		LastIncludedTerm:  meta.LastIncludedTerm,
		Data:              buf,
	})
	return stream.SendMsg(reply)
}

var installSnapshotStreamDesc = grpc.StreamDesc{
	StreamName:    "InstallSnapshot",
	Handler:       installSnapshotHandler,
	ClientStreams: true,
}

var raftServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*raft.Transport)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RequestVote", Handler: requestVoteHandler},
		{MethodName: "AppendEntries", Handler: appendEntriesHandler},
	},
	Streams:  []grpc.StreamDesc{installSnapshotStreamDesc},
	Metadata: "replikv",
}

// WaitReady blocks until the server socket accepts connections or the
// timeout elapses.
func (t *GRPC) WaitReady(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", t.localAddr, 50*time.Millisecond)
		if err == nil {
			conn.Close()
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return fmt.Errorf("transport: %s not ready after %s", t.localAddr, timeout)
}
