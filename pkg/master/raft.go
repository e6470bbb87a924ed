package master

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/brine/pkg/log"
	"github.com/cuemby/brine/pkg/metrics"
	"github.com/cuemby/brine/pkg/types"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
)

const opSetSessionKeys = "set_session_keys"

// Command represents a state change operation in the Raft log
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

// sessionFSM replicates the cluster session key set
type sessionFSM struct {
	mu  sync.RWMutex
	set *types.SessionKeySet
}

// Apply applies a committed log entry
func (f *sessionFSM) Apply(l *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(l.Data, &cmd); err != nil {
		return fmt.Errorf("failed to unmarshal command: %v", err)
	}

	switch cmd.Op {
	case opSetSessionKeys:
		var set types.SessionKeySet
		if err := json.Unmarshal(cmd.Data, &set); err != nil {
			return err
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.set != nil && f.set.Epoch >= set.Epoch {
			return fmt.Errorf("%w: stored %d, got %d", ErrStaleEpoch, f.set.Epoch, set.Epoch)
		}
		f.set = &set
		return nil
	default:
		return fmt.Errorf("unknown command: %s", cmd.Op)
	}
}

func (f *sessionFSM) current() (types.SessionKeySet, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.set == nil {
		return types.SessionKeySet{}, false
	}
	return *f.set, true
}

// Snapshot returns a point-in-time copy of the set
func (f *sessionFSM) Snapshot() (raft.FSMSnapshot, error) {
	set, ok := f.current()
	if !ok {
		return &sessionSnapshot{}, nil
	}
	return &sessionSnapshot{set: &set}, nil
}

// Restore replaces the set from a snapshot
func (f *sessionFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var set *types.SessionKeySet
	if err := json.NewDecoder(rc).Decode(&set); err != nil {
		return fmt.Errorf("failed to decode snapshot: %v", err)
	}

	f.mu.Lock()
	f.set = set
	f.mu.Unlock()
	return nil
}

type sessionSnapshot struct {
	set *types.SessionKeySet
}

// Persist writes the snapshot to the sink
func (s *sessionSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		data, err := json.Marshal(s.set)
		if err != nil {
			return err
		}
		if _, err := sink.Write(data); err != nil {
			return err
		}
		return sink.Close()
	}()

	if err != nil {
		sink.Cancel()
		return fmt.Errorf("failed to persist snapshot: %v", err)
	}
	return nil
}

// Release is a no-op; the snapshot holds a copy
func (s *sessionSnapshot) Release() {}

// RaftStore converges masters through a Raft log. Only the leader can
// publish; followers apply what it commits.
type RaftStore struct {
	id      string
	raft    *raft.Raft
	fsm     *sessionFSM
	closers []io.Closer
}

// RaftPeer is a voting member of the master cluster
type RaftPeer struct {
	ID      string
	Address string
}

// ParseRaftPeers parses "id@host:port" entries
func ParseRaftPeers(entries []string) ([]RaftPeer, error) {
	peers := make([]RaftPeer, 0, len(entries))
	for _, e := range entries {
		id, addr, ok := strings.Cut(e, "@")
		if !ok || id == "" || addr == "" {
			return nil, fmt.Errorf("invalid raft peer %q, want id@host:port", e)
		}
		peers = append(peers, RaftPeer{ID: id, Address: addr})
	}
	return peers, nil
}

func raftConfig(id string) *raft.Config {
	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(id)

	// LAN timeouts; key rotation should converge within a few seconds
	config.HeartbeatTimeout = 500 * time.Millisecond
	config.ElectionTimeout = 500 * time.Millisecond
	config.CommitTimeout = 50 * time.Millisecond
	config.LeaderLeaseTimeout = 250 * time.Millisecond

	config.LogOutput = log.WithComponent("raft")
	return config
}

// NewRaftStore starts a Raft node persisting to dataDir and bootstraps the
// cluster from peers when no state exists yet. peers should include this
// master.
func NewRaftStore(id, bindAddr, dataDir string, peers []RaftPeer) (*RaftStore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create raft dir: %v", err)
	}

	addr, err := net.ResolveTCPAddr("tcp", bindAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve bind address: %v", err)
	}
	transport, err := raft.NewTCPTransport(bindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %v", err)
	}

	snapshots, err := raft.NewFileSnapshotStore(dataDir, 2, os.Stderr)
	if err != nil {
		transport.Close()
		return nil, fmt.Errorf("failed to create snapshot store: %v", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(dataDir, "raft-log.db"))
	if err != nil {
		transport.Close()
		return nil, fmt.Errorf("failed to create log store: %v", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(dataDir, "raft-stable.db"))
	if err != nil {
		logStore.Close()
		transport.Close()
		return nil, fmt.Errorf("failed to create stable store: %v", err)
	}

	config := raftConfig(id)
	existing, err := raft.HasExistingState(logStore, stableStore, snapshots)
	if err != nil {
		stableStore.Close()
		logStore.Close()
		transport.Close()
		return nil, fmt.Errorf("failed to inspect raft state: %v", err)
	}

	store, err := newRaftStore(config, logStore, stableStore, snapshots, transport)
	if err != nil {
		stableStore.Close()
		logStore.Close()
		transport.Close()
		return nil, err
	}
	store.closers = append(store.closers, logStore, stableStore, transport)

	if !existing {
		if err := store.Bootstrap(peers, transport.LocalAddr()); err != nil {
			store.Close()
			return nil, err
		}
	}
	return store, nil
}

func newRaftStore(config *raft.Config, logs raft.LogStore, stable raft.StableStore, snaps raft.SnapshotStore, trans raft.Transport) (*RaftStore, error) {
	fsm := &sessionFSM{}
	r, err := raft.NewRaft(config, fsm, logs, stable, snaps, trans)
	if err != nil {
		return nil, fmt.Errorf("failed to create raft: %v", err)
	}
	return &RaftStore{id: string(config.LocalID), raft: r, fsm: fsm}, nil
}

// Bootstrap seeds the cluster configuration. self is used when peers is empty.
func (s *RaftStore) Bootstrap(peers []RaftPeer, self raft.ServerAddress) error {
	var servers []raft.Server
	for _, p := range peers {
		servers = append(servers, raft.Server{
			ID:      raft.ServerID(p.ID),
			Address: raft.ServerAddress(p.Address),
		})
	}
	if len(servers) == 0 {
		servers = []raft.Server{{ID: raft.ServerID(s.id), Address: self}}
	}

	future := s.raft.BootstrapCluster(raft.Configuration{Servers: servers})
	if err := future.Error(); err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
		return fmt.Errorf("failed to bootstrap cluster: %v", err)
	}
	return nil
}

// Load returns the replicated set
func (s *RaftStore) Load() (types.SessionKeySet, error) {
	set, ok := s.fsm.current()
	if !ok {
		return set, ErrNoClusterKey
	}
	return set, nil
}

// Publish replicates set through the log. It fails on followers.
func (s *RaftStore) Publish(set types.SessionKeySet) error {
	data, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("failed to marshal session keys: %v", err)
	}
	cmd, err := json.Marshal(Command{Op: opSetSessionKeys, Data: data})
	if err != nil {
		return fmt.Errorf("failed to marshal command: %v", err)
	}

	future := s.raft.Apply(cmd, 5*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to apply command: %w", err)
	}
	if resp := future.Response(); resp != nil {
		if err, ok := resp.(error); ok && err != nil {
			return err
		}
	}
	return nil
}

// IsLeader reports whether this node leads the cluster
func (s *RaftStore) IsLeader() bool {
	leader := s.raft.State() == raft.Leader
	if leader {
		metrics.RaftLeader.Set(1)
	} else {
		metrics.RaftLeader.Set(0)
	}
	return leader
}

// LeaderAddr returns the current leader's address, empty when unknown
func (s *RaftStore) LeaderAddr() string {
	addr, _ := s.raft.LeaderWithID()
	return string(addr)
}

// AddVoter adds a master to the cluster. It must run on the leader.
func (s *RaftStore) AddVoter(id, addr string) error {
	future := s.raft.AddVoter(raft.ServerID(id), raft.ServerAddress(addr), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to add voter: %v", err)
	}
	return nil
}

// Close shuts the node down and releases its stores
func (s *RaftStore) Close() error {
	err := s.raft.Shutdown().Error()
	for _, c := range s.closers {
		if cerr := c.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
