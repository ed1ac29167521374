package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-zookeeper/zk"
)

// Node states published for the local storage.
const (
	StateReady    = "READY"
	StateOutdated = "OUTDATED"
)

// StateReporter publishes whether the local storage serves requests.
type StateReporter interface {
	SetReady(ctx context.Context, ready bool) error
}

// Noop ignores state changes.
type Noop struct{}

func (Noop) SetReady(context.Context, bool) error { return nil }

// zkConn is the subset of *zk.Conn the reporter needs.
type zkConn interface {
	Exists(path string) (bool, *zk.Stat, error)
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
	Set(path string, data []byte, version int32) (*zk.Stat, error)
	Get(path string) ([]byte, *zk.Stat, error)
	Children(path string) ([]string, *zk.Stat, error)
	State() zk.State
	Close()
}

// ZKReporter keeps an ephemeral node <root>/nodes/<addr> whose data is the
// local state.
type ZKReporter struct {
	mu       sync.Mutex
	conn     zkConn
	rootPath string
	local    string
	logger   *slog.Logger
}

// NewZKReporter connects to servers, e.g. ["zk1:2181", "zk2:2181"].
func NewZKReporter(servers []string, rootPath, localAddr string, logger *slog.Logger) (*ZKReporter, error) {
	conn, _, err := zk.Connect(servers, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("zk connect: %w", err)
	}
	return newZKReporter(conn, rootPath, localAddr, logger), nil
}

func newZKReporter(conn zkConn, rootPath, localAddr string, logger *slog.Logger) *ZKReporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &ZKReporter{
		conn:     conn,
		rootPath: strings.TrimSuffix(rootPath, "/"),
		local:    localAddr,
		logger:   logger.With("component", "zk"),
	}
}

func (r *ZKReporter) Close() error {
	r.conn.Close()
	return nil
}

func (r *ZKReporter) nodesPath() string {
	return r.rootPath + "/nodes"
}

func (r *ZKReporter) nodePath() string {
	return r.nodesPath() + "/" + r.local
}

// SetReady writes READY or OUTDATED into the node of this instance, creating
// it when missing.
func (r *ZKReporter) SetReady(ctx context.Context, ready bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.waitConnected(ctx); err != nil {
		return err
	}
	if err := r.ensurePath(r.nodesPath()); err != nil {
		return fmt.Errorf("ensure nodes path: %w", err)
	}

	state := StateOutdated
	if ready {
		state = StateReady
	}

	_, err := r.conn.Create(r.nodePath(), []byte(state), zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
	if errors.Is(err, zk.ErrNodeExists) {
		_, err = r.conn.Set(r.nodePath(), []byte(state), -1)
	}
	if err != nil {
		return fmt.Errorf("publish state %s: %w", state, err)
	}

	r.logger.Info("published node state", "node", r.nodePath(), "state", state)
	return nil
}

// Nodes returns the state of every registered node.
func (r *ZKReporter) Nodes(ctx context.Context) (map[string]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.waitConnected(ctx); err != nil {
		return nil, err
	}

	children, _, err := r.conn.Children(r.nodesPath())
	if err != nil {
		if errors.Is(err, zk.ErrNoNode) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("zk children: %w", err)
	}
	sort.Strings(children)

	nodes := make(map[string]string, len(children))
	for _, child := range children {
		data, _, err := r.conn.Get(r.nodesPath() + "/" + child)
		if err != nil {
			if errors.Is(err, zk.ErrNoNode) {
				continue
			}
			return nil, fmt.Errorf("zk get %s: %w", child, err)
		}
		nodes[child] = string(data)
	}
	return nodes, nil
}

func (r *ZKReporter) ensurePath(path string) error {
	cur := ""
	for _, p := range strings.Split(path, "/") {
		if p == "" {
			continue
		}
		cur = cur + "/" + p
		exists, _, err := r.conn.Exists(cur)
		if err != nil {
			return err
		}
		if !exists {
			_, err = r.conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll))
			if err != nil && !errors.Is(err, zk.ErrNodeExists) {
				return err
			}
		}
	}
	return nil
}

func (r *ZKReporter) waitConnected(ctx context.Context) error {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		st := r.conn.State()
		if st == zk.StateConnected || st == zk.StateHasSession {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("zk: not connected, state=%v: %w", st, ctx.Err())
		case <-ticker.C:
		}
	}
}
