package metastore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"
)

const defaultZKSessionTimeout = 5 * time.Second

// ZKStore is a MetaStore backed by a ZooKeeper ensemble. Every entry is
// a flat child of rootPath ("/" in keys is escaped, znode names cannot
// contain it) and Txn maps onto zk.Multi, which applies all requests
// atomically or not at all.
type ZKStore struct {
	conn     *zk.Conn
	rootPath string
}

// NewZKStore connects to the ensemble and ensures the root path exists.
// servers: ["zk1:2181", "zk2:2181"]. A zero sessionTimeout picks the
// default.
func NewZKStore(servers []string, rootPath string, sessionTimeout time.Duration) (*ZKStore, error) {
	if sessionTimeout <= 0 {
		sessionTimeout = defaultZKSessionTimeout
	}
	conn, _, err := zk.Connect(servers, sessionTimeout)
	if err != nil {
		return nil, fmt.Errorf("zk connect: %w", err)
	}
	s := &ZKStore{conn: conn, rootPath: strings.TrimSuffix(rootPath, "/")}
	if err := s.ensurePath(s.rootPath); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ensure root path: %w", err)
	}
	return s, nil
}

func (s *ZKStore) ensurePath(path string) error {
	parts := strings.Split(path, "/")
	cur := ""
	for _, p := range parts {
		if p == "" {
			continue
		}
		cur = cur + "/" + p
		exists, _, err := s.conn.Exists(cur)
		if err != nil {
			return err
		}
		if !exists {
			_, err = s.conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll))
			if err != nil && err != zk.ErrNodeExists {
				return err
			}
		}
	}
	return nil
}

func (s *ZKStore) nodePath(key string) string {
	return s.rootPath + "/" + strings.ReplaceAll(key, "/", "|")
}

func (s *ZKStore) keyOf(node string) string {
	return strings.ReplaceAll(node, "|", "/")
}

func (s *ZKStore) Get(_ context.Context, key string) ([]byte, error) {
	data, _, err := s.conn.Get(s.nodePath(key))
	if err == zk.ErrNoNode {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("zk get: %w", err)
	}
	return data, nil
}

func (s *ZKStore) Put(_ context.Context, key string, value []byte) error {
	path := s.nodePath(key)
	_, err := s.conn.Set(path, value, -1)
	if err == zk.ErrNoNode {
		_, err = s.conn.Create(path, value, 0, zk.WorldACL(zk.PermAll))
		if err == zk.ErrNodeExists {
			_, err = s.conn.Set(path, value, -1)
		}
	}
	if err != nil {
		return fmt.Errorf("zk put: %w", err)
	}
	return nil
}

func (s *ZKStore) Delete(_ context.Context, key string) error {
	err := s.conn.Delete(s.nodePath(key), -1)
	if err != nil && err != zk.ErrNoNode {
		return fmt.Errorf("zk delete: %w", err)
	}
	return nil
}

func (s *ZKStore) List(_ context.Context, prefix string) ([]KV, error) {
	children, _, err := s.conn.Children(s.rootPath)
	if err != nil {
		return nil, fmt.Errorf("zk children: %w", err)
	}
	var out []KV
	for _, child := range children {
		key := s.keyOf(child)
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		data, _, err := s.conn.Get(s.rootPath + "/" + child)
		if err == zk.ErrNoNode {
			continue // deleted between Children and Get
		}
		if err != nil {
			return nil, fmt.Errorf("zk get %q: %w", key, err)
		}
		out = append(out, KV{Key: key, Value: data})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Txn translates preconditions and ops into one zk.Multi call.
//
// CondExists maps to a version check (-1 matches any live version) and
// CondAbsent to a create-then-delete pair, which fails if the node is
// already there. CondValueEquals reads the node first and pins the
// observed znode version: if the value changed since, so did the
// version, and the check fails.
func (s *ZKStore) Txn(ctx context.Context, conds []Precondition, ops []Op) error {
	var reqs []any

	for _, c := range conds {
		path := s.nodePath(c.Key)
		switch c.Kind {
		case CondExists:
			reqs = append(reqs, &zk.CheckVersionRequest{Path: path, Version: -1})
		case CondAbsent:
			reqs = append(reqs,
				&zk.CreateRequest{Path: path, Data: nil, Acl: zk.WorldACL(zk.PermAll)},
				&zk.DeleteRequest{Path: path, Version: -1},
			)
		case CondValueEquals:
			data, stat, err := s.conn.Get(path)
			if err == zk.ErrNoNode {
				return ErrTxnConflict
			}
			if err != nil {
				return fmt.Errorf("zk get for guard: %w", err)
			}
			if !bytes.Equal(data, c.Value) {
				return ErrTxnConflict
			}
			reqs = append(reqs, &zk.CheckVersionRequest{Path: path, Version: stat.Version})
		}
	}

	for _, op := range ops {
		path := s.nodePath(op.Key)
		switch op.Kind {
		case OpPut:
			exists, _, err := s.conn.Exists(path)
			if err != nil {
				return fmt.Errorf("zk exists: %w", err)
			}
			if exists {
				reqs = append(reqs, &zk.SetDataRequest{Path: path, Data: op.Value, Version: -1})
			} else {
				reqs = append(reqs, &zk.CreateRequest{Path: path, Data: op.Value, Acl: zk.WorldACL(zk.PermAll)})
			}
		case OpDelete:
			exists, _, err := s.conn.Exists(path)
			if err != nil {
				return fmt.Errorf("zk exists: %w", err)
			}
			if exists {
				reqs = append(reqs, &zk.DeleteRequest{Path: path, Version: -1})
			}
		}
	}

	if len(reqs) == 0 {
		return nil
	}

	_, err := s.conn.Multi(reqs...)
	if err != nil {
		// A node created or removed between Exists and Multi surfaces
		// here; the caller re-reads and retries like any conflict.
		if errors.Is(err, zk.ErrNodeExists) || errors.Is(err, zk.ErrNoNode) || errors.Is(err, zk.ErrBadVersion) {
			return ErrTxnConflict
		}
		return fmt.Errorf("zk multi: %w", err)
	}
	return nil
}

func (s *ZKStore) Close() error {
	s.conn.Close()
	return nil
}
