package dbinfo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"
)

const zkRetryDelay = 2 * time.Second

// ZKSource follows the db info the cluster controller publishes as JSON in a znode.
type ZKSource struct {
	*Var

	conn   *zk.Conn
	path   string
	logger *slog.Logger
}

// servers: ["zk1:2181", "zk2:2181"]
func NewZKSource(servers []string, path string, sessionTimeout time.Duration, logger *slog.Logger) (*ZKSource, error) {
	conn, _, err := zk.Connect(servers, sessionTimeout, zk.WithLogInfo(false))
	if err != nil {
		return nil, fmt.Errorf("zk connect: %w", err)
	}
	return &ZKSource{
		Var:    NewVar(ServerDBInfo{}),
		conn:   conn,
		path:   path,
		logger: logger.With("component", "dbinfo", "path", path),
	}, nil
}

func (s *ZKSource) Close() error {
	s.conn.Close()
	return nil
}

// Run keeps the source up to date until ctx is done: read the znode, set a watch on
// it, and read again whenever it fires.
func (s *ZKSource) Run(ctx context.Context) error {
	for {
		data, _, ch, err := s.conn.GetW(s.path)
		if errors.Is(err, zk.ErrNoNode) {
			// ждём, пока контроллер создаст узел
			var exists bool
			exists, _, ch, err = s.conn.ExistsW(s.path)
			if err == nil && exists {
				continue
			}
		}
		if err != nil {
			s.logger.Warn("zk watch failed", "error", err)
			select {
			case <-time.After(zkRetryDelay):
				continue
			case <-ctx.Done():
				return nil
			}
		}

		if data != nil {
			var info ServerDBInfo
			if err := json.Unmarshal(data, &info); err != nil {
				s.logger.Error("bad db info", "error", err)
			} else {
				s.Set(info)
				s.logger.Debug("db info updated", "recoveryCount", info.RecoveryCount, "recoveryState", info.RecoveryState)
			}
		}

		select {
		case ev := <-ch:
			s.logger.Debug("zk event", "type", ev.Type.String(), "state", ev.State.String())
		case <-ctx.Done():
			return nil
		}
	}
}

// Publish writes info to the znode, creating the path when needed.
func (s *ZKSource) Publish(info ServerDBInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	if err := s.ensurePath(s.path); err != nil {
		return fmt.Errorf("ensure %s: %w", s.path, err)
	}
	if _, err := s.conn.Set(s.path, data, -1); err != nil {
		return fmt.Errorf("zk set: %w", err)
	}
	return nil
}

func (s *ZKSource) ensurePath(path string) error {
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
			if err != nil && !errors.Is(err, zk.ErrNodeExists) {
				return err
			}
		}
	}
	return nil
}
