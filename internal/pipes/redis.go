package pipes

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gomodule/redigo/redis"

	"spider/internal/engine"
	logx "spider/pkg/logx"
)

// redisSink RPUSHes every row as a JSON object onto one list.
type redisSink struct {
	pool *redis.Pool
	key  string
	log  logx.Logger
}

func openRedis(cfg Config, log logx.Logger) (engine.Sink, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, fmt.Errorf("pipe %s: url is required for redis driver", cfg.Name)
	}
	key := strings.TrimSpace(cfg.Key)
	if key == "" {
		key = strings.TrimSpace(cfg.Name)
	}
	if key == "" {
		return nil, fmt.Errorf("redis key is required")
	}
	pool := &redis.Pool{
		MaxIdle:     4,
		IdleTimeout: 240 * time.Second,
		Dial: func() (redis.Conn, error) {
			return redis.DialURL(url)
		},
	}
	return &redisSink{pool: pool, key: key, log: log}, nil
}

func (s *redisSink) Write(r engine.Row) error {
	b, err := json.Marshal(r.Map())
	if err != nil {
		return err
	}
	conn := s.pool.Get()
	defer conn.Close()
	_, err = conn.Do("RPUSH", s.key, b)
	return err
}

// Len returns the current length of the list.
func (s *redisSink) Len() (int, error) {
	conn := s.pool.Get()
	defer conn.Close()
	return redis.Int(conn.Do("LLEN", s.key))
}

func (s *redisSink) Close() error {
	s.log.Debug("redis pipe closed", logx.String("key", s.key))
	return s.pool.Close()
}
