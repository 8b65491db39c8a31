package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

// Redis tuning. A connection is considered lost once its heartbeat key has
// expired; connTTL therefore bounds the disconnect-detection latency.
const (
	connTTL         = 15 * time.Second
	heartbeatEvery  = 5 * time.Second
	janitorEvery    = 5 * time.Second
	readBlock       = 5 * time.Second
	cleanupDeadline = 10 * time.Second
)

// RedisStore implements the tree store on a shared Redis instance.
//
// Layout under the configured prefix:
//   - append logs are streams keyed by path (XADD/XREAD)
//   - branch leaves are hash fields keyed by the parent path (HSET/HDEL)
//   - branch changes are announced on a pub/sub channel per branch
//   - each connection owns a heartbeat key with a TTL plus a hash of
//     pending disconnect removals; a janitor executes the removals of
//     connections whose heartbeat has expired
type RedisStore struct {
	client *redis.Client
	prefix string

	mu     sync.Mutex
	closed bool
	conns  map[*redisConn]struct{}

	group  *errgroup.Group
	cancel context.CancelFunc
}

// NewRedis creates a Redis-backed store and starts its janitor.
func NewRedis(client *redis.Client, prefix string) *RedisStore {
	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)

	s := &RedisStore{
		client: client,
		prefix: prefix,
		conns:  make(map[*redisConn]struct{}),
		group:  group,
		cancel: cancel,
	}
	group.Go(func() error {
		s.runJanitor(ctx)
		return nil
	})
	return s
}

func (s *RedisStore) key(path string) string        { return s.prefix + path }
func (s *RedisStore) notifyChannel(b string) string { return s.prefix + "notify:" + b }
func (s *RedisStore) connKey(id string) string      { return s.prefix + "conn:" + id }
func (s *RedisStore) cleanupKey(id string) string   { return s.prefix + "cleanup:" + id }
func (s *RedisStore) connsKey() string              { return s.prefix + "conns" }

// Connect registers a heartbeat key for the new connection and keeps it
// refreshed until the connection closes.
func (s *RedisStore) Connect(ctx context.Context) (Conn, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrStoreClosed
	}
	s.mu.Unlock()

	id := uuid.New().String()
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, s.connsKey(), id)
	pipe.Set(ctx, s.connKey(id), "1", connTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("store: register connection: %w", err)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	conn := &redisConn{
		store:  s,
		id:     id,
		ctx:    connCtx,
		cancel: cancel,
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		return nil, ErrStoreClosed
	}
	s.conns[conn] = struct{}{}
	s.mu.Unlock()

	go conn.heartbeat()
	return conn, nil
}

// Close stops the janitor and closes every open connection. The Redis
// client itself belongs to the caller.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conns := make([]*redisConn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
	s.cancel()
	return s.group.Wait()
}

// runJanitor periodically executes the pending disconnect removals of
// connections whose heartbeat key has expired. Any store attached to the
// same Redis may perform the sweep; removals are idempotent.
func (s *RedisStore) runJanitor(ctx context.Context) {
	ticker := time.NewTicker(janitorEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepExpired(ctx)
		}
	}
}

func (s *RedisStore) sweepExpired(ctx context.Context) {
	ids, err := s.client.SMembers(ctx, s.connsKey()).Result()
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("[store] janitor: list connections: %v", err)
		}
		return
	}

	for _, id := range ids {
		alive, err := s.client.Exists(ctx, s.connKey(id)).Result()
		if err != nil || alive > 0 {
			continue
		}
		if err := s.executeCleanups(ctx, id); err != nil && ctx.Err() == nil {
			log.Printf("[store] janitor: cleanup of connection %s: %v", id, err)
		}
	}
}

// executeCleanups removes every leaf recorded for the connection, announces
// the affected branches and forgets the connection.
func (s *RedisStore) executeCleanups(ctx context.Context, id string) error {
	paths, err := s.client.HGetAll(ctx, s.cleanupKey(id)).Result()
	if err != nil {
		return fmt.Errorf("read cleanup records: %w", err)
	}
	for path := range paths {
		if err := s.removeLeaf(ctx, path); err != nil {
			return err
		}
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.cleanupKey(id))
	pipe.SRem(ctx, s.connsKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("forget connection: %w", err)
	}
	return nil
}

// push appends the record with its ServerTimestamp sentinels encoded as
// markers. The stream ID Redis assigns carries the server-side append time
// in milliseconds; readers resolve the markers from it, so every client
// observes the same backend-assigned timestamp regardless of clock skew.
func (s *RedisStore) push(ctx context.Context, path string, value map[string]any) (string, error) {
	data, err := json.Marshal(encodeSentinels(value))
	if err != nil {
		return "", fmt.Errorf("store: encode record: %w", err)
	}

	id, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.key(path),
		Values: map[string]any{"v": string(data)},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("store: append record: %w", err)
	}
	return formatStreamID(id), nil
}

func (s *RedisStore) set(ctx context.Context, path string, value any) error {
	branch, leaf := splitLeaf(path)
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("store: encode leaf: %w", err)
	}
	if err := s.client.HSet(ctx, s.key(branch), leaf, string(data)).Err(); err != nil {
		return fmt.Errorf("store: set leaf: %w", err)
	}
	if err := s.client.Publish(ctx, s.notifyChannel(branch), leaf).Err(); err != nil {
		return fmt.Errorf("store: announce change: %w", err)
	}
	return nil
}

func (s *RedisStore) removeLeaf(ctx context.Context, path string) error {
	branch, leaf := splitLeaf(path)
	removed, err := s.client.HDel(ctx, s.key(branch), leaf).Result()
	if err != nil {
		return fmt.Errorf("store: remove leaf: %w", err)
	}
	if removed == 0 {
		return nil
	}
	if err := s.client.Publish(ctx, s.notifyChannel(branch), leaf).Err(); err != nil {
		return fmt.Errorf("store: announce change: %w", err)
	}
	return nil
}

func (s *RedisStore) readBranch(ctx context.Context, branch string) (map[string]any, error) {
	fields, err := s.client.HGetAll(ctx, s.key(branch)).Result()
	if err != nil {
		return nil, fmt.Errorf("store: read branch: %w", err)
	}
	snapshot := make(map[string]any, len(fields))
	for name, raw := range fields {
		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			// A corrupt leaf must not hide the rest of the branch.
			log.Printf("[store] skipping undecodable leaf %s/%s: %v", branch, name, err)
			continue
		}
		snapshot[name] = value
	}
	return snapshot, nil
}

// redisConn is one logical connection to a RedisStore.
type redisConn struct {
	store  *RedisStore
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
	wg     sync.WaitGroup
}

func (c *redisConn) heartbeat() {
	ticker := time.NewTicker(heartbeatEvery)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if err := c.store.client.Expire(c.ctx, c.store.connKey(c.id), connTTL).Err(); err != nil && c.ctx.Err() == nil {
				log.Printf("[store] heartbeat for connection %s: %v", c.id, err)
			}
		}
	}
}

func (c *redisConn) Push(ctx context.Context, path string, value map[string]any) (string, error) {
	if c.closed.Load() {
		return "", ErrConnClosed
	}
	return c.store.push(ctx, path, value)
}

func (c *redisConn) Set(ctx context.Context, path string, value any) error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	return c.store.set(ctx, path, value)
}

func (c *redisConn) Remove(ctx context.Context, path string) error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	return c.store.removeLeaf(ctx, path)
}

// ChildAdded reads the stream at path from its beginning and tails it until
// unsubscribed, delivering each record exactly once in stream order.
func (c *redisConn) ChildAdded(path string, fn ChildFunc) (UnsubscribeFunc, error) {
	if c.closed.Load() {
		return nil, ErrConnClosed
	}

	subCtx, cancel := context.WithCancel(c.ctx)
	var once sync.Once
	unsub := func() { once.Do(cancel) }

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		lastID := "0-0"
		for {
			if subCtx.Err() != nil {
				return
			}
			res, err := c.store.client.XRead(subCtx, &redis.XReadArgs{
				Streams: []string{c.store.key(path), lastID},
				Count:   100,
				Block:   readBlock,
			}).Result()
			if err != nil {
				if err == redis.Nil {
					continue
				}
				if subCtx.Err() != nil {
					return
				}
				log.Printf("[store] read %s: %v", path, err)
				time.Sleep(time.Second)
				continue
			}
			for _, stream := range res {
				for _, msg := range stream.Messages {
					lastID = msg.ID
					value, ok := decodeStreamRecord(msg)
					if !ok {
						log.Printf("[store] skipping undecodable record %s in %s", msg.ID, path)
						continue
					}
					if subCtx.Err() != nil {
						return
					}
					fn(formatStreamID(msg.ID), value)
				}
			}
		}
	}()

	return unsub, nil
}

// Watch reads the branch hash once, then re-reads it whenever a change is
// announced for the branch.
func (c *redisConn) Watch(path string, fn ValueFunc) (UnsubscribeFunc, error) {
	if c.closed.Load() {
		return nil, ErrConnClosed
	}

	subCtx, cancel := context.WithCancel(c.ctx)
	pubsub := c.store.client.Subscribe(subCtx, c.store.notifyChannel(path))

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			cancel()
			_ = pubsub.Close()
		})
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		deliver := func() {
			snapshot, err := c.store.readBranch(subCtx, path)
			if err != nil {
				if subCtx.Err() == nil {
					log.Printf("[store] watch %s: %v", path, err)
				}
				return
			}
			if subCtx.Err() != nil {
				return
			}
			fn(snapshot)
		}

		deliver()
		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				deliver()
			}
		}
	}()

	return unsub, nil
}

func (c *redisConn) OnDisconnectRemove(path string) (CancelFunc, error) {
	if c.closed.Load() {
		return nil, ErrConnClosed
	}
	ctx, cancel := context.WithTimeout(c.ctx, cleanupDeadline)
	defer cancel()
	if err := c.store.client.HSet(ctx, c.store.cleanupKey(c.id), path, "1").Err(); err != nil {
		return nil, fmt.Errorf("store: register disconnect removal: %w", err)
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), cleanupDeadline)
		defer cancel()
		if err := c.store.client.HDel(ctx, c.store.cleanupKey(c.id), path).Err(); err != nil {
			log.Printf("[store] withdraw disconnect removal %s: %v", path, err)
		}
	}, nil
}

// Close stops the heartbeat and subscriptions and, since the process is
// still alive to do so, executes the pending disconnect removals right
// away instead of waiting for the heartbeat to expire.
func (c *redisConn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.cancel()
	c.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), cleanupDeadline)
	defer cancel()
	err := c.store.executeCleanups(ctx, c.id)
	_ = c.store.client.Del(ctx, c.store.connKey(c.id)).Err()

	c.store.mu.Lock()
	delete(c.store.conns, c)
	c.store.mu.Unlock()
	return err
}

func decodeStreamRecord(msg redis.XMessage) (map[string]any, bool) {
	raw, ok := msg.Values["v"].(string)
	if !ok {
		return nil, false
	}
	var value map[string]any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return nil, false
	}
	if ms, ok := streamIDMillis(msg.ID); ok {
		value = resolveSentinels(value, ms)
	}
	return value, true
}

// formatStreamID pads a Redis stream ID so the returned keys sort
// lexicographically in append order, matching the in-process backend.
func formatStreamID(id string) string {
	ms, seqPart, ok := strings.Cut(id, "-")
	if !ok {
		return id
	}
	msN, err1 := strconv.ParseInt(ms, 10, 64)
	seqN, err2 := strconv.ParseInt(seqPart, 10, 64)
	if err1 != nil || err2 != nil {
		return id
	}
	return fmt.Sprintf("%013d-%06d", msN, seqN)
}

func streamIDMillis(id string) (int64, bool) {
	ms, _, ok := strings.Cut(id, "-")
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
