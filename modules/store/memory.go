package store

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Memory is the in-process backend. A single dispatch goroutine delivers
// all subscription callbacks, so every subscriber observes appends in
// append order without client-side locking.
type Memory struct {
	mu        sync.Mutex
	closed    bool
	logs      map[string][]logEntry
	lastTS    map[string]int64
	seq       map[string]uint64
	leaves    map[string]map[string]any // branch path -> child name -> leaf value
	childSubs map[string][]*childSub
	watchSubs map[string][]*watchSub
	conns     map[*memoryConn]struct{}
	disp      *dispatcher
}

type logEntry struct {
	key   string
	value map[string]any
}

type childSub struct {
	fn     ChildFunc
	closed atomic.Bool
}

type watchSub struct {
	fn     ValueFunc
	closed atomic.Bool
}

// NewMemory creates an empty in-process store.
func NewMemory() *Memory {
	return &Memory{
		logs:      make(map[string][]logEntry),
		lastTS:    make(map[string]int64),
		seq:       make(map[string]uint64),
		leaves:    make(map[string]map[string]any),
		childSubs: make(map[string][]*childSub),
		watchSubs: make(map[string][]*watchSub),
		conns:     make(map[*memoryConn]struct{}),
		disp:      newDispatcher(),
	}
}

// Connect opens a new logical connection.
func (m *Memory) Connect(_ context.Context) (Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	conn := &memoryConn{
		store:    m,
		cleanups: make(map[*cleanupEntry]struct{}),
	}
	m.conns[conn] = struct{}{}
	return conn, nil
}

// Close shuts down the store and every open connection.
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	conns := make([]*memoryConn, 0, len(m.conns))
	for conn := range m.conns {
		conns = append(conns, conn)
	}
	m.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
	m.disp.stop()
	return nil
}

func (m *Memory) push(path string, value map[string]any) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", ErrStoreClosed
	}

	ts := time.Now().UnixMilli()
	if last := m.lastTS[path]; ts < last {
		ts = last
	}
	m.lastTS[path] = ts
	m.seq[path]++
	key := fmt.Sprintf("%013d-%06d", ts, m.seq[path])

	entry := logEntry{key: key, value: stampValue(value, ts)}
	m.logs[path] = append(m.logs[path], entry)

	for _, sub := range m.childSubs[path] {
		m.disp.enqueue(deliverChild(sub, entry))
	}
	return key, nil
}

func (m *Memory) set(path string, value any) error {
	branch, leaf := splitLeaf(path)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	if m.leaves[branch] == nil {
		m.leaves[branch] = make(map[string]any)
	}
	m.leaves[branch][leaf] = value
	m.notifyWatchersLocked(branch)
	return nil
}

func (m *Memory) remove(path string) error {
	branch, leaf := splitLeaf(path)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	children, ok := m.leaves[branch]
	if !ok {
		return nil
	}
	if _, ok := children[leaf]; !ok {
		return nil
	}
	delete(children, leaf)
	m.notifyWatchersLocked(branch)
	return nil
}

// notifyWatchersLocked enqueues a fresh full snapshot for every watcher of
// branch. Caller holds m.mu.
func (m *Memory) notifyWatchersLocked(branch string) {
	if len(m.watchSubs[branch]) == 0 {
		return
	}
	snapshot := m.snapshotLocked(branch)
	for _, sub := range m.watchSubs[branch] {
		m.disp.enqueue(deliverValue(sub, snapshot))
	}
}

func (m *Memory) snapshotLocked(branch string) map[string]any {
	snapshot := make(map[string]any, len(m.leaves[branch]))
	for name, value := range m.leaves[branch] {
		snapshot[name] = value
	}
	return snapshot
}

func (m *Memory) childAdded(path string, fn ChildFunc) (UnsubscribeFunc, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrStoreClosed
	}

	sub := &childSub{fn: fn}
	// Replay retained children before going live. Holding the lock keeps
	// later appends ordered behind the replay in the dispatch queue.
	for _, entry := range m.logs[path] {
		m.disp.enqueue(deliverChild(sub, entry))
	}
	m.childSubs[path] = append(m.childSubs[path], sub)

	return func() {
		sub.closed.Store(true)
		m.mu.Lock()
		m.childSubs[path] = withoutChildSub(m.childSubs[path], sub)
		m.mu.Unlock()
	}, nil
}

func (m *Memory) watch(path string, fn ValueFunc) (UnsubscribeFunc, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrStoreClosed
	}

	sub := &watchSub{fn: fn}
	m.disp.enqueue(deliverValue(sub, m.snapshotLocked(path)))
	m.watchSubs[path] = append(m.watchSubs[path], sub)

	return func() {
		sub.closed.Store(true)
		m.mu.Lock()
		m.watchSubs[path] = withoutWatchSub(m.watchSubs[path], sub)
		m.mu.Unlock()
	}, nil
}

func deliverChild(sub *childSub, entry logEntry) func() {
	return func() {
		if sub.closed.Load() {
			return
		}
		sub.fn(entry.key, entry.value)
	}
}

func deliverValue(sub *watchSub, snapshot map[string]any) func() {
	return func() {
		if sub.closed.Load() {
			return
		}
		sub.fn(snapshot)
	}
}

func withoutChildSub(subs []*childSub, target *childSub) []*childSub {
	for i, sub := range subs {
		if sub == target {
			return append(subs[:i], subs[i+1:]...)
		}
	}
	return subs
}

func withoutWatchSub(subs []*watchSub, target *watchSub) []*watchSub {
	for i, sub := range subs {
		if sub == target {
			return append(subs[:i], subs[i+1:]...)
		}
	}
	return subs
}

// memoryConn is one logical connection to a Memory store.
type memoryConn struct {
	store *Memory

	mu       sync.Mutex
	closed   bool
	cleanups map[*cleanupEntry]struct{}
	unsubs   []UnsubscribeFunc
}

type cleanupEntry struct {
	path string
}

func (c *memoryConn) Push(_ context.Context, path string, value map[string]any) (string, error) {
	if c.isClosed() {
		return "", ErrConnClosed
	}
	return c.store.push(path, value)
}

func (c *memoryConn) Set(_ context.Context, path string, value any) error {
	if c.isClosed() {
		return ErrConnClosed
	}
	return c.store.set(path, value)
}

func (c *memoryConn) Remove(_ context.Context, path string) error {
	if c.isClosed() {
		return ErrConnClosed
	}
	return c.store.remove(path)
}

func (c *memoryConn) ChildAdded(path string, fn ChildFunc) (UnsubscribeFunc, error) {
	if c.isClosed() {
		return nil, ErrConnClosed
	}
	unsub, err := c.store.childAdded(path, fn)
	if err != nil {
		return nil, err
	}
	c.track(unsub)
	return unsub, nil
}

func (c *memoryConn) Watch(path string, fn ValueFunc) (UnsubscribeFunc, error) {
	if c.isClosed() {
		return nil, ErrConnClosed
	}
	unsub, err := c.store.watch(path, fn)
	if err != nil {
		return nil, err
	}
	c.track(unsub)
	return unsub, nil
}

func (c *memoryConn) OnDisconnectRemove(path string) (CancelFunc, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrConnClosed
	}
	entry := &cleanupEntry{path: path}
	c.cleanups[entry] = struct{}{}
	return func() {
		c.mu.Lock()
		delete(c.cleanups, entry)
		c.mu.Unlock()
	}, nil
}

// Close releases the connection. Registered disconnect removals are
// executed, whether the close is graceful or stands in for a dropped link.
func (c *memoryConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	unsubs := c.unsubs
	c.unsubs = nil
	cleanups := make([]string, 0, len(c.cleanups))
	for entry := range c.cleanups {
		cleanups = append(cleanups, entry.path)
	}
	c.cleanups = make(map[*cleanupEntry]struct{})
	c.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	for _, path := range cleanups {
		_ = c.store.remove(path)
	}

	c.store.mu.Lock()
	delete(c.store.conns, c)
	c.store.mu.Unlock()
	return nil
}

func (c *memoryConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *memoryConn) track(unsub UnsubscribeFunc) {
	c.mu.Lock()
	c.unsubs = append(c.unsubs, unsub)
	c.mu.Unlock()
}

// dispatcher serialises all callback deliveries of one Memory store.
type dispatcher struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool
	done   chan struct{}
}

func newDispatcher() *dispatcher {
	d := &dispatcher{done: make(chan struct{})}
	d.cond = sync.NewCond(&d.mu)
	go d.run()
	return d
}

func (d *dispatcher) enqueue(job func()) {
	d.mu.Lock()
	if !d.closed {
		d.queue = append(d.queue, job)
		d.cond.Signal()
	}
	d.mu.Unlock()
}

func (d *dispatcher) run() {
	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.closed {
			d.cond.Wait()
		}
		if len(d.queue) == 0 && d.closed {
			d.mu.Unlock()
			close(d.done)
			return
		}
		job := d.queue[0]
		d.queue = d.queue[1:]
		d.mu.Unlock()
		job()
	}
}

// stop drains the queue, then stops the dispatch goroutine.
func (d *dispatcher) stop() {
	d.mu.Lock()
	d.closed = true
	d.cond.Broadcast()
	d.mu.Unlock()
	<-d.done
}
