package services

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
)

type fakeCall struct {
	active      atomic.Bool
	outstanding atomic.Int64
	closedOnce  sync.Once
	aiClosed    chan struct{}

	mu   sync.Mutex
	addr *net.UDPAddr
}

func newFakeCall() *fakeCall {
	c := &fakeCall{aiClosed: make(chan struct{})}
	c.active.Store(true)
	return c
}

func (c *fakeCall) RemoteAddr() *net.UDPAddr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addr
}

func (c *fakeCall) LearnRemoteAddr(addr *net.UDPAddr) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.addr != nil {
		return false
	}
	c.addr = addr
	return true
}

func (c *fakeCall) Active() bool      { return c.active.Load() }
func (c *fakeCall) ResetOutstanding() { c.outstanding.Store(0) }
func (c *fakeCall) Outstanding() int  { return int(c.outstanding.Load()) }
func (c *fakeCall) MarkAIClosed()     { c.closedOnce.Do(func() { close(c.aiClosed) }) }

func (c *fakeCall) AddOutstanding(n int) {
	if c.outstanding.Add(int64(n)) < 0 {
		c.outstanding.Store(0)
	}
}

func (c *fakeCall) isAIClosed() bool {
	select {
	case <-c.aiClosed:
		return true
	default:
		return false
	}
}

type fakeConn struct {
	incoming chan []Event
	done     chan struct{}
	failErr  atomic.Value
	once     sync.Once

	mu       sync.Mutex
	sent     [][]byte
	endTurns int
}

func newFakeConn() *fakeConn {
	return &fakeConn{incoming: make(chan []Event, 64), done: make(chan struct{})}
}

func (c *fakeConn) Configure(ctx context.Context) error {
	c.incoming <- []Event{{Kind: EventReady}}
	return nil
}

func (c *fakeConn) SendAudio(mulaw []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, mulaw)
	return nil
}

func (c *fakeConn) EndTurn() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endTurns++
	return nil
}

func (c *fakeConn) Receive() ([]Event, error) {
	select {
	case events := <-c.incoming:
		return events, nil
	case <-c.done:
		if err, ok := c.failErr.Load().(error); ok {
			return nil, err
		}
		return nil, errors.New("use of closed network connection")
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

// drop simulates the provider side going away with err
func (c *fakeConn) drop(err error) {
	c.failErr.Store(err)
	c.Close()
}

func (c *fakeConn) push(events ...Event) {
	c.incoming <- events
}

func (c *fakeConn) sentChunks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func (c *fakeConn) turnsEnded() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endTurns
}

type fakeProvider struct {
	mu        sync.Mutex
	failDials int
	dials     int
	conns     []*fakeConn
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Dial(ctx context.Context) (Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dials++
	if p.failDials > 0 {
		p.failDials--
		return nil, errors.New("connection refused")
	}
	conn := newFakeConn()
	p.conns = append(p.conns, conn)
	return conn, nil
}

func (p *fakeProvider) setFailDials(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failDials = n
}

func (p *fakeProvider) dialCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dials
}

func (p *fakeProvider) lastConn() *fakeConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.conns) == 0 {
		return nil
	}
	return p.conns[len(p.conns)-1]
}
