package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/square-key-labs/strawgo-bridge/src/rtp"
	"github.com/square-key-labs/strawgo-bridge/src/services"
)

type fakeTelephony struct {
	mu    sync.Mutex
	calls []string

	mediaAddr *net.UDPAddr
	mediaErr  error
	failOn    map[string]error
	hangupErr error
	panicOn   string

	// blockOn holds the named operation until unblock is called
	blockOn   string
	entered   chan struct{}
	release   chan struct{}
	enterOnce sync.Once
}

func newFakeTelephony() *fakeTelephony {
	return &fakeTelephony{
		mediaAddr: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4000},
		failOn:    map[string]error{},
	}
}

// block makes the next op call wait for unblock. entered is closed once the
// call is waiting.
func (f *fakeTelephony) block(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blockOn = op
	f.entered = make(chan struct{})
	f.release = make(chan struct{})
}

func (f *fakeTelephony) unblock() {
	close(f.release)
}

func (f *fakeTelephony) record(op, arg string) error {
	f.mu.Lock()
	blocked := f.blockOn == op
	entered, release := f.entered, f.release
	f.mu.Unlock()
	if blocked {
		f.enterOnce.Do(func() { close(entered) })
		<-release
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, op+":"+arg)
	if f.panicOn == op {
		panic("telephony " + op)
	}
	return f.failOn[op]
}

func (f *fakeTelephony) Answer(ctx context.Context, channelID string) error {
	return f.record("answer", channelID)
}

func (f *fakeTelephony) CreateBridge(ctx context.Context, bridgeID string) error {
	return f.record("create_bridge", bridgeID)
}

func (f *fakeTelephony) AddToBridge(ctx context.Context, bridgeID, channelID string) error {
	return f.record("add_to_bridge", bridgeID+"/"+channelID)
}

func (f *fakeTelephony) CreateExternalMedia(ctx context.Context, channelID, host string, port int) error {
	return f.record("external_media", fmt.Sprintf("%s@%s:%d", channelID, host, port))
}

func (f *fakeTelephony) MediaAddress(ctx context.Context, channelID string) (*net.UDPAddr, error) {
	if err := f.record("media_address", channelID); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mediaAddr, f.mediaErr
}

func (f *fakeTelephony) Hangup(ctx context.Context, channelID string) error {
	if err := f.record("hangup", channelID); err != nil {
		return err
	}
	return f.hangupErr
}

func (f *fakeTelephony) DestroyBridge(ctx context.Context, bridgeID string) error {
	return f.record("destroy_bridge", bridgeID)
}

func (f *fakeTelephony) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, op+":") {
			n++
		}
	}
	return n
}

func (f *fakeTelephony) has(call string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c == call {
			return true
		}
	}
	return false
}

type stubConn struct {
	events chan []services.Event
	done   chan struct{}
	once   sync.Once
}

func newStubConn() *stubConn {
	return &stubConn{events: make(chan []services.Event, 16), done: make(chan struct{})}
}

func (c *stubConn) Configure(ctx context.Context) error {
	c.events <- []services.Event{{Kind: services.EventReady}}
	return nil
}

func (c *stubConn) SendAudio(mulaw []byte) error { return nil }
func (c *stubConn) EndTurn() error               { return nil }

func (c *stubConn) Receive() ([]services.Event, error) {
	select {
	case evs := <-c.events:
		return evs, nil
	case <-c.done:
		return nil, net.ErrClosed
	}
}

func (c *stubConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

type stubProvider struct {
	dials   atomic.Int32
	dialErr error
}

func (p *stubProvider) Name() string { return "stub" }

func (p *stubProvider) Dial(ctx context.Context) (services.Conn, error) {
	p.dials.Add(1)
	if p.dialErr != nil {
		return nil, p.dialErr
	}
	return newStubConn(), nil
}

var errTelephony = errors.New("telephony failure")

type testRig struct {
	manager   *Manager
	telephony *fakeTelephony
	provider  *stubProvider
	ports     *rtp.PortAllocator
	ids       atomic.Int32
}

func newTestRig(t *testing.T, tweak func(*ManagerConfig)) *testRig {
	t.Helper()
	rig := &testRig{
		telephony: newFakeTelephony(),
		provider:  &stubProvider{},
		ports:     rtp.NewPortAllocator(rtp.PortAllocatorConfig{Start: 46000, MaxConcurrent: 8}),
	}
	config := ManagerConfig{
		Ports:                rig.ports,
		Telephony:            rig.telephony,
		Provider:             rig.provider,
		BindHost:             "127.0.0.1",
		AdvertiseHost:        "10.0.0.5",
		MediaMappingAttempts: 3,
		MediaMappingInterval: time.Millisecond,
		NewID: func() string {
			return fmt.Sprintf("gen-%d", rig.ids.Add(1))
		},
	}
	config.Transport.MaxAttempts = 2
	config.Transport.RetryBackoff = time.Millisecond
	if tweak != nil {
		tweak(&config)
	}
	rig.manager = NewManager(config)
	t.Cleanup(func() {
		rig.manager.Shutdown(context.Background())
	})
	return rig
}

func (r *testRig) startCall(t *testing.T, id string) *Session {
	t.Helper()
	require.NoError(t, r.manager.HandleCallStart(context.Background(), CallInfo{ID: id, ChannelName: "PJSIP/" + id}))
	s, ok := r.manager.Sessions().Get(id)
	require.True(t, ok)
	return s
}
