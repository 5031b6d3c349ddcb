package rtp

import (
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"
)

type fakeEndpoint struct {
	mu     sync.Mutex
	addr   *net.UDPAddr
	active atomic.Bool
}

func newFakeEndpoint() *fakeEndpoint {
	ep := &fakeEndpoint{}
	ep.active.Store(true)
	return ep
}

func (e *fakeEndpoint) RemoteAddr() *net.UDPAddr {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.addr
}

func (e *fakeEndpoint) LearnRemoteAddr(addr *net.UDPAddr) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.addr != nil {
		return false
	}
	e.addr = addr
	return true
}

func (e *fakeEndpoint) Active() bool { return e.active.Load() }

type fakeSink struct {
	ready  atomic.Bool
	mu     sync.Mutex
	chunks [][]byte
}

func (s *fakeSink) Ready() bool { return s.ready.Load() }

func (s *fakeSink) SendAudio(mulaw []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, mulaw)
}

func (s *fakeSink) received() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.chunks...)
}

func listenLoopback(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readPacket waits up to timeout for one RTP packet. ok is false on timeout.
func readPacket(t *testing.T, conn *net.UDPConn, timeout time.Duration) (pkt *rtp.Packet, at time.Time, ok bool) {
	t.Helper()
	buf := make([]byte, 1500)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(timeout)))
	n, _, err := conn.ReadFromUDP(buf)
	if err != nil {
		return nil, time.Time{}, false
	}
	at = time.Now()
	pkt = &rtp.Packet{}
	require.NoError(t, pkt.Unmarshal(buf[:n]))
	return pkt, at, true
}

func tone(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(0x10 + i%32)
	}
	return b
}

func newTestSender(t *testing.T, config SenderConfig) *Sender {
	t.Helper()
	if config.Conn == nil {
		config.Conn = listenLoopback(t)
	}
	s, err := NewSender(config)
	require.NoError(t, err)
	t.Cleanup(func() { s.EndStream() })
	return s
}
