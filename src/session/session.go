// Package session owns the lifecycle of bridged calls: it sets up the media
// path for a new call and tears every resource down exactly once.
package session

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/square-key-labs/strawgo-bridge/src/recording"
	"github.com/square-key-labs/strawgo-bridge/src/rtp"
	"github.com/square-key-labs/strawgo-bridge/src/services"
)

// Session is the record of one bridged call, keyed by the caller's channel id.
//
// Only the Manager creates and removes sessions. The media components update
// it through the narrow accessors below.
type Session struct {
	ID          string
	ChannelName string
	Port        int
	CreatedAt   time.Time

	mu             sync.RWMutex
	remoteAddr     *net.UDPAddr
	fallbackAddr   *net.UDPAddr
	receiver       *rtp.Receiver
	transport      *services.Transport
	recorder       *recording.Recorder
	bridgeID       string
	mediaChannelID string
	durationTimer  *time.Timer
	released       bool // Teardown has taken the resources above

	cancelSetup context.CancelFunc
	setupDone   chan struct{}

	active      atomic.Bool
	outstanding atomic.Int64

	aiClosedOnce sync.Once
	aiClosed     chan struct{}
}

func newSession(id, channelName string, port int) *Session {
	s := &Session{
		ID:          id,
		ChannelName: channelName,
		Port:        port,
		CreatedAt:   time.Now(),
		aiClosed:    make(chan struct{}),
		setupDone:   make(chan struct{}),
	}
	s.active.Store(true)
	return s
}

// RemoteAddr returns the learned media source, or nil before the first packet
func (s *Session) RemoteAddr() *net.UDPAddr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.remoteAddr
}

// LearnRemoteAddr records the media source the first time it is seen
func (s *Session) LearnRemoteAddr(addr *net.UDPAddr) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remoteAddr != nil || addr == nil {
		return false
	}
	s.remoteAddr = addr
	return true
}

// FallbackAddr returns the address Asterisk reported for the media channel
func (s *Session) FallbackAddr() *net.UDPAddr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fallbackAddr
}

// Active reports whether the call is still live. It turns false when
// teardown begins.
func (s *Session) Active() bool {
	return s.active.Load()
}

// AddOutstanding counts audio bytes admitted for playback. Negative n
// releases played bytes; the counter never drops below zero.
func (s *Session) AddOutstanding(n int) {
	for {
		cur := s.outstanding.Load()
		next := cur + int64(n)
		if next < 0 {
			next = 0
		}
		if s.outstanding.CompareAndSwap(cur, next) {
			return
		}
	}
}

// ResetOutstanding clears the turn's byte counter
func (s *Session) ResetOutstanding() {
	s.outstanding.Store(0)
}

// Outstanding returns the turn's byte counter
func (s *Session) Outstanding() int {
	return int(s.outstanding.Load())
}

// MarkAIClosed records that the AI connection is gone for good
func (s *Session) MarkAIClosed() {
	s.aiClosedOnce.Do(func() { close(s.aiClosed) })
}

// AIClosed returns a channel closed once the AI connection is gone
func (s *Session) AIClosed() <-chan struct{} {
	return s.aiClosed
}

// IsAIClosed reports whether MarkAIClosed has been called
func (s *Session) IsAIClosed() bool {
	select {
	case <-s.aiClosed:
		return true
	default:
		return false
	}
}

// Transport returns the call's AI transport, or nil before it is started
func (s *Session) Transport() *services.Transport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.transport
}

// Receiver returns the call's RTP receiver
func (s *Session) Receiver() *rtp.Receiver {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.receiver
}

// BridgeID returns the id of the bridge joining caller and media channel
func (s *Session) BridgeID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bridgeID
}

// MediaChannelID returns the id of the external media channel
func (s *Session) MediaChannelID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mediaChannelID
}

// adopt runs attach under the session lock unless teardown has already
// collected the session's resources. A false result leaves the resource with
// the caller, who must release it.
func (s *Session) adopt(attach func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return false
	}
	attach()
	return true
}
