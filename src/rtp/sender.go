package rtp

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pion/rtp"

	"github.com/square-key-labs/strawgo-bridge/src/audio"
	"github.com/square-key-labs/strawgo-bridge/src/logger"
)

// DefaultBufferCapacity bounds the μ-law bytes a Sender holds (6 seconds)
const DefaultBufferCapacity = 48000

// ErrSenderClosed is returned when writing to a Sender after EndStream
var ErrSenderClosed = errors.New("rtp sender closed")

// PlaybackState is the state of a Sender's playback loop
type PlaybackState int

const (
	// StateIdle means no frames are queued and no timer is running
	StateIdle PlaybackState = iota
	// StateDraining means the pacing timer is sending queued frames
	StateDraining
	// StateStopped means playback was cut short and the queue cleared
	StateStopped
	// StateClosed is terminal; the socket is closed
	StateClosed
)

func (s PlaybackState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// SenderConfig holds configuration for an RTP sender
type SenderConfig struct {
	CallID string

	// Conn is the socket frames are written to. When nil the Sender opens
	// its own UDP socket on BindHost with an ephemeral port.
	Conn     net.PacketConn
	BindHost string

	Endpoint    Endpoint     // Supplies the learned remote address and liveness
	InitialAddr *net.UDPAddr // Destination until a remote address is learned

	BufferCapacity int           // Max accumulated plus queued bytes (default 48000)
	SilencePadding time.Duration // Silence prepended to the first audio of the call
	FrameInterval  time.Duration // Pacing interval (default 20ms)

	// OnFinished is called each time playback ends, whether drained or stopped
	OnFinished func()
}

// Sender buffers outbound μ-law audio, frames it and paces it onto the wire
// at one packet per FrameInterval.
//
// The accumulation buffer, the playback queue and every send happen under
// one mutex, so StopPlayback and EndStream take effect before the next frame.
type Sender struct {
	config SenderConfig
	conn   net.PacketConn

	mu         sync.Mutex
	state      PlaybackState
	accum      []byte
	queue      []*rtp.Packet
	packetizer *packetizer
	padded     bool
	stopCh     chan struct{} // Identifies the current Draining period
	drained    chan struct{} // Closed while not Draining
	tracker    *sendTracker

	closeOnce sync.Once

	log        *logger.Logger
	dropLog    *logger.ThrottledLogger
	sendErrLog *logger.ThrottledLogger
}

// NewSender creates a sender in the Idle state
func NewSender(config SenderConfig) (*Sender, error) {
	if config.BufferCapacity <= 0 {
		config.BufferCapacity = DefaultBufferCapacity
	}
	if config.FrameInterval <= 0 {
		config.FrameInterval = FrameDuration
	}

	conn := config.Conn
	if conn == nil {
		c, err := net.ListenPacket("udp", net.JoinHostPort(config.BindHost, "0"))
		if err != nil {
			return nil, fmt.Errorf("failed to open RTP send socket: %w", err)
		}
		conn = c
	}

	drained := make(chan struct{})
	close(drained)

	log := logger.WithPrefix("RTPSender").WithField("call_id", config.CallID)
	return &Sender{
		config:     config,
		conn:       conn,
		packetizer: newPacketizer(),
		drained:    drained,
		tracker:    newSendTracker(config.CallID),
		log:        log,
		dropLog:    log.Throttled(2 * time.Second),
		sendErrLog: log.Throttled(5 * time.Second),
	}, nil
}

// LocalAddr returns the address of the send socket
func (s *Sender) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// SubmitAudio admits a chunk of μ-law audio for playback.
//
// Empty or all-silence chunks are rejected. A chunk that does not fit in the
// remaining capacity is dropped whole. Whole frames are queued immediately
// and a sub-frame remainder waits for more audio or Flush.
func (s *Sender) SubmitAudio(mulaw []byte) bool {
	if audio.IsSilence(mulaw) {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return false
	}

	pending := len(s.accum) + len(s.queue)*FrameSize
	if pending+len(mulaw) > s.config.BufferCapacity {
		s.tracker.dropped()
		s.dropLog.Warn("⚠️  Playback buffer full (%d/%d bytes), dropping %d-byte chunk",
			pending, s.config.BufferCapacity, len(mulaw))
		return false
	}

	s.accum = append(s.accum, mulaw...)
	whole := len(s.accum) / FrameSize * FrameSize
	if whole > 0 {
		s.enqueueLocked(s.accum[:whole])
		rest := make([]byte, len(s.accum)-whole)
		copy(rest, s.accum[whole:])
		s.accum = rest
	}
	return true
}

// EnqueueForPlayback frames payload and appends it to the playback queue,
// bypassing the accumulation buffer and its capacity check.
func (s *Sender) EnqueueForPlayback(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return ErrSenderClosed
	}
	if len(payload) == 0 {
		return nil
	}
	s.enqueueLocked(payload)
	return nil
}

// Flush queues any accumulated remainder, padded to a whole frame
func (s *Sender) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed || len(s.accum) == 0 {
		return
	}
	s.enqueueLocked(s.accum)
	s.accum = nil
}

func (s *Sender) enqueueLocked(payload []byte) {
	if !s.padded {
		s.padded = true
		for i := 0; i < int(s.config.SilencePadding/FrameDuration); i++ {
			s.queue = append(s.queue, s.packetizer.packet(SilenceFrame()))
		}
	}
	for _, frame := range Frames(payload) {
		s.queue = append(s.queue, s.packetizer.packet(frame))
	}
	s.startPacingLocked()
}

func (s *Sender) startPacingLocked() {
	if s.state == StateDraining || len(s.queue) == 0 {
		return
	}
	s.state = StateDraining
	stop := make(chan struct{})
	s.stopCh = stop
	s.drained = make(chan struct{})
	go s.pace(stop)
}

// pace runs one Draining period: the first frame goes out at once, then one
// per tick until tick reports the period is over.
func (s *Sender) pace(stop chan struct{}) {
	ticker := time.NewTicker(s.config.FrameInterval)
	defer ticker.Stop()

	if !s.tick(stop) {
		return
	}
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !s.tick(stop) {
				return
			}
		}
	}
}

// tick sends the next frame. It returns false once the Draining period that
// owns stop has ended, by this tick or by a concurrent stop.
func (s *Sender) tick(stop chan struct{}) bool {
	s.mu.Lock()

	if s.stopCh != stop {
		s.mu.Unlock()
		return false
	}

	if ep := s.config.Endpoint; ep != nil && !ep.Active() {
		s.log.Debug("Call no longer active, abandoning %d queued frames", len(s.queue))
		s.clearLocked()
		s.finishLocked(StateStopped)
		s.mu.Unlock()
		s.notifyFinished()
		return false
	}

	if len(s.queue) == 0 {
		s.finishLocked(StateIdle)
		s.mu.Unlock()
		s.notifyFinished()
		return false
	}

	pkt := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]

	if err := s.sendLocked(pkt); err != nil && errors.Is(err, net.ErrClosed) {
		s.log.Warn("Send socket closed, stopping playback")
		s.clearLocked()
		s.finishLocked(StateStopped)
		s.mu.Unlock()
		s.notifyFinished()
		return false
	}

	s.mu.Unlock()
	return true
}

func (s *Sender) sendLocked(pkt *rtp.Packet) error {
	dest := s.destination()
	if dest == nil {
		s.sendErrLog.Warn("No remote media address yet, dropping frame seq=%d", pkt.SequenceNumber)
		return nil
	}

	raw, err := pkt.Marshal()
	if err != nil {
		s.sendErrLog.Warn("Failed to marshal RTP packet: %v", err)
		return err
	}
	if _, err := s.conn.WriteTo(raw, dest); err != nil {
		s.sendErrLog.Warn("Failed to send RTP packet to %s: %v", dest, err)
		return err
	}

	gap := s.tracker.record(len(pkt.Payload), time.Now())
	if gap > PacingAnomalyThreshold {
		s.log.Warn("Pacing anomaly: %v between packets (seq=%d)", gap.Round(time.Millisecond), pkt.SequenceNumber)
	}
	return nil
}

func (s *Sender) destination() net.Addr {
	if ep := s.config.Endpoint; ep != nil {
		if addr := ep.RemoteAddr(); addr != nil {
			return addr
		}
	}
	if s.config.InitialAddr != nil {
		return s.config.InitialAddr
	}
	return nil
}

func (s *Sender) clearLocked() {
	for i := range s.queue {
		s.queue[i] = nil
	}
	s.queue = s.queue[:0]
	s.accum = nil
}

// finishLocked ends the current Draining period
func (s *Sender) finishLocked(next PlaybackState) {
	s.state = next
	s.stopCh = nil
	s.tracker.idle()
	select {
	case <-s.drained:
	default:
		close(s.drained)
	}
}

func (s *Sender) notifyFinished() {
	if s.config.OnFinished != nil {
		s.config.OnFinished()
	}
}

// StopPlayback halts the pacing timer and discards queued and accumulated
// audio. No further frame of the current response is sent after it returns.
func (s *Sender) StopPlayback() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}

	discarded := len(s.queue)
	s.clearLocked()
	if s.state != StateDraining {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	s.finishLocked(StateStopped)
	s.mu.Unlock()

	s.log.Info("🛑 Playback stopped, discarded %d frames", discarded)
	s.notifyFinished()
}

// EndStream stops playback and closes the socket. Later calls are no-ops.
func (s *Sender) EndStream() error {
	var closeErr error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		wasDraining := s.state == StateDraining
		if wasDraining {
			close(s.stopCh)
		}
		s.clearLocked()
		s.finishLocked(StateClosed)
		stats := s.tracker.stats
		if err := s.conn.Close(); err != nil {
			closeErr = fmt.Errorf("failed to close RTP send socket: %w", err)
		}
		s.mu.Unlock()

		s.log.Info("Stream ended (%d packets, %d bytes, %d dropped chunks)",
			stats.PacketsSent, stats.BytesSent, stats.ChunksDropped)
		if wasDraining {
			s.notifyFinished()
		}
	})
	return closeErr
}

// Drained returns a channel that is closed while the sender is not playing.
// A new channel is handed out each time playback starts.
func (s *Sender) Drained() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drained
}

// Pending returns the bytes waiting to be played, accumulated plus queued
func (s *Sender) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.accum) + len(s.queue)*FrameSize
}

// State returns the playback state
func (s *Sender) State() PlaybackState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stats returns a snapshot of the send counters
func (s *Sender) Stats() SendStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracker.stats
}
