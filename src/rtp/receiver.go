package rtp

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/square-key-labs/strawgo-bridge/src/logger"
)

// Sink consumes inbound call audio. The AI transport implements it.
type Sink interface {
	// Ready reports whether the AI connection is open and configured
	Ready() bool
	// SendAudio forwards one RTP payload of μ-law audio
	SendAudio(mulaw []byte)
}

// ReceiverConfig holds configuration for an RTP receiver
type ReceiverConfig struct {
	CallID   string
	BindHost string
	Port     int
	Endpoint Endpoint
	Sink     Sink      // May be nil until the AI transport is up; see SetSink
	Tap      io.Writer // Optional raw payload recorder
}

// Receiver reads RTP from one UDP port and forwards payloads to a Sink.
// Audio that arrives while the sink is not ready is dropped, never queued.
type Receiver struct {
	config ReceiverConfig
	conn   *net.UDPConn

	sinkMu sync.RWMutex
	sink   Sink

	received  atomic.Uint64
	dropped   atomic.Uint64
	malformed atomic.Uint64

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error

	log      *logger.Logger
	dropLog  *logger.ThrottledLogger
	errorLog *logger.ThrottledLogger
}

// NewReceiver creates a receiver. Call Start to bind the socket.
func NewReceiver(config ReceiverConfig) *Receiver {
	log := logger.WithPrefix("RTPReceiver").WithFields(map[string]interface{}{
		"call_id": config.CallID,
		"port":    config.Port,
	})
	return &Receiver{
		config:   config,
		sink:     config.Sink,
		done:     make(chan struct{}),
		log:      log,
		dropLog:  log.Throttled(2 * time.Second),
		errorLog: log.Throttled(5 * time.Second),
	}
}

// Start binds the UDP socket and starts the read loop
func (r *Receiver) Start() error {
	addr := net.JoinHostPort(r.config.BindHost, strconv.Itoa(r.config.Port))
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		close(r.done)
		return fmt.Errorf("failed to resolve RTP bind address %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		close(r.done)
		return fmt.Errorf("failed to bind RTP port %s: %w", addr, err)
	}
	r.conn = conn
	r.log.Info("Listening for RTP on %s", conn.LocalAddr())

	go r.readLoop()
	return nil
}

// LocalAddr returns the bound address, or nil before Start
func (r *Receiver) LocalAddr() *net.UDPAddr {
	if r.conn == nil {
		return nil
	}
	return r.conn.LocalAddr().(*net.UDPAddr)
}

// SetSink attaches the consumer of inbound audio
func (r *Receiver) SetSink(sink Sink) {
	r.sinkMu.Lock()
	r.sink = sink
	r.sinkMu.Unlock()
}

func (r *Receiver) currentSink() Sink {
	r.sinkMu.RLock()
	defer r.sinkMu.RUnlock()
	return r.sink
}

func (r *Receiver) readLoop() {
	defer close(r.done)

	buf := make([]byte, 1500)
	for {
		n, src, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				r.log.Debug("Socket closed, read loop exiting")
				return
			}
			r.errorLog.Warn("Read error: %v", err)
			continue
		}
		r.handleDatagram(buf[:n], src)
	}
}

func (r *Receiver) handleDatagram(datagram []byte, src *net.UDPAddr) {
	r.received.Add(1)
	recordReceived()

	if ep := r.config.Endpoint; ep != nil && ep.RemoteAddr() == nil {
		if ep.LearnRemoteAddr(src) {
			r.log.Info("Learned remote media address %s", src)
		}
	}

	payload, err := ParsePayload(datagram)
	if err != nil {
		r.malformed.Add(1)
		r.errorLog.Warn("Dropping malformed packet from %s: %v", src, err)
		return
	}
	if len(payload) == 0 {
		return
	}

	// The read buffer is reused for the next datagram
	data := make([]byte, len(payload))
	copy(data, payload)

	if r.config.Tap != nil {
		if _, err := r.config.Tap.Write(data); err != nil {
			r.errorLog.Warn("Recording tap write failed: %v", err)
		}
	}

	sink := r.currentSink()
	if sink == nil || !sink.Ready() {
		r.dropped.Add(1)
		r.dropLog.Debug("AI connection not ready, dropping inbound audio (%d dropped)", r.dropped.Load())
		return
	}
	sink.SendAudio(data)
}

// Stats returns a snapshot of the receive counters
func (r *Receiver) Stats() ReceiveStats {
	return ReceiveStats{
		PacketsReceived: r.received.Load(),
		PacketsDropped:  r.dropped.Load(),
		Malformed:       r.malformed.Load(),
	}
}

// Close closes the socket and waits up to timeout for the read loop to exit.
// Safe to call multiple times.
func (r *Receiver) Close(timeout time.Duration) error {
	r.closeOnce.Do(func() {
		if r.conn == nil {
			return
		}
		if err := r.conn.Close(); err != nil {
			r.closeErr = fmt.Errorf("failed to close RTP socket: %w", err)
			return
		}
		select {
		case <-r.done:
			r.log.Debug("Receiver closed (%d packets, %d dropped)", r.received.Load(), r.dropped.Load())
		case <-time.After(timeout):
			r.closeErr = fmt.Errorf("timed out after %v waiting for RTP read loop", timeout)
		}
	})
	return r.closeErr
}
