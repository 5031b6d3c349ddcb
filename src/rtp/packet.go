// Package rtp carries call audio between Asterisk and the bridge over
// RTP/UDP: port allocation, the inbound receiver, and the paced outbound
// sender. Header handling uses pion/rtp.
package rtp

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/pion/rtp"

	"github.com/square-key-labs/strawgo-bridge/src/audio"
)

const (
	// FrameSize is the μ-law payload of one 20ms frame at 8kHz
	FrameSize = 160

	// FrameDuration is the playback time of one frame
	FrameDuration = 20 * time.Millisecond

	// PayloadTypePCMU is the static RTP payload type for G.711 μ-law
	PayloadTypePCMU uint8 = 0

	// HeaderSize is the fixed RTP header length without CSRCs or extensions
	HeaderSize = 12
)

// Endpoint is the per-call state the media path reads and updates.
// The session record implements it.
type Endpoint interface {
	// RemoteAddr returns the learned media source, or nil before the first packet
	RemoteAddr() *net.UDPAddr
	// LearnRemoteAddr records addr if none is known yet and reports whether it did
	LearnRemoteAddr(addr *net.UDPAddr) bool
	// Active reports whether the call is still live
	Active() bool
}

// packetizer stamps frames with per-call sequence, timestamp and SSRC.
// Not safe for concurrent use; the Sender serializes access.
type packetizer struct {
	ssrc           uint32
	sequenceNumber uint16
	timestamp      uint32
}

func newPacketizer() *packetizer {
	return &packetizer{
		ssrc:           randomUint32(),
		sequenceNumber: uint16(randomUint32()),
		timestamp:      randomUint32(),
	}
}

// packet builds the next RTP packet for a 160-byte μ-law payload.
// Sequence wraps mod 65536; timestamp always advances by one frame.
func (p *packetizer) packet(payload []byte) *rtp.Packet {
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    PayloadTypePCMU,
			SequenceNumber: p.sequenceNumber,
			Timestamp:      p.timestamp,
			SSRC:           p.ssrc,
		},
		Payload: payload,
	}
	p.sequenceNumber++
	p.timestamp += FrameSize
	return pkt
}

// Frames slices μ-law audio into 160-byte frames, padding the last one with
// silence.
func Frames(payload []byte) [][]byte {
	if len(payload) == 0 {
		return nil
	}
	count := (len(payload) + FrameSize - 1) / FrameSize
	frames := make([][]byte, 0, count)
	for off := 0; off < len(payload); off += FrameSize {
		frame := make([]byte, FrameSize)
		n := copy(frame, payload[off:])
		for i := n; i < FrameSize; i++ {
			frame[i] = audio.MulawSilence
		}
		frames = append(frames, frame)
	}
	return frames
}

// SilenceFrame returns one frame of μ-law silence
func SilenceFrame() []byte {
	frame := make([]byte, FrameSize)
	for i := range frame {
		frame[i] = audio.MulawSilence
	}
	return frame
}

// ParsePayload strips the RTP header from a datagram
func ParsePayload(datagram []byte) ([]byte, error) {
	if len(datagram) < HeaderSize {
		return nil, fmt.Errorf("datagram too short for RTP header: %d bytes", len(datagram))
	}
	var pkt rtp.Packet
	if err := pkt.Unmarshal(datagram); err != nil {
		return nil, fmt.Errorf("failed to parse RTP packet: %w", err)
	}
	return pkt.Payload, nil
}

func randomUint32() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return uint32(time.Now().UnixNano())
	}
	return binary.BigEndian.Uint32(b[:])
}
