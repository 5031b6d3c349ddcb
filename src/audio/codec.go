// Package audio converts between G.711 μ-law and 16-bit linear PCM and
// between the sample rates used on the telephony and AI sides of a call.
//
// All functions are pure. Lookup tables are built once at package init.
package audio

import (
	"encoding/binary"
	"fmt"
)

const (
	// MulawSilence is the μ-law byte used for padding and silence frames
	MulawSilence byte = 0x7F

	mulawBias = 0x84
	mulawClip = 32635
)

var (
	mulawDecodeTable [256]int16
	mulawEncodeTable [65536]byte
)

func init() {
	for i := 0; i < 256; i++ {
		mulawDecodeTable[i] = decodeMulaw(byte(i))
	}
	for i := 0; i < 65536; i++ {
		mulawEncodeTable[i] = encodeMulaw(int16(uint16(i)))
	}
}

// decodeMulaw expands one μ-law byte using the G.711 formula
func decodeMulaw(u byte) int16 {
	u = ^u
	sign := u & 0x80
	exponent := (u >> 4) & 0x07
	mantissa := int(u & 0x0F)

	magnitude := ((mantissa << 3) + mulawBias) << exponent
	magnitude -= mulawBias

	if sign != 0 {
		return int16(-magnitude)
	}
	return int16(magnitude)
}

// encodeMulaw compresses one PCM sample using the G.711 formula
func encodeMulaw(sample int16) byte {
	var sign byte
	magnitude := int(sample)
	if magnitude < 0 {
		sign = 0x80
		magnitude = -magnitude
	}
	if magnitude > mulawClip {
		magnitude = mulawClip
	}
	magnitude += mulawBias

	// Smallest segment whose range (below 0x100 << exponent) holds the magnitude
	exponent := 7
	for e := 0; e < 8; e++ {
		if magnitude < 0x100<<e {
			exponent = e
			break
		}
	}
	mantissa := byte(magnitude>>(exponent+3)) & 0x0F

	return ^(sign | byte(exponent)<<4 | mantissa)
}

// DecodeMulaw returns the linear value of a single μ-law byte
func DecodeMulaw(u byte) int16 {
	return mulawDecodeTable[u]
}

// EncodeMulaw returns the μ-law byte for a single linear sample
func EncodeMulaw(sample int16) byte {
	return mulawEncodeTable[uint16(sample)]
}

// MulawToPCM converts mulaw audio to linear PCM int16
func MulawToPCM(mulaw []byte) []int16 {
	pcm := make([]int16, len(mulaw))
	for i, val := range mulaw {
		pcm[i] = mulawDecodeTable[val]
	}
	return pcm
}

// PCMToMulaw converts linear PCM int16 to mulaw
func PCMToMulaw(pcm []int16) []byte {
	mulaw := make([]byte, len(pcm))
	for i, val := range pcm {
		mulaw[i] = mulawEncodeTable[uint16(val)]
	}
	return mulaw
}

// MulawToPCM16 converts μ-law bytes to little-endian 16-bit PCM bytes
func MulawToPCM16(mulaw []byte) []byte {
	out := make([]byte, len(mulaw)*2)
	for i, val := range mulaw {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(mulawDecodeTable[val]))
	}
	return out
}

// PCM16ToMulaw converts little-endian 16-bit PCM bytes to μ-law.
// A trailing odd byte is ignored.
func PCM16ToMulaw(pcm []byte) []byte {
	out := make([]byte, len(pcm)/2)
	for i := range out {
		out[i] = mulawEncodeTable[binary.LittleEndian.Uint16(pcm[i*2:])]
	}
	return out
}

// BytesToPCM converts byte array to int16 PCM (little-endian)
func BytesToPCM(data []byte) ([]int16, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("invalid PCM data length: %d", len(data))
	}
	pcm := make([]int16, len(data)/2)
	for i := 0; i < len(pcm); i++ {
		pcm[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return pcm, nil
}

// PCMToBytes converts int16 PCM to byte array (little-endian)
func PCMToBytes(pcm []int16) []byte {
	data := make([]byte, len(pcm)*2)
	for i, val := range pcm {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(val))
	}
	return data
}

// IsSilence reports whether a μ-law buffer carries no audio: it is empty or
// consists only of MulawSilence bytes.
func IsSilence(mulaw []byte) bool {
	for _, b := range mulaw {
		if b != MulawSilence {
			return false
		}
	}
	return true
}
