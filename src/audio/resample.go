package audio

import (
	"errors"
	"fmt"
)

// Sample rates handled by the bridge
const (
	SampleRate8k  = 8000
	SampleRate16k = 16000
	SampleRate24k = 24000
)

// ErrUnsupportedRate is returned for rate pairs the resampler does not handle
var ErrUnsupportedRate = errors.New("unsupported sample rate conversion")

// ResampleSamples converts PCM samples between the telephony and AI rates.
//
// Upsampling 8k→16k interpolates linearly: every input sample is followed by
// the average of itself and its successor, and the last sample is repeated.
// Downsampling to 8k is plain decimation (every 2nd sample from 16k, every
// 3rd from 24k) with no anti-alias filter. That is a known quality
// approximation for speech, kept deliberately.
func ResampleSamples(in []int16, fromRate, toRate int) ([]int16, error) {
	switch {
	case fromRate == toRate:
		return in, nil
	case fromRate == SampleRate8k && toRate == SampleRate16k:
		return upsample2x(in), nil
	case fromRate == SampleRate16k && toRate == SampleRate8k:
		return decimate(in, 2), nil
	case fromRate == SampleRate24k && toRate == SampleRate8k:
		return decimate(in, 3), nil
	case fromRate == SampleRate24k && toRate == SampleRate16k:
		return upsample2x(decimate(in, 3)), nil
	default:
		return nil, fmt.Errorf("%w: %d Hz -> %d Hz", ErrUnsupportedRate, fromRate, toRate)
	}
}

// Resample converts little-endian PCM16 bytes between sample rates
func Resample(pcm []byte, fromRate, toRate int) ([]byte, error) {
	if fromRate == toRate {
		return pcm, nil
	}
	samples, err := BytesToPCM(pcm)
	if err != nil {
		return nil, err
	}
	out, err := ResampleSamples(samples, fromRate, toRate)
	if err != nil {
		return nil, err
	}
	return PCMToBytes(out), nil
}

func upsample2x(in []int16) []int16 {
	out := make([]int16, len(in)*2)
	for i, s := range in {
		next := s
		if i+1 < len(in) {
			next = in[i+1]
		}
		out[2*i] = s
		out[2*i+1] = int16((int32(s) + int32(next)) / 2)
	}
	return out
}

func decimate(in []int16, factor int) []int16 {
	out := make([]int16, 0, (len(in)+factor-1)/factor)
	for i := 0; i < len(in); i += factor {
		out = append(out, in[i])
	}
	return out
}
