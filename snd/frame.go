package snd

import (
	"encoding/binary"
	"math"
)

const (
	// SampleRate is the capture rate the whole pipeline assumes.
	SampleRate = 16000

	// FrameSamples is the number of samples in one transport frame.
	FrameSamples = 2048

	// FrameBytes is the encoded size of one frame (int16 little-endian).
	FrameBytes = FrameSamples * 2
)

// Framer accumulates float32 samples into fixed-size frames and encodes
// each completed frame as little-endian int16 PCM. It is owned by a
// single producer; Push never locks and never blocks.
//
// Partial buffers are never emitted. Whatever is left at session end is
// discarded with Reset.
type Framer struct {
	buf    [FrameSamples]float32
	cursor int
}

func NewFramer() *Framer {
	return &Framer{}
}

// Push appends a block of samples and returns the frames completed by
// it, in arrival order. An empty block is a no-op.
func (f *Framer) Push(block []float32) [][]byte {
	if len(block) == 0 {
		return nil
	}

	var frames [][]byte
	for _, s := range block {
		f.buf[f.cursor] = s
		f.cursor++
		if f.cursor == FrameSamples {
			frames = append(frames, encodeFrame(f.buf[:]))
			f.cursor = 0
		}
	}
	return frames
}

// Pending returns the number of samples buffered toward the next frame.
func (f *Framer) Pending() int {
	return f.cursor
}

// Reset discards any partially accumulated frame.
func (f *Framer) Reset() {
	f.cursor = 0
}

func encodeFrame(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(Sample16(s)))
	}
	return out
}

// Sample16 converts a float sample in [-1, 1] to signed 16-bit PCM.
// Out-of-range input clamps rather than wraps; in-range input scales by
// 32767 truncating toward zero.
func Sample16(s float32) int16 {
	switch {
	case s >= 1.0:
		return math.MaxInt16
	case s <= -1.0:
		return math.MinInt16
	default:
		return int16(s * 32767)
	}
}
