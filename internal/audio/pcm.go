// Package audio converts, captures, meters and plays mono 16-bit PCM.
package audio

import (
	"encoding/binary"
	"math"
	"time"

	goaudio "github.com/go-audio/audio"
)

// FloatToPCM16 clamps each sample to [-1, 1] and encodes it as
// little-endian int16, scaling negatives by 32768 and positives by 32767.
func FloatToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		var v int16
		if s < 0 {
			v = int16(s * 0x8000)
		} else {
			v = int16(s * 0x7FFF)
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

// PCM16ToFloat decodes little-endian int16 samples into [-1, 1). A trailing
// odd byte is ignored.
func PCM16ToFloat(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768.0
	}
	return out
}

// IntBuffer wraps PCM16 bytes for the go-audio encoders.
func IntBuffer(pcm []byte, sampleRate int) *goaudio.IntBuffer {
	data := make([]int, len(pcm)/2)
	for i := range data {
		data[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	return &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}
}

// Duration is the play time of a mono PCM16 segment.
func Duration(pcm []byte, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	samples := len(pcm) / 2
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}

// Level reports the RMS loudness of a PCM16 frame on a 0-100 scale.
func Level(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768.0
		sum += v * v
	}
	level := math.Sqrt(sum/float64(n)) * 100
	if level > 100 {
		level = 100
	}
	return level
}
