package capture

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const bytesPerSample = 2

// Format describes signed 16-bit little-endian interleaved PCM.
type Format struct {
	SampleRate int
	Channels   int
}

func (f Format) frameBytes() int {
	if f.Channels <= 0 {
		return bytesPerSample
	}
	return bytesPerSample * f.Channels
}

// Duration returns the playback length of n bytes of PCM in this format.
func (f Format) Duration(n int) time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	frames := n / f.frameBytes()
	return time.Duration(frames) * time.Second / time.Duration(f.SampleRate)
}

// AudioData is one captured utterance.
type AudioData struct {
	PCM        []byte
	SampleRate int
	Channels   int
}

func (a AudioData) Format() Format {
	return Format{SampleRate: a.SampleRate, Channels: a.Channels}
}

func (a AudioData) Duration() time.Duration {
	return a.Format().Duration(len(a.PCM))
}

func (a AudioData) Empty() bool {
	return len(a.PCM) < bytesPerSample
}

// WriteWAV encodes the utterance as a 16-bit PCM WAV file.
func (a AudioData) WriteWAV(w io.WriteSeeker) error {
	if len(a.PCM)%bytesPerSample != 0 {
		return fmt.Errorf("pcm payload not aligned")
	}
	buffer := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: a.Channels, SampleRate: a.SampleRate},
		Data:           samplesFromPCM(a.PCM),
		SourceBitDepth: 16,
	}
	enc := wav.NewEncoder(w, a.SampleRate, 16, a.Channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

// WAV returns the utterance as WAV bytes. The encoder needs a seekable
// writer, so the file is staged in the temp directory.
func (a AudioData) WAV() ([]byte, error) {
	file, err := os.CreateTemp("", "loqa_listen_*.wav")
	if err != nil {
		return nil, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := a.WriteWAV(file); err != nil {
		return nil, err
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewind wav: %w", err)
	}
	return io.ReadAll(file)
}

func samplesFromPCM(pcm []byte) []int {
	samples := make([]int, len(pcm)/bytesPerSample)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*bytesPerSample:])))
	}
	return samples
}

// rms is the root mean square of the 16-bit samples in pcm, on the raw
// sample scale (0..32768).
func rms(pcm []byte) float64 {
	n := len(pcm) / bytesPerSample
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i*bytesPerSample:])))
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}
