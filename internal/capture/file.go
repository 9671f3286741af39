package capture

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/go-audio/wav"
)

// FileSource reads a WAV file. Each Open starts again from the beginning of
// the file, so repeated captures see the same audio.
type FileSource struct {
	path string
}

func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

func (s *FileSource) Open(ctx context.Context) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	format, pcm, err := decodeWAV(s.path)
	if err != nil {
		return nil, err
	}
	return NewPCMSource(format, pcm).Open(ctx)
}

func decodeWAV(path string) (Format, []byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return Format{}, nil, fmt.Errorf("open audio file: %w", err)
	}
	defer file.Close()

	dec := wav.NewDecoder(file)
	if !dec.IsValidFile() {
		return Format{}, nil, fmt.Errorf("%s is not a valid wav file", path)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return Format{}, nil, fmt.Errorf("decode wav: %w", err)
	}
	format := Format{SampleRate: buf.Format.SampleRate, Channels: buf.Format.NumChannels}
	if format.SampleRate <= 0 || format.Channels <= 0 {
		return Format{}, nil, fmt.Errorf("wav header missing sample rate or channels")
	}
	pcm, err := toPCM16(buf.Data, int(dec.BitDepth))
	if err != nil {
		return Format{}, nil, err
	}
	return format, pcm, nil
}

func toPCM16(samples []int, bitDepth int) ([]byte, error) {
	out := make([]byte, len(samples)*bytesPerSample)
	for i, v := range samples {
		switch bitDepth {
		case 8:
			v = (v - 128) << 8
		case 16:
		case 24:
			v >>= 8
		case 32:
			v >>= 16
		default:
			return nil, fmt.Errorf("unsupported wav bit depth %d", bitDepth)
		}
		binary.LittleEndian.PutUint16(out[i*bytesPerSample:], uint16(int16(v)))
	}
	return out, nil
}
