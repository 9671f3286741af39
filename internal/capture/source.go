package capture

import (
	"context"
	"io"
	"sync"
)

// defaultChunkFrames is the number of frames handed out per Read.
const defaultChunkFrames = 1024

// Microphone is an audio source that can be acquired for the duration of one
// capture. Every successful Open must be paired with Stream.Close.
type Microphone interface {
	Open(ctx context.Context) (Stream, error)
}

// Stream is an acquired source. Read blocks until the next chunk of PCM is
// available and returns io.EOF once the source is exhausted.
type Stream interface {
	Format() Format
	Read(ctx context.Context) ([]byte, error)
	Close() error
}

// PCMSource replays a fixed PCM buffer from the start on every Open.
type PCMSource struct {
	format Format
	pcm    []byte

	mu     sync.Mutex
	opened int
	open   int
}

func NewPCMSource(format Format, pcm []byte) *PCMSource {
	return &PCMSource{format: format, pcm: pcm}
}

func (s *PCMSource) Open(ctx context.Context) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.opened++
	s.open++
	s.mu.Unlock()
	return &pcmStream{src: s, format: s.format, pcm: s.pcm, chunk: defaultChunkFrames * s.format.frameBytes()}, nil
}

// Opened reports how many times the source was acquired.
func (s *PCMSource) Opened() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened
}

// Held reports how many streams are currently open.
func (s *PCMSource) Held() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

type pcmStream struct {
	src    *PCMSource
	format Format
	pcm    []byte
	offset int
	chunk  int
	once   sync.Once
}

func (p *pcmStream) Format() Format { return p.format }

func (p *pcmStream) Read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.offset >= len(p.pcm) {
		return nil, io.EOF
	}
	end := p.offset + p.chunk
	if end > len(p.pcm) {
		end = len(p.pcm)
	}
	out := p.pcm[p.offset:end]
	p.offset = end
	return out, nil
}

func (p *pcmStream) Close() error {
	p.once.Do(func() {
		p.src.mu.Lock()
		p.src.open--
		p.src.mu.Unlock()
	})
	return nil
}
