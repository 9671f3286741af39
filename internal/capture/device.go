package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"
)

// deviceBufferChunks bounds how much captured audio may queue up between the
// driver callback and Read.
const deviceBufferChunks = 512

// DeviceSource captures from a native input device through miniaudio.
type DeviceSource struct {
	format Format
	device string
	log    *slog.Logger
}

// NewDeviceSource captures from the named input device, or the system default
// when name is empty.
func NewDeviceSource(format Format, name string, log *slog.Logger) *DeviceSource {
	return &DeviceSource{
		format: format,
		device: name,
		log:    log.With(slog.String("component", "capture-device")),
	}
}

func (s *DeviceSource) Open(ctx context.Context) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		s.log.Debug("miniaudio", slog.String("message", strings.TrimSpace(message)))
	})
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = uint32(s.format.Channels)
	cfg.SampleRate = uint32(s.format.SampleRate)
	cfg.Alsa.NoMMap = 1

	if s.device != "" {
		infos, err := mctx.Context.Devices(malgo.Capture)
		if err != nil {
			releaseContext(mctx)
			return nil, fmt.Errorf("list capture devices: %w", err)
		}
		found := false
		for i := range infos {
			if strings.EqualFold(infos[i].Name(), s.device) {
				cfg.Capture.DeviceID = infos[i].ID.Pointer()
				found = true
				break
			}
		}
		if !found {
			releaseContext(mctx)
			return nil, fmt.Errorf("capture device %q not found", s.device)
		}
	}

	stream := &deviceStream{
		format: s.format,
		chunks: make(chan []byte, deviceBufferChunks),
		closed: make(chan struct{}),
		log:    s.log,
	}
	dev, err := malgo.InitDevice(mctx.Context, cfg, malgo.DeviceCallbacks{Data: stream.onData})
	if err != nil {
		releaseContext(mctx)
		return nil, fmt.Errorf("init capture device: %w", err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		releaseContext(mctx)
		return nil, fmt.Errorf("start capture device: %w", err)
	}
	stream.ctx = mctx
	stream.dev = dev
	s.log.Debug("capture device started",
		slog.String("device", s.device),
		slog.Int("sample_rate", s.format.SampleRate),
		slog.Int("channels", s.format.Channels))
	return stream, nil
}

func releaseContext(mctx *malgo.AllocatedContext) {
	_ = mctx.Uninit()
	mctx.Free()
}

type deviceStream struct {
	format  Format
	ctx     *malgo.AllocatedContext
	dev     *malgo.Device
	chunks  chan []byte
	closed  chan struct{}
	once    sync.Once
	dropped atomic.Int64
	log     *slog.Logger
}

func (d *deviceStream) onData(_, input []byte, _ uint32) {
	if len(input) == 0 {
		return
	}
	chunk := make([]byte, len(input))
	copy(chunk, input)
	select {
	case d.chunks <- chunk:
	default:
		d.dropped.Add(1)
	}
}

func (d *deviceStream) Format() Format { return d.format }

func (d *deviceStream) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-d.closed:
		return nil, errors.New("capture device closed")
	case chunk := <-d.chunks:
		return chunk, nil
	}
}

func (d *deviceStream) Close() error {
	d.once.Do(func() {
		close(d.closed)
		d.dev.Uninit()
		releaseContext(d.ctx)
		if n := d.dropped.Load(); n > 0 {
			d.log.Warn("capture buffer overflowed", slog.Int64("dropped_chunks", n))
		}
	})
	return nil
}
