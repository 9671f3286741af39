package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"time"
)

var (
	// ErrWaitTimeout is returned by Listen when no speech started within the
	// configured timeout.
	ErrWaitTimeout = errors.New("listening timed out while waiting for phrase to start")

	// ErrNoAudio is returned when the stream ended before any audio was read.
	ErrNoAudio = errors.New("audio source ended without audio")
)

// ListenerConfig tunes the energy based endpointing. Durations are measured
// in captured audio, not wall clock.
type ListenerConfig struct {
	// EnergyThreshold is the starting RMS level above which a chunk counts as speech.
	EnergyThreshold float64
	// DynamicEnergy keeps adapting the threshold while waiting for speech.
	DynamicEnergy  bool
	DynamicDamping float64
	DynamicRatio   float64
	// Pause of non-speech that ends an utterance.
	Pause time.Duration
	// Phrase is the minimum speech length; shorter bursts are discarded.
	Phrase time.Duration
	// NonSpeaking is how much silence is kept on both sides of the utterance.
	NonSpeaking time.Duration
	// Timeout bounds the wait for speech to start. Zero waits forever.
	Timeout time.Duration
	// PhraseLimit cuts an utterance off after this long. Zero means no limit.
	PhraseLimit time.Duration
}

func DefaultListenerConfig() ListenerConfig {
	return ListenerConfig{
		EnergyThreshold: 300,
		DynamicEnergy:   true,
		DynamicDamping:  0.15,
		DynamicRatio:    1.5,
		Pause:           800 * time.Millisecond,
		Phrase:          300 * time.Millisecond,
		NonSpeaking:     500 * time.Millisecond,
	}
}

// Listener holds the energy threshold across captures. It is not safe for
// concurrent use.
type Listener struct {
	cfg       ListenerConfig
	threshold float64
	log       *slog.Logger
}

func NewListener(cfg ListenerConfig, log *slog.Logger) *Listener {
	return &Listener{
		cfg:       cfg,
		threshold: cfg.EnergyThreshold,
		log:       log.With(slog.String("component", "listener")),
	}
}

func (l *Listener) EnergyThreshold() float64 {
	return l.threshold
}

type chunk struct {
	pcm    []byte
	dur    time.Duration
	energy float64
}

func (l *Listener) next(ctx context.Context, stream Stream, format Format) (chunk, error) {
	for {
		pcm, err := stream.Read(ctx)
		if err != nil {
			return chunk{}, err
		}
		if len(pcm) == 0 {
			continue
		}
		return chunk{pcm: pcm, dur: format.Duration(len(pcm)), energy: rms(pcm)}, nil
	}
}

func (l *Listener) adapt(c chunk) {
	damping := math.Pow(l.cfg.DynamicDamping, c.dur.Seconds())
	target := c.energy * l.cfg.DynamicRatio
	l.threshold = l.threshold*damping + target*(1-damping)
}

// AdjustForAmbientNoise reads d worth of audio from stream and moves the
// energy threshold towards the observed background level.
func (l *Listener) AdjustForAmbientNoise(ctx context.Context, stream Stream, d time.Duration) error {
	format := stream.Format()
	var elapsed time.Duration
	for elapsed < d {
		c, err := l.next(ctx, stream, format)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("calibrate: %w", err)
		}
		elapsed += c.dur
		l.adapt(c)
	}
	l.log.Debug("ambient noise calibrated",
		slog.Float64("energy_threshold", l.threshold),
		slog.Duration("sampled", elapsed))
	return nil
}

// Listen blocks until one utterance has been captured: it waits for a chunk
// louder than the threshold and records until Pause of silence follows.
func (l *Listener) Listen(ctx context.Context, stream Stream) (AudioData, error) {
	format := stream.Format()
	var waited time.Duration

	for {
		var lead []chunk
		var leadDur time.Duration
		var first chunk
		for {
			c, err := l.next(ctx, stream, format)
			if errors.Is(err, io.EOF) {
				if len(lead) == 0 {
					return AudioData{}, ErrNoAudio
				}
				return join(format, lead), nil
			}
			if err != nil {
				return AudioData{}, fmt.Errorf("listen: %w", err)
			}
			waited += c.dur
			if l.cfg.Timeout > 0 && waited > l.cfg.Timeout {
				return AudioData{}, ErrWaitTimeout
			}
			if c.energy > l.threshold {
				first = c
				break
			}
			lead = append(lead, c)
			leadDur += c.dur
			for len(lead) > 0 && leadDur > l.cfg.NonSpeaking {
				leadDur -= lead[0].dur
				lead = lead[1:]
			}
			if l.cfg.DynamicEnergy {
				l.adapt(c)
			}
		}

		frames := append(lead, first)
		phrase := first.dur
		var pause time.Duration
		ended := false
		for l.cfg.PhraseLimit <= 0 || phrase < l.cfg.PhraseLimit {
			c, err := l.next(ctx, stream, format)
			if errors.Is(err, io.EOF) {
				ended = true
				break
			}
			if err != nil {
				return AudioData{}, fmt.Errorf("listen: %w", err)
			}
			frames = append(frames, c)
			phrase += c.dur
			if c.energy > l.threshold {
				pause = 0
			} else {
				pause += c.dur
			}
			if pause > l.cfg.Pause {
				break
			}
		}

		if phrase-pause < l.cfg.Phrase && !ended {
			l.log.Debug("discarding short phrase", slog.Duration("phrase", phrase-pause))
			continue
		}

		trim := pause - l.cfg.NonSpeaking
		for trim > 0 && len(frames) > 0 {
			last := frames[len(frames)-1]
			if last.dur > trim {
				break
			}
			frames = frames[:len(frames)-1]
			trim -= last.dur
		}
		return join(format, frames), nil
	}
}

func join(format Format, chunks []chunk) AudioData {
	size := 0
	for _, c := range chunks {
		size += len(c.pcm)
	}
	pcm := make([]byte, 0, size)
	for _, c := range chunks {
		pcm = append(pcm, c.pcm...)
	}
	return AudioData{PCM: pcm, SampleRate: format.SampleRate, Channels: format.Channels}
}
