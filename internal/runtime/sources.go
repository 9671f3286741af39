package runtime

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-listen/internal/capture"
	"github.com/loqalabs/loqa-listen/internal/config"
)

func buildMicrophone(cfg config.CaptureConfig, log *slog.Logger) (capture.Microphone, error) {
	format := capture.Format{SampleRate: cfg.SampleRate, Channels: cfg.Channels}
	switch cfg.Source {
	case "device":
		return capture.NewDeviceSource(format, cfg.Device, log), nil
	case "command":
		return capture.NewCommandSource(cfg.Command, format, log)
	case "file":
		return capture.NewFileSource(cfg.File), nil
	default:
		return nil, fmt.Errorf("unknown capture source %q", cfg.Source)
	}
}

func listenerConfig(cfg config.CaptureConfig) capture.ListenerConfig {
	return capture.ListenerConfig{
		EnergyThreshold: cfg.EnergyThreshold,
		DynamicEnergy:   cfg.DynamicEnergy,
		DynamicDamping:  cfg.DynamicDamping,
		DynamicRatio:    cfg.DynamicRatio,
		Pause:           millis(cfg.PauseMS),
		Phrase:          millis(cfg.PhraseMS),
		NonSpeaking:     millis(cfg.NonSpeakingMS),
		Timeout:         millis(cfg.TimeoutMS),
		PhraseLimit:     millis(cfg.PhraseLimitMS),
	}
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
