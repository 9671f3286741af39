package attempt

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-listen/internal/capture"
	"github.com/loqalabs/loqa-listen/internal/stt"
)

var testFormat = capture.Format{SampleRate: 16000, Channels: 1}

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// utterance is one second of silence, one second of loud audio and two more
// seconds of silence.
func utterance() []byte {
	var pcm []byte
	add := func(d time.Duration, amplitude int16) {
		frames := int(d.Seconds() * float64(testFormat.SampleRate))
		block := make([]byte, frames*2)
		for i := 0; i < frames; i++ {
			v := amplitude
			if i%2 == 1 {
				v = -v
			}
			binary.LittleEndian.PutUint16(block[i*2:], uint16(v))
		}
		pcm = append(pcm, block...)
	}
	add(time.Second, 0)
	add(time.Second, 3000)
	add(2*time.Second, 0)
	return pcm
}

func newMic() *capture.PCMSource {
	return capture.NewPCMSource(testFormat, utterance())
}

func newRecognizer(engine stt.Recognizer) *Recognizer {
	cfg := capture.DefaultListenerConfig()
	cfg.DynamicEnergy = false
	return &Recognizer{
		Listener: capture.NewListener(cfg, newLogger()),
		Engine:   engine,
		Language: "en-US",
	}
}

func script(steps ...stt.Recognition) *stt.ScriptedRecognizer {
	out := make([]stt.ScriptStep, len(steps))
	for i, r := range steps {
		out[i] = stt.ScriptStep{Recognition: r}
	}
	return stt.NewScriptedRecognizer(out...)
}

func TestTranscribeClassifiesOutcomes(t *testing.T) {
	cases := []struct {
		name        string
		recognition stt.Recognition
		want        Result
	}{
		{"recognized", stt.Recognized("hello world", 0.9), Result{Succeeded: true, Transcript: "hello world"}},
		{"unreachable", stt.Unreachable(errors.New("dial tcp: refused")), Result{Succeeded: false, ErrorMessage: MsgUnavailable}},
		{"unintelligible", stt.Unintelligible(), Result{Succeeded: true, ErrorMessage: MsgUnrecognized}},
		{"recognized but empty", stt.Recognized("", 0), Result{Succeeded: true, ErrorMessage: MsgUnrecognized}},
	}
	for _, tc := range cases {
		mic := newMic()
		res, err := Transcribe(context.Background(), newRecognizer(script(tc.recognition)), mic)
		if err != nil {
			t.Fatalf("%s: transcribe: %v", tc.name, err)
		}
		if res != tc.want {
			t.Fatalf("%s: expected %+v, got %+v", tc.name, tc.want, res)
		}
		if res.HasTranscript() && res.HasError() {
			t.Fatalf("%s: transcript and error both set", tc.name)
		}
		if mic.Held() != 0 {
			t.Fatalf("%s: microphone still held", tc.name)
		}
	}
}

func TestTranscribeUsesLanguage(t *testing.T) {
	engine := script(stt.Recognized("bonjour", 1))
	rec := newRecognizer(engine)
	rec.Language = "fr-FR"
	if _, err := Transcribe(context.Background(), rec, newMic()); err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if langs := engine.Languages(); len(langs) != 1 || langs[0] != "fr-FR" {
		t.Fatalf("unexpected languages %v", langs)
	}
}

func TestTranscribeRejectsMissingArguments(t *testing.T) {
	mic := newMic()
	engine := script(stt.Recognized("x", 1))

	noListener := newRecognizer(engine)
	noListener.Listener = nil
	noEngine := newRecognizer(nil)

	cases := map[string]struct {
		rec *Recognizer
		mic capture.Microphone
	}{
		"nil recognizer": {nil, mic},
		"no listener":    {noListener, mic},
		"no engine":      {noEngine, mic},
		"nil microphone": {newRecognizer(engine), nil},
	}
	for name, tc := range cases {
		_, err := Transcribe(context.Background(), tc.rec, tc.mic)
		if !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("%s: expected ErrInvalidArgument, got %v", name, err)
		}
		var argErr *InvalidArgumentError
		if !errors.As(err, &argErr) {
			t.Fatalf("%s: expected *InvalidArgumentError, got %T", name, err)
		}
	}
	if mic.Opened() != 0 {
		t.Fatalf("microphone opened %d times for invalid arguments", mic.Opened())
	}
	if engine.Calls() != 0 {
		t.Fatalf("engine called %d times for invalid arguments", engine.Calls())
	}
}

func TestTranscribeReleasesMicrophoneOnCaptureError(t *testing.T) {
	mic := capture.NewPCMSource(testFormat, nil)
	engine := script(stt.Recognized("x", 1))
	_, err := Transcribe(context.Background(), newRecognizer(engine), mic)
	if !errors.Is(err, capture.ErrNoAudio) {
		t.Fatalf("expected ErrNoAudio, got %v", err)
	}
	if mic.Opened() != 1 || mic.Held() != 0 {
		t.Fatalf("expected microphone opened once and released, opened=%d held=%d", mic.Opened(), mic.Held())
	}
	if engine.Calls() != 0 {
		t.Fatal("engine should not be called without audio")
	}
}

func TestTranscribePropagatesFatalEngineErrors(t *testing.T) {
	boom := errors.New("boom")
	engine := stt.NewScriptedRecognizer(stt.ScriptStep{Err: boom})
	mic := newMic()
	_, err := Transcribe(context.Background(), newRecognizer(engine), mic)
	if !errors.Is(err, boom) {
		t.Fatalf("expected engine error, got %v", err)
	}
	if mic.Held() != 0 {
		t.Fatal("microphone still held after engine failure")
	}
}

func TestTranscribeCalibrates(t *testing.T) {
	cfg := capture.DefaultListenerConfig()
	listener := capture.NewListener(cfg, newLogger())
	rec := &Recognizer{
		Listener:    listener,
		Engine:      script(stt.Recognized("ok", 1)),
		Language:    "en-US",
		Calibration: 500 * time.Millisecond,
	}
	res, err := Transcribe(context.Background(), rec, newMic())
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if res.Transcript != "ok" {
		t.Fatalf("unexpected result %+v", res)
	}
	if listener.EnergyThreshold() >= cfg.EnergyThreshold {
		t.Fatalf("expected silent calibration to lower the threshold, got %v", listener.EnergyThreshold())
	}
}

func TestTranscribeHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	mic := newMic()
	_, err := Transcribe(ctx, newRecognizer(script(stt.Recognized("x", 1))), mic)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if mic.Held() != 0 {
		t.Fatal("microphone still held after cancellation")
	}
}

func TestReportNone(t *testing.T) {
	var buf bytes.Buffer
	if code := Report(&buf, Outcome{}); code != 0 {
		t.Fatalf("expected exit 0, got %d", code)
	}
	if got := strings.TrimSpace(buf.String()); got != "You said: None" {
		t.Fatalf("unexpected report %q", got)
	}
}

func TestInvalidArgumentErrorMessage(t *testing.T) {
	err := &InvalidArgumentError{Arg: "microphone", Reason: "must not be nil"}
	if err.Error() != "`microphone` must not be nil" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}
