package runtime

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-listen/internal/bus"
	"github.com/loqalabs/loqa-listen/internal/capture"
	"github.com/loqalabs/loqa-listen/internal/config"
	"github.com/loqalabs/loqa-listen/internal/journal"
	"github.com/loqalabs/loqa-listen/internal/natsserver"
	"github.com/loqalabs/loqa-listen/internal/stt"
	"go.opentelemetry.io/otel/sdk/resource"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// writeUtterance stores silence, one second of loud audio and more silence as
// a 16 kHz mono WAV file.
func writeUtterance(t *testing.T) string {
	t.Helper()
	const rate = 16000
	pcm := make([]byte, 4*rate*2)
	for i := rate; i < 2*rate; i++ {
		v := int16(3000)
		if i%2 == 1 {
			v = -v
		}
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(v))
	}
	path := filepath.Join(t.TempDir(), "utterance.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create wav: %v", err)
	}
	defer f.Close()
	if err := (capture.AudioData{PCM: pcm, SampleRate: rate, Channels: 1}).WriteWAV(f); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	return path
}

func testConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.Capture.Source = "file"
	cfg.Capture.File = writeUtterance(t)
	cfg.Capture.CalibrationMS = 200
	cfg.Attempts.IntroDelayMS = 0
	cfg.Journal.RetentionMode = "session"
	cfg.Journal.Path = filepath.Join(t.TempDir(), "journal.db")
	return cfg
}

func scripted(steps ...stt.Recognition) *stt.ScriptedRecognizer {
	out := make([]stt.ScriptStep, len(steps))
	for i, r := range steps {
		out[i] = stt.ScriptStep{Recognition: r}
	}
	return stt.NewScriptedRecognizer(out...)
}

func runOnce(t *testing.T, cfg config.Config, engine stt.Recognizer) (int, string, error) {
	t.Helper()
	var out bytes.Buffer
	rt := New(cfg, newLogger(), WithOutput(&out), WithRecognizer(engine))
	rt.newRunID = func() string { return "run-test" }
	code, err := rt.Run(context.Background())
	return code, out.String(), err
}

func TestRunPrintsTranscript(t *testing.T) {
	cfg := testConfig(t)
	engine := scripted(stt.Unintelligible(), stt.Recognized("hello world", 0.9))

	code, out, err := runOnce(t, cfg, engine)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if code != 0 {
		t.Fatalf("expected exit 0, got %d", code)
	}
	want := "Let's dance and test this!\n" +
		"Speak Now!\n" +
		"I didn't catch that. What did you say?\n\n" +
		"Speak Now!\n" +
		"You said: hello world\n"
	if out != want {
		t.Fatalf("unexpected console output:\n%s", out)
	}

	store, err := journal.Open(context.Background(), cfg.Journal, newLogger())
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	defer store.Close()
	attempts, err := store.ListRunAttempts(context.Background(), "run-test", 0)
	if err != nil {
		t.Fatalf("list attempts: %v", err)
	}
	if len(attempts) != 2 || attempts[0].Outcome != "unintelligible" || attempts[1].Outcome != "recognized" {
		t.Fatalf("unexpected journal %+v", attempts)
	}
	if attempts[1].AudioMS <= 0 {
		t.Fatalf("expected audio length recorded, got %+v", attempts[1])
	}
	run, err := store.GetRun(context.Background(), "run-test")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.State != "success" || run.Attempts != 2 {
		t.Fatalf("unexpected run %+v", run)
	}
}

func TestRunReportsUnavailableService(t *testing.T) {
	cfg := testConfig(t)
	cfg.Attempts.Intro = ""
	cfg.Journal.RetentionMode = "ephemeral"

	code, out, err := runOnce(t, cfg, scripted(stt.Unreachable(errors.New("refused"))))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if out != "Speak Now!\nERROR: API unavailable\n" {
		t.Fatalf("unexpected console output %q", out)
	}
}

func TestRunPublishesOnEmbeddedBus(t *testing.T) {
	cfg := testConfig(t)
	cfg.Bus.Embedded = true
	cfg.Bus.Port = -1

	code, out, err := runOnce(t, cfg, scripted(stt.Recognized("over the bus", 1)))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if code != 0 || !strings.HasSuffix(out, "You said: over the bus\n") {
		t.Fatalf("unexpected result %d %q", code, out)
	}
}

func TestRunFatalErrors(t *testing.T) {
	cfg := testConfig(t)
	cfg.Capture.File = filepath.Join(t.TempDir(), "missing.wav")
	code, _, err := runOnce(t, cfg, scripted(stt.Recognized("never", 1)))
	if err == nil || code != 1 {
		t.Fatalf("expected fatal error with exit 1, got %d %v", code, err)
	}

	cfg = testConfig(t)
	cfg.Capture.Source = "tape"
	if code, _, err := runOnce(t, cfg, scripted()); err == nil || code != 1 {
		t.Fatalf("expected unknown source to be fatal, got %d %v", code, err)
	}
}

func TestRunCancelledDuringIntro(t *testing.T) {
	cfg := testConfig(t)
	cfg.Attempts.IntroDelayMS = 10000
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rt := New(cfg, newLogger(), WithOutput(io.Discard), WithRecognizer(scripted()))
	if _, err := rt.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestHealthAndReadiness(t *testing.T) {
	rt := New(config.Default(), newLogger())
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	srv := httptest.NewServer(rt.routes(metrics))
	t.Cleanup(srv.Close)

	get := func(path string) int {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("get %s: %v", path, err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}
	if code := get("/healthz"); code != http.StatusOK {
		t.Fatalf("expected healthz 200, got %d", code)
	}
	if code := get("/readyz"); code != http.StatusServiceUnavailable {
		t.Fatalf("expected readyz 503 before the loop starts, got %d", code)
	}
	rt.ready.Store(true)
	if code := get("/readyz"); code != http.StatusOK {
		t.Fatalf("expected readyz 200, got %d", code)
	}
	if code := get("/metrics"); code != http.StatusTeapot {
		t.Fatalf("expected metrics handler to be mounted, got %d", code)
	}
}

func TestReadinessFollowsBusConnection(t *testing.T) {
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Host: "127.0.0.1", Port: -1}, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	client, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	rt := New(config.Default(), newLogger())
	rt.bus.Store(client)
	rt.ready.Store(true)
	ready := func() int {
		rec := httptest.NewRecorder()
		rt.routes(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		return rec.Code
	}
	if code := ready(); code != http.StatusOK {
		t.Fatalf("expected readyz 200 with a connected bus, got %d", code)
	}
	client.Close()
	if code := ready(); code != http.StatusServiceUnavailable {
		t.Fatalf("expected readyz 503 after the bus closed, got %d", code)
	}
}

func TestMetricsHandlerExposesRuntimeMetrics(t *testing.T) {
	_, handler := initMetrics(resource.Default(), newLogger())
	if handler == nil {
		t.Fatal("expected metrics handler")
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Fatalf("unexpected metrics response %d", rec.Code)
	}
}
