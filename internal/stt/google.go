package stt

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/loqalabs/loqa-listen/internal/capture"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const (
	cloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"
	maxResponseBytes   = 1 << 20
)

// GoogleConfig configures the Cloud Speech-to-Text v1 REST client.
type GoogleConfig struct {
	Endpoint string
	// APIKey is sent in the X-Goog-Api-Key header. When empty, CredentialsFile
	// or the application default credentials are used instead.
	APIKey          string
	CredentialsFile string
	Model           string
	Timeout         time.Duration
}

// GoogleRecognizer transcribes utterances with speech:recognize.
type GoogleRecognizer struct {
	endpoint string
	model    string
	apiKey   string
	client   *http.Client
	log      *slog.Logger
}

func NewGoogleRecognizer(ctx context.Context, cfg GoogleConfig, log *slog.Logger) (*GoogleRecognizer, error) {
	endpoint, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse stt endpoint: %w", err)
	}

	apiKey := strings.TrimSpace(cfg.APIKey)
	var client *http.Client
	switch {
	case apiKey != "":
		// The key goes in a request header and never in the URL.
		client = &http.Client{}
	case cfg.CredentialsFile != "":
		data, err := os.ReadFile(cfg.CredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("read credentials file: %w", err)
		}
		creds, err := google.CredentialsFromJSON(ctx, data, cloudPlatformScope)
		if err != nil {
			return nil, fmt.Errorf("parse credentials: %w", err)
		}
		client = oauth2.NewClient(ctx, creds.TokenSource)
	default:
		creds, err := google.FindDefaultCredentials(ctx, cloudPlatformScope)
		if err != nil {
			return nil, fmt.Errorf("no stt api key or credentials configured: %w", err)
		}
		client = oauth2.NewClient(ctx, creds.TokenSource)
	}
	client.Transport = otelhttp.NewTransport(client.Transport)
	client.Timeout = cfg.Timeout

	return &GoogleRecognizer{
		endpoint: endpoint.String(),
		model:    cfg.Model,
		apiKey:   apiKey,
		client:   client,
		log:      log.With(slog.String("component", "stt-google")),
	}, nil
}

type googleRequest struct {
	Config googleRecognitionConfig `json:"config"`
	Audio  googleAudio             `json:"audio"`
}

type googleRecognitionConfig struct {
	Encoding          string `json:"encoding"`
	SampleRateHertz   int    `json:"sampleRateHertz"`
	AudioChannelCount int    `json:"audioChannelCount"`
	LanguageCode      string `json:"languageCode"`
	Model             string `json:"model,omitempty"`
}

type googleAudio struct {
	Content string `json:"content"`
}

type googleResponse struct {
	Results []struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"results"`
	Error *googleError `json:"error,omitempty"`
}

type googleError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

func (g *GoogleRecognizer) Recognize(ctx context.Context, audio capture.AudioData, language string) (Recognition, error) {
	if audio.Empty() {
		return Recognition{}, ErrEmptyAudio
	}
	wavData, err := audio.WAV()
	if err != nil {
		return Recognition{}, fmt.Errorf("encode audio: %w", err)
	}
	payload := googleRequest{
		Config: googleRecognitionConfig{
			Encoding:          "LINEAR16",
			SampleRateHertz:   audio.SampleRate,
			AudioChannelCount: audio.Channels,
			LanguageCode:      language,
			Model:             g.model,
		},
		Audio: googleAudio{Content: base64.StdEncoding.EncodeToString(wavData)},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Recognition{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(body))
	if err != nil {
		return Recognition{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		req.Header.Set("X-Goog-Api-Key", g.apiKey)
	}

	start := time.Now()
	resp, err := g.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Recognition{}, ctxErr
		}
		g.log.Warn("stt request failed", slog.String("error", err.Error()))
		return Unreachable(&RequestError{Cause: err}), nil
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Recognition{}, ctxErr
		}
		return Unreachable(&RequestError{Status: resp.StatusCode, Message: "read response", Cause: err}), nil
	}

	if resp.StatusCode != http.StatusOK {
		msg := resp.Status
		var apiErr googleResponse
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != nil && apiErr.Error.Message != "" {
			msg = apiErr.Error.Message
		}
		g.log.Warn("stt service rejected request", slog.Int("status", resp.StatusCode), slog.String("message", msg))
		return Unreachable(&RequestError{Status: resp.StatusCode, Message: msg}), nil
	}

	var decoded googleResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return Recognition{}, fmt.Errorf("decode stt response: %w", err)
	}
	if decoded.Error != nil {
		return Unreachable(&RequestError{Status: decoded.Error.Code, Message: decoded.Error.Message}), nil
	}

	var parts []string
	var confidence float64
	for i, result := range decoded.Results {
		if len(result.Alternatives) == 0 {
			continue
		}
		best := result.Alternatives[0]
		if text := strings.TrimSpace(best.Transcript); text != "" {
			parts = append(parts, text)
		}
		if i == 0 {
			confidence = best.Confidence
		}
	}
	text := strings.Join(parts, " ")

	g.log.Debug("stt request complete",
		slog.Duration("latency", time.Since(start)),
		slog.Duration("audio", audio.Duration()),
		slog.Int("results", len(decoded.Results)))

	if text == "" {
		return Unintelligible(), nil
	}
	return Recognized(text, confidence), nil
}
