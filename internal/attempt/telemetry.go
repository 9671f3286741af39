package attempt

import (
	"sync"

	"github.com/loqalabs/loqa-listen/internal/stt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/loqalabs/loqa-listen/attempt"

type metricSet struct {
	attempts         metric.Int64Counter
	recognizeSeconds metric.Float64Histogram
}

var (
	metricsOnce sync.Once
	metrics     metricSet
)

func tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// instruments are created against the global provider, which forwards to
// whatever provider the runtime installs later.
func instruments() metricSet {
	metricsOnce.Do(func() {
		meter := otel.Meter(instrumentationName)
		var err error
		metrics.attempts, err = meter.Int64Counter("loqa_listen_attempts",
			metric.WithDescription("Transcription attempts by outcome"))
		if err != nil {
			otel.Handle(err)
			metrics.attempts, _ = noop.Meter{}.Int64Counter("loqa_listen_attempts")
		}
		metrics.recognizeSeconds, err = meter.Float64Histogram("loqa_listen_recognize_duration",
			metric.WithDescription("Latency of speech recognition requests"),
			metric.WithUnit("s"))
		if err != nil {
			otel.Handle(err)
			metrics.recognizeSeconds, _ = noop.Meter{}.Float64Histogram("loqa_listen_recognize_duration")
		}
	})
	return metrics
}

func withOutcome(o stt.Outcome) metric.AddOption {
	return metric.WithAttributes(attribute.String("outcome", o.String()))
}
