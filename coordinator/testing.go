package coordinator

import (
	"io"
	"time"

	"github.com/cenkalti/backoff"
	opentracing "github.com/opentracing/opentracing-go"
	"github.com/uber/jaeger-client-go"
	jaegercfg "github.com/uber/jaeger-client-go/config"
	"github.com/uber/jaeger-lib/metrics"
)

// testingT is an interface that matches *testing.T
type testingT interface {
	Name() string
	Fatalf(format string, args ...interface{})
	Fatal(args ...interface{})
	Errorf(format string, args ...interface{})
	Error(args ...interface{})
	Helper()
}

// NewTestTracer builds a sampling jaeger tracer for tests. Callers own the
// closer.
func NewTestTracer(service string) (opentracing.Tracer, io.Closer) {
	cfg := jaegercfg.Configuration{
		Sampler: &jaegercfg.SamplerConfig{
			Type:  jaeger.SamplerTypeConst,
			Param: 1,
		},
		Reporter: &jaegercfg.ReporterConfig{
			LogSpans: true,
		},
	}
	tracer, closer, err := cfg.New(service, jaegercfg.Metrics(metrics.NullFactory))
	if err != nil {
		panic(err)
	}
	return tracer, closer
}

// RetryFunc retries a function until it succeeds or the deadline passes,
// failing the test on timeout. Used to wait out async append completions.
func RetryFunc(t testingT, fn func() error) {
	t.Helper()
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 25 * time.Millisecond
	policy.MaxInterval = 250 * time.Millisecond
	policy.MaxElapsedTime = 7 * time.Second
	if err := backoff.Retry(fn, policy); err != nil {
		t.Fatalf("timeout waiting for condition: %v", err)
	}
}
