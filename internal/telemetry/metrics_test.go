package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestHistogramsInitialized(t *testing.T) {
	Init()

	if DownloadDuration == nil {
		t.Error("DownloadDuration histogram not initialized")
	}
	if OnChainDuration == nil {
		t.Error("OnChainDuration histogram not initialized")
	}
	if UploadDuration == nil {
		t.Error("UploadDuration histogram not initialized")
	}
}

func TestHistogramObservations(t *testing.T) {
	Init()

	tests := []struct {
		name      string
		histogram prometheus.Observer
		duration  time.Duration
	}{
		{"download", DownloadDuration, 5 * time.Minute},
		{"onchain", OnChainDuration, 30 * time.Second},
		{"upload", UploadDuration, 2 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.histogram == nil {
				t.Fatalf("%s histogram is nil", tt.name)
			}
			tt.histogram.Observe(tt.duration.Seconds())
		})
	}
}

func TestTimeFuncRecordsObservation(t *testing.T) {
	Init()

	testHistogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "test_duration_seconds",
		Help:    "Test duration",
		Buckets: prometheus.DefBuckets,
	})
	prometheus.MustRegister(testHistogram)
	defer prometheus.Unregister(testHistogram)

	executed := false
	duration := TimeFunc(testHistogram, func() {
		time.Sleep(10 * time.Millisecond)
		executed = true
	})

	if !executed {
		t.Error("TimeFunc did not execute provided function")
	}
	if duration < 10*time.Millisecond {
		t.Errorf("TimeFunc duration = %v, want >= 10ms", duration)
	}

	metric := &dto.Metric{}
	if err := testHistogram.Write(metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	if metric.Histogram == nil {
		t.Fatal("Histogram metric is nil")
	}
	if *metric.Histogram.SampleCount == 0 {
		t.Error("TimeFunc did not record observation in histogram")
	}
}

func TestCircuitStateGaugeByChannel(t *testing.T) {
	Init()

	states := []string{"closed", "half-open", "open"}
	for _, state := range states {
		SetCircuitState("chan-1", state)
	}
}

func TestQueueDepthGaugeByQueue(t *testing.T) {
	Init()

	depths := []int{0, 10, 50, 100}
	for _, depth := range depths {
		SetQueueDepth("download", depth)
		SetQueueDepth("onchain", depth)
	}
}

func TestDatabasePoolMetrics(t *testing.T) {
	Init()

	UpdateDatabasePoolMetrics(10, 5)
	UpdateDatabasePoolMetrics(100, 95)
}

func TestQuotaReservationsDenied(t *testing.T) {
	Init()

	QuotaReservationsDenied.WithLabelValues("sync").Inc()
	QuotaReservationsDenied.WithLabelValues("signup").Inc()
}

func TestCorrelationHelpers(t *testing.T) {
	ctx := context.Background()
	if got := GetCorrelation(ctx); got != "" {
		t.Errorf("GetCorrelation on bare context = %q, want empty", got)
	}

	ctx = WithCorrelation(ctx, "req-123")
	if got := GetCorrelation(ctx); got != "req-123" {
		t.Errorf("GetCorrelation = %q, want req-123", got)
	}

	log := LoggerWithCorr(ctx)
	if log == nil {
		t.Fatal("LoggerWithCorr returned nil")
	}
}
