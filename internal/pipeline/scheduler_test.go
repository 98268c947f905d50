package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kicktrack/tracker-cli/internal/config"
)

func TestParseCadence(t *testing.T) {
	tests := []struct {
		in      string
		want    Cadence
		wantErr bool
	}{
		{in: "realtime", want: CadenceRealtime},
		{in: "Balanced", want: CadenceBalanced},
		{in: " HOURLY ", want: CadenceHourly},
		{in: "weekly", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseCadence(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "unknown cadence")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSchedulerInterval(t *testing.T) {
	tests := []struct {
		name    string
		cadence Cadence
		cfg     config.SchedulerConfig
		want    time.Duration
	}{
		{name: "realtime configured", cadence: CadenceRealtime, cfg: config.SchedulerConfig{RealtimeMins: 2}, want: 2 * time.Minute},
		{name: "realtime default", cadence: CadenceRealtime, want: 5 * time.Minute},
		{name: "balanced configured", cadence: CadenceBalanced, cfg: config.SchedulerConfig{BalancedMins: 45}, want: 45 * time.Minute},
		{name: "balanced default", cadence: CadenceBalanced, want: 30 * time.Minute},
		{name: "hourly", cadence: CadenceHourly, want: time.Hour},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewScheduler(nil, tt.cfg, tt.cadence, nil)
			assert.Equal(t, tt.want, s.interval())
		})
	}
}

func TestScheduler_SourcesForCadence(t *testing.T) {
	reg := writeRegistry(t, `
sources:
  - id: kith
    kind: shopify
    weight: 0.8
    urls: [https://kith.example.com/products.json]
    realtime: true
  - id: sneaker-wire
    kind: feed
    weight: 0.5
    urls: [https://wire.example.com/feed.xml]
`)
	p := New(testConfig(), reg, &stubSink{}, newRunStore(t), nil)

	fast := NewScheduler(p, config.SchedulerConfig{}, CadenceRealtime, nil)
	require.Len(t, fast.sources(), 1)
	assert.Equal(t, "kith", fast.sources()[0].ID)

	slow := NewScheduler(p, config.SchedulerConfig{}, CadenceBalanced, nil)
	assert.Len(t, slow.sources(), 2)
}

func TestScheduler_RunStopsOnCancel(t *testing.T) {
	reg := writeRegistry(t, "sources: []\n")
	p := New(testConfig(), reg, &stubSink{}, newRunStore(t), nil)
	s := NewScheduler(p, config.SchedulerConfig{RealtimeMins: 1}, CadenceRealtime, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop on cancel")
	}
}

func TestScheduler_CycleRunsSources(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/products.json", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, kithProducts)
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	reg := writeRegistry(t, fmt.Sprintf(`
sources:
  - id: kith
    kind: shopify
    weight: 0.8
    urls: [%s/products.json]
`, ts.URL))

	sink := &stubSink{}
	p := New(testConfig(), reg, sink, newRunStore(t), nil)
	s := NewScheduler(p, config.SchedulerConfig{}, CadenceBalanced, nil)

	s.cycle(context.Background(), zap.NewNop())

	assert.Equal(t, 1, sink.batchCount())
}

func TestScheduler_CyclePrunesRunHistory(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/products.json", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, kithProducts)
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	reg := writeRegistry(t, fmt.Sprintf(`
sources:
  - id: kith
    kind: shopify
    weight: 0.8
    urls: [%s/products.json]
`, ts.URL))

	cfg := testConfig()
	cfg.Store.KeepRuns = 1
	runs := newRunStore(t)
	p := New(cfg, reg, &stubSink{}, runs, nil)
	s := NewScheduler(p, config.SchedulerConfig{}, CadenceBalanced, nil)

	ctx := context.Background()
	// Two cycles leave two finished runs; the second prune keeps one.
	s.cycle(ctx, zap.NewNop())
	s.cycle(ctx, zap.NewNop())

	remaining, err := runs.ListRuns(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, remaining, 1)
}
