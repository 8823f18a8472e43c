package metrics

import (
	"context"
	"io"
	"log"
	"net/http/httptest"
	"strings"
	"testing"
)

type fakeCounter map[string][2]int

func (f fakeCounter) CountJobs(ctx context.Context, queue string) (int, int, error) {
	c := f[queue]
	return c[0], c[1], nil
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Job("hubout", OK)
	m.PushReceived(Dropped)
	m.Register(nil)
}

func TestCountersAndHandler(t *testing.T) {
	m := New("ostatus")
	m.Job("hubout", OK)
	m.Job("hubout", OK)
	m.SalmonReceived(Dropped)

	logger := log.New(io.Discard, "", 0)
	m.Register(NewQueueCollector("ostatus", fakeCounter{"salmon": {3, 1}}, logger, "salmon"))

	rec := httptest.NewRecorder()
	m.Handler(logger).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{
		`ostatus_jobs_total{outcome="ok",queue="hubout"} 2`,
		`ostatus_salmon_received_total{outcome="dropped"} 1`,
		`ostatus_queue_pending_jobs{queue="salmon"} 3`,
		`ostatus_queue_failed_jobs{queue="salmon"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
