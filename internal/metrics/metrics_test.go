package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHandlerExposesDeliveryMetrics(t *testing.T) {
	t.Parallel()

	r := New()
	r.Delivery.Attempt("success")
	r.Delivery.Attempt("rate_limited")
	r.Delivery.Chunk()
	r.Delivery.Wait("flood", time.Second)
	r.Publisher.Job("done")
	r.Publisher.QueueDepth(3)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		`pewpost_delivery_attempts_total{outcome="success"} 1`,
		`pewpost_delivery_chunks_total 1`,
		`pewpost_delivery_wait_seconds_count{reason="flood"} 1`,
		`pewpost_publisher_jobs_total{status="done"} 1`,
		`pewpost_publisher_queue_depth 3`,
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("missing %q in output", want)
		}
	}
}

func TestNilCollectorsAreNoops(t *testing.T) {
	t.Parallel()

	var d *Delivery
	d.Attempt("success")
	d.Chunk()
	d.Wait("backoff", time.Second)
	var p *Publisher
	p.Job("failed")
	p.QueueDepth(1)
}
