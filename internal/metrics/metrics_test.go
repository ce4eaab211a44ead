package metrics

import (
	"strings"
	"testing"
)

func TestRenderIncludesCounterAndHistogramSeries(t *testing.T) {
	r := NewRegistry()
	r.IncCounter("beacon_job_runs_total", map[string]string{"job": "journal_retention", "status": "ok"})
	r.ObserveHistogram("beacon_job_duration_ms", 42, map[string]string{"job": "journal_retention"})
	r.ObserveHistogram("beacon_relay_fanout_peers", 3, nil)

	out := r.Render()
	if !strings.Contains(out, `beacon_job_runs_total{job="journal_retention",status="ok"} 1`) {
		t.Fatalf("missing counter sample: %s", out)
	}
	if !strings.Contains(out, `beacon_job_duration_ms_count{job="journal_retention"} 1`) {
		t.Fatalf("missing histogram count sample: %s", out)
	}
	if !strings.Contains(out, `beacon_relay_fanout_peers_count 1`) {
		t.Fatalf("missing unlabeled histogram sample: %s", out)
	}
}

func TestMismatchedLabelsAreIgnored(t *testing.T) {
	r := NewRegistry()
	r.IncCounter("beacon_relay_frames_total", map[string]string{"unknown": "x"})
	r.IncCounter("no_such_metric", nil)

	if strings.Contains(r.Render(), "beacon_relay_frames_total{") {
		t.Fatalf("mismatched labels produced a series")
	}
}
