package metrics

import (
	"strings"
	"testing"
)

func TestCounter(t *testing.T) {
	c := NewCounter("test_total", "test counter")
	if got := c.Get(nil); got != 0 {
		t.Errorf("Get() = %d before any Inc, want 0", got)
	}
	c.Inc(nil)
	c.Add(nil, 4)
	if got := c.Get(nil); got != 5 {
		t.Errorf("Get() = %d, want 5", got)
	}

	// Label sets are independent series.
	c.Inc(Labels{"tower": "a"})
	c.Inc(Labels{"tower": "b"})
	c.Inc(Labels{"tower": "a"})
	if got := c.Get(Labels{"tower": "a"}); got != 2 {
		t.Errorf("Get(tower=a) = %d, want 2", got)
	}
	if got := c.Get(Labels{"tower": "b"}); got != 1 {
		t.Errorf("Get(tower=b) = %d, want 1", got)
	}
}

func TestGauge(t *testing.T) {
	g := NewGauge("test_gauge", "test gauge")
	g.Set(nil, 2.5)
	if got := g.Get(nil); got != 2.5 {
		t.Errorf("Get() = %v, want 2.5", got)
	}
	g.Add(nil, -1)
	if got := g.Get(nil); got != 1.5 {
		t.Errorf("Get() after Add(-1) = %v, want 1.5", got)
	}
}

func TestHistogram(t *testing.T) {
	h := NewHistogram("test_seconds", "test histogram", []float64{1, 2, 5})
	h.Observe(nil, 0.5)
	h.Observe(nil, 2)
	h.Observe(nil, 10)
	if got := h.Count(nil); got != 3 {
		t.Errorf("Count() = %d, want 3", got)
	}

	var sb strings.Builder
	h.Write(&sb)
	out := sb.String()
	// An observation equal to a bound lands in that bucket.
	for _, want := range []string{
		`test_seconds_bucket{le="1"} 1`,
		`test_seconds_bucket{le="2"} 2`,
		`test_seconds_bucket{le="5"} 2`,
		`test_seconds_bucket{le="+Inf"} 3`,
		`test_seconds_sum 12.5`,
		`test_seconds_count 3`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(NewCounter("a_total", "a")); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := r.Register(NewCounter("a_total", "duplicate")); err == nil {
		t.Error("Register() duplicate error = nil, want error")
	}
}

func TestGatherFormat(t *testing.T) {
	r := NewRegistry()
	c := NewCounter("probes_total", "probe touches")
	g := NewGauge("deviation_mm", "remaining error")
	r.MustRegister(c)
	r.MustRegister(g)

	c.Inc(Labels{"routine": "endstops"})
	g.Set(nil, 0.025)

	out := r.Gather()
	for _, want := range []string{
		"# HELP probes_total probe touches",
		"# TYPE probes_total counter",
		`probes_total{routine="endstops"} 1`,
		"# TYPE deviation_mm gauge",
		"deviation_mm 0.025",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Gather() missing %q:\n%s", want, out)
		}
	}
	// Registration order is preserved.
	if strings.Index(out, "probes_total") > strings.Index(out, "deviation_mm") {
		t.Errorf("Gather() order wrong:\n%s", out)
	}
}

func TestLabelFormatting(t *testing.T) {
	got := formatLabels(Labels{"b": "2", "a": "1"})
	if got != `{a="1",b="2"}` {
		t.Errorf("formatLabels() = %q, want sorted keys", got)
	}
	got = formatLabels(Labels{"msg": `say "hi"`})
	if got != `{msg="say \"hi\""}` {
		t.Errorf("formatLabels() = %q, want escaped quotes", got)
	}
}
