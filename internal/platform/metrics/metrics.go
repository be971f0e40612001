package metrics

import (
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Minimal Prometheus-text metrics without an external client dependency.

type collector interface {
	name() string
	write(*strings.Builder)
}

type Registry struct {
	mu         sync.RWMutex
	collectors map[string]collector
}

func NewRegistry() *Registry {
	return &Registry{collectors: map[string]collector{}}
}

func (r *Registry) MustRegister(items ...collector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, item := range items {
		name := item.name()
		if _, exists := r.collectors[name]; exists {
			panic("metrics collector already registered: " + name)
		}
		r.collectors[name] = item
	}
}

func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		r.mu.RLock()
		names := make([]string, 0, len(r.collectors))
		for name := range r.collectors {
			names = append(names, name)
		}
		sort.Strings(names)
		ordered := make([]collector, 0, len(names))
		for _, name := range names {
			ordered = append(ordered, r.collectors[name])
		}
		r.mu.RUnlock()

		var sb strings.Builder
		for _, c := range ordered {
			c.write(&sb)
		}
		_, _ = w.Write([]byte(sb.String()))
	})
}

var Default = NewRegistry()
var processStart = time.Now()

func DefaultHandler() http.Handler {
	return Default.Handler()
}

type Gauge struct {
	metricName string
	help       string
	mu         sync.RWMutex
	value      float64
}

func NewGauge(name, help string) *Gauge {
	return &Gauge{metricName: name, help: help}
}

func (g *Gauge) name() string { return g.metricName }

func (g *Gauge) Set(v float64) {
	g.mu.Lock()
	g.value = v
	g.mu.Unlock()
}

func (g *Gauge) Add(v float64) {
	g.mu.Lock()
	g.value += v
	g.mu.Unlock()
}

func (g *Gauge) Inc() { g.Add(1) }
func (g *Gauge) Dec() { g.Add(-1) }

func (g *Gauge) write(sb *strings.Builder) {
	g.mu.RLock()
	v := g.value
	g.mu.RUnlock()
	writeHead(sb, g.metricName, "gauge", g.help)
	fmt.Fprintf(sb, "%s %s\n", g.metricName, formatValue(v))
}

type GaugeFunc struct {
	metricName string
	help       string
	fn         func() float64
}

func NewGaugeFunc(name, help string, fn func() float64) *GaugeFunc {
	return &GaugeFunc{metricName: name, help: help, fn: fn}
}

func (g *GaugeFunc) name() string { return g.metricName }

func (g *GaugeFunc) write(sb *strings.Builder) {
	writeHead(sb, g.metricName, "gauge", g.help)
	v := 0.0
	if g.fn != nil {
		v = g.fn()
	}
	fmt.Fprintf(sb, "%s %s\n", g.metricName, formatValue(v))
}

type Counter struct {
	metricName string
	help       string
	label      string

	mu     sync.RWMutex
	values map[string]float64
}

// NewCounter creates a counter with a single optional label dimension.
// Pass an empty label for an unlabelled counter.
func NewCounter(name, help, label string) *Counter {
	return &Counter{metricName: name, help: help, label: label, values: map[string]float64{}}
}

func (c *Counter) name() string { return c.metricName }

func (c *Counter) Inc(labelValue string) { c.Add(labelValue, 1) }

func (c *Counter) Add(labelValue string, delta float64) {
	if delta < 0 {
		return
	}
	c.mu.Lock()
	c.values[labelValue] += delta
	c.mu.Unlock()
}

func (c *Counter) write(sb *strings.Builder) {
	writeHead(sb, c.metricName, "counter", c.help)

	c.mu.RLock()
	keys := make([]string, 0, len(c.values))
	for k := range c.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		sb.WriteString(c.metricName)
		if c.label != "" {
			sb.WriteString("{")
			sb.WriteString(c.label)
			sb.WriteString(`="`)
			sb.WriteString(escapeLabel(k))
			sb.WriteString(`"}`)
		}
		sb.WriteString(" ")
		sb.WriteString(formatValue(c.values[k]))
		sb.WriteString("\n")
	}
	c.mu.RUnlock()
}

func writeHead(sb *strings.Builder, name, metricType, help string) {
	fmt.Fprintf(sb, "# HELP %s %s\n", name, help)
	fmt.Fprintf(sb, "# TYPE %s %s\n", name, metricType)
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func escapeLabel(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, "\n", `\n`)
	v = strings.ReplaceAll(v, `"`, `\"`)
	return v
}

func init() {
	Default.MustRegister(
		NewGaugeFunc("process_uptime_seconds", "Seconds since process start.", func() float64 {
			return time.Since(processStart).Seconds()
		}),
		NewGaugeFunc("go_goroutines", "Number of goroutines.", func() float64 {
			return float64(runtime.NumGoroutine())
		}),
		NewGaugeFunc("go_memstats_alloc_bytes", "Allocated heap bytes.", func() float64 {
			var mem runtime.MemStats
			runtime.ReadMemStats(&mem)
			return float64(mem.Alloc)
		}),
	)
}
