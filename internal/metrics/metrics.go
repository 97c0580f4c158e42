// Package metrics counts what a run fetched, skipped and collected.
package metrics

import (
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Request outcomes
const (
	OutcomeOK     = "ok"
	OutcomeError  = "error"
	OutcomeCached = "cached"
)

// Work item results
const (
	WorkItemAdded   = "added"
	WorkItemIgnored = "ignored"
)

// Recorder holds the counters of one process. All methods are safe on a nil
// Recorder, which records nothing.
type Recorder struct {
	registry *prometheus.Registry

	requests   *prometheus.CounterVec
	skips      *prometheus.CounterVec
	workItems  *prometheus.CounterVec
	iterations prometheus.Counter
}

// New creates a Recorder with its own registry
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ado_requests_total",
				Help: "Number of requests to the Azure DevOps API",
			},
			[]string{"endpoint", "outcome"},
		),
		skips: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ado_skips_total",
				Help: "Number of links or records skipped",
			},
			[]string{"kind"},
		),
		workItems: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ado_work_items_total",
				Help: "Number of work items seen",
			},
			[]string{"result"},
		),
		iterations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ado_iterations_total",
				Help: "Number of iterations collected",
			},
		),
	}

	r.registry.MustRegister(r.requests, r.skips, r.workItems, r.iterations)
	return r
}

// Request counts one API call
func (r *Recorder) Request(endpoint, outcome string) {
	if r == nil {
		return
	}
	r.requests.WithLabelValues(endpoint, outcome).Inc()
}

// Skip counts one skipped link or record
func (r *Recorder) Skip(kind string) {
	if r == nil {
		return
	}
	r.skips.WithLabelValues(kind).Inc()
}

// WorkItem counts one work item by result
func (r *Recorder) WorkItem(result string) {
	if r == nil {
		return
	}
	r.workItems.WithLabelValues(result).Inc()
}

// Iterations adds n collected iterations
func (r *Recorder) Iterations(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.iterations.Add(float64(n))
}

// Summary flattens the registry into "name{label=value,...}" keys
func (r *Recorder) Summary() (map[string]float64, error) {
	out := make(map[string]float64)
	if r == nil {
		return out, nil
	}

	families, err := r.registry.Gather()
	if err != nil {
		return nil, err
	}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			out[seriesName(mf.GetName(), m.GetLabel())] = m.GetCounter().GetValue()
		}
	}
	return out, nil
}

// Keys returns the summary keys in a stable order for logging
func Keys(summary map[string]float64) []string {
	keys := make([]string, 0, len(summary))
	for k := range summary {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// WriteTextfile writes the registry in the node exporter textfile format
func (r *Recorder) WriteTextfile(path string) error {
	if r == nil || path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, r.registry)
}

func seriesName(name string, labels []*dto.LabelPair) string {
	if len(labels) == 0 {
		return name
	}
	parts := make([]string, 0, len(labels))
	for _, lp := range labels {
		parts = append(parts, lp.GetName()+"="+lp.GetValue())
	}
	return name + "{" + strings.Join(parts, ",") + "}"
}
