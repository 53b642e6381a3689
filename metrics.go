package statechain

import (
	gometrics "github.com/rcrowley/go-metrics"
)

// Metrics counts core activity. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Transitions    gometrics.Counter // successful transitions
	Rejected       gometrics.Counter // transitions refused (dimension or non-finite)
	Commits        gometrics.Counter
	Appends        gometrics.Counter
	Conflicts      gometrics.Counter // stale-tail retries
	VerifyFailures gometrics.Counter
}

// NewMetrics registers the counters under "statechain.*" in r.
// A nil registry means gometrics.DefaultRegistry.
func NewMetrics(r gometrics.Registry) *Metrics {
	if r == nil {
		r = gometrics.DefaultRegistry
	}
	return &Metrics{
		Transitions:    gometrics.GetOrRegisterCounter("statechain.transitions", r),
		Rejected:       gometrics.GetOrRegisterCounter("statechain.transitions.rejected", r),
		Commits:        gometrics.GetOrRegisterCounter("statechain.commits", r),
		Appends:        gometrics.GetOrRegisterCounter("statechain.chain.appends", r),
		Conflicts:      gometrics.GetOrRegisterCounter("statechain.chain.conflicts", r),
		VerifyFailures: gometrics.GetOrRegisterCounter("statechain.verify.failures", r),
	}
}

func (m *Metrics) transitioned() {
	if m != nil {
		m.Transitions.Inc(1)
	}
}

func (m *Metrics) rejected() {
	if m != nil {
		m.Rejected.Inc(1)
	}
}

func (m *Metrics) committed() {
	if m != nil {
		m.Commits.Inc(1)
	}
}

func (m *Metrics) appended() {
	if m != nil {
		m.Appends.Inc(1)
	}
}

func (m *Metrics) conflicted() {
	if m != nil {
		m.Conflicts.Inc(1)
	}
}

func (m *Metrics) verifyFailed() {
	if m != nil {
		m.VerifyFailures.Inc(1)
	}
}
