// Package dream implements offline consolidation: the bias detector that
// audits formed values, and the engine that promotes working memories into
// episodic storage.
package dream

import (
	"strings"
	"sync"

	"mindloop/internal/logging"
	"mindloop/internal/types"
)

// DetectorConfig tunes the deterministic bias checks.
type DetectorConfig struct {
	// MonotonicRunLength is the number of consecutive strength increases,
	// with no opposing evidence, that flags confirmation bias.
	MonotonicRunLength int
	// PoorOutcomeRatio flags availability bias when at least this fraction
	// of a value's applications correlated with a poor outcome.
	PoorOutcomeRatio float64
	// MinObservations gates the ratio and anchoring checks so a single bad
	// sample cannot flag a value.
	MinObservations int
}

// DefaultDetectorConfig returns the standard thresholds.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		MonotonicRunLength: 3,
		PoorOutcomeRatio:   0.6,
		MinObservations:    4,
	}
}

// sensitiveCategories always flag as discriminatory regardless of history.
var sensitiveCategories = map[string]struct{}{
	"gender":      {},
	"race":        {},
	"ethnicity":   {},
	"religion":    {},
	"nationality": {},
	"age":         {},
	"disability":  {},
	"sexuality":   {},
}

// valueTrack accumulates one value's formation history.
type valueTrack struct {
	value     types.Value
	strengths []float64
	opposing  int
	outcomes  int
	poor      int
}

// Detector flags values whose repeated application shows a bias pattern. It
// is fully deterministic and never calls an inference provider.
type Detector struct {
	mu         sync.Mutex
	cfg        DetectorConfig
	tracks     map[string]*valueTrack
	findings   map[string]types.BiasFinding
	challenged map[string]bool
}

// NewDetector creates a detector. Zero-valued config fields fall back to
// defaults.
func NewDetector(cfg DetectorConfig) *Detector {
	def := DefaultDetectorConfig()
	if cfg.MonotonicRunLength <= 0 {
		cfg.MonotonicRunLength = def.MonotonicRunLength
	}
	if cfg.PoorOutcomeRatio <= 0 || cfg.PoorOutcomeRatio > 1 {
		cfg.PoorOutcomeRatio = def.PoorOutcomeRatio
	}
	if cfg.MinObservations <= 0 {
		cfg.MinObservations = def.MinObservations
	}
	return &Detector{
		cfg:        cfg,
		tracks:     make(map[string]*valueTrack),
		findings:   make(map[string]types.BiasFinding),
		challenged: make(map[string]bool),
	}
}

// Observe records one application of a value in a formation context.
// poorOutcome marks that the application correlated with a bad result.
func (d *Detector) Observe(v types.Value, poorOutcome bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	tr, ok := d.tracks[v.ID]
	if !ok {
		tr = &valueTrack{value: v}
		d.tracks[v.ID] = tr
	}
	tr.value = v
	tr.strengths = append(tr.strengths, v.Strength)
	tr.outcomes++
	if poorOutcome {
		tr.poor++
	}
	d.refreshLocked(tr)
}

// ObserveOpposing records opposing evidence for a value, which resets the
// monotonic reinforcement check.
func (d *Detector) ObserveOpposing(valueID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if tr, ok := d.tracks[valueID]; ok {
		tr.opposing++
		d.refreshLocked(tr)
	}
}

// Inspect returns the current finding for a value, flagged or not. The second
// return reports whether the value has ever been observed.
func (d *Detector) Inspect(valueID string) (types.BiasFinding, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	tr, ok := d.tracks[valueID]
	if !ok {
		return types.BiasFinding{}, false
	}
	return d.inspectLocked(tr), true
}

// Flagged returns every value currently flagged as biased.
func (d *Detector) Flagged() []types.BiasFinding {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]types.BiasFinding, 0, len(d.findings))
	for _, f := range d.findings {
		out = append(out, f)
	}
	return out
}

// UnchallengedCount reports flagged findings that no dream has challenged yet.
func (d *Detector) UnchallengedCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for id := range d.findings {
		if !d.challenged[id] {
			n++
		}
	}
	return n
}

// Unchallenged returns the flagged findings awaiting a challenge.
func (d *Detector) Unchallenged() []types.BiasFinding {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []types.BiasFinding
	for id, f := range d.findings {
		if !d.challenged[id] {
			out = append(out, f)
		}
	}
	return out
}

// MarkChallenged records that a dream run challenged a flagged value.
// Returns false for ids that are not currently flagged.
func (d *Detector) MarkChallenged(valueID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.findings[valueID]; !ok {
		return false
	}
	d.challenged[valueID] = true
	return true
}

// FlagMemory reports whether a memory embeds a flagged value. A memory that
// mentions a sensitive category is flagged discriminatory even when no formed
// value tracks it yet. Satisfies memory.BiasFlagger.
func (d *Detector) FlagMemory(m types.Memory) (types.BiasFinding, bool) {
	text := strings.ToLower(m.Summary + " " + m.Content)

	for cat := range sensitiveCategories {
		if strings.Contains(text, cat) {
			return types.BiasFinding{
				Category:     cat,
				BiasDetected: true,
				BiasKind:     types.BiasDiscriminatory,
				Confidence:   0.9,
			}, true
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, f := range d.findings {
		if f.Category != "" && strings.Contains(text, strings.ToLower(f.Category)) {
			return f, true
		}
	}
	return types.BiasFinding{}, false
}

// refreshLocked re-inspects a track and updates the flagged set. Caller must
// hold mu.
func (d *Detector) refreshLocked(tr *valueTrack) {
	f := d.inspectLocked(tr)
	if f.BiasDetected {
		if _, known := d.findings[f.ValueID]; !known {
			logging.Bias("flagged value %s as %s (confidence=%.2f)", f.ValueID, f.BiasKind, f.Confidence)
		}
		d.findings[f.ValueID] = f
	} else {
		delete(d.findings, f.ValueID)
		delete(d.challenged, f.ValueID)
	}
}

// inspectLocked applies the deterministic checks in severity order. Caller
// must hold mu.
func (d *Detector) inspectLocked(tr *valueTrack) types.BiasFinding {
	f := types.BiasFinding{
		ValueID:   tr.value.ID,
		Category:  tr.value.Category,
		Strength:  tr.value.Strength,
		Incidents: tr.value.Incidents,
	}

	if _, sensitive := sensitiveCategories[strings.ToLower(tr.value.Category)]; sensitive {
		f.BiasDetected = true
		f.BiasKind = types.BiasDiscriminatory
		f.Confidence = 0.9
		return f
	}

	if run := monotonicRun(tr.strengths); tr.opposing == 0 && run >= d.cfg.MonotonicRunLength {
		f.BiasDetected = true
		f.BiasKind = types.BiasConfirmation
		f.Confidence = clampConf(0.6 + 0.05*float64(run-d.cfg.MonotonicRunLength))
		return f
	}

	if tr.outcomes >= d.cfg.MinObservations {
		ratio := float64(tr.poor) / float64(tr.outcomes)
		if ratio >= d.cfg.PoorOutcomeRatio {
			f.BiasDetected = true
			f.BiasKind = types.BiasAvailability
			f.Confidence = clampConf(ratio)
			return f
		}
	}

	if len(tr.strengths) >= d.cfg.MinObservations && anchored(tr.strengths) {
		f.BiasDetected = true
		f.BiasKind = types.BiasAnchoring
		f.Confidence = 0.5
		return f
	}

	f.BiasKind = types.BiasNone
	return f
}

// monotonicRun counts the trailing strictly-increasing strength observations.
func monotonicRun(strengths []float64) int {
	if len(strengths) < 2 {
		return len(strengths)
	}
	run := 1
	for i := len(strengths) - 1; i > 0; i-- {
		if strengths[i] > strengths[i-1] {
			run++
		} else {
			break
		}
	}
	return run
}

// anchored reports a value that started strong and never moved: a first
// impression the loop keeps applying without re-evaluation.
func anchored(strengths []float64) bool {
	first := strengths[0]
	if first < 0.8 {
		return false
	}
	for _, s := range strengths[1:] {
		delta := s - first
		if delta < 0 {
			delta = -delta
		}
		if delta > 0.05 {
			return false
		}
	}
	return true
}

func clampConf(v float64) float64 {
	if v > 0.9 {
		return 0.9
	}
	if v < 0 {
		return 0
	}
	return v
}
