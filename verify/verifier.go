package verify

import (
	"context"
	"image"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/devicebridge/metric"
)

const (
	DefaultPollInterval = 100 * time.Millisecond
	DefaultTimeout      = 3 * time.Second
	DefaultSettleDelay  = 500 * time.Millisecond
)

// Evidence is one discrete signal justifying a "changed" verdict.
type Evidence string

const (
	EvidenceForegroundSwitch Evidence = "foreground_switch"
	EvidenceViewHashChange   Evidence = "view_hash_change"
	EvidenceWebHashChange    Evidence = "web_hash_change"
)

// Verdict is the outcome of one verification run.
type Verdict struct {
	Changed  bool
	Evidence []Evidence
}

// Has reports whether e is among the recorded evidence.
func (v Verdict) Has(e Evidence) bool {
	for _, got := range v.Evidence {
		if got == e {
			return true
		}
	}
	return false
}

// Source is the host runtime's view of the screen. Implementations carry
// the platform specifics: what "foreground identity" means, how the view
// tree is walked, and how web surfaces are rendered.
type Source interface {
	// ForegroundID returns an opaque, comparable identifier for what is
	// currently on screen.
	ForegroundID() string

	// ViewTree returns the current structural view tree, or nil when no
	// tree is available.
	ViewTree() *ViewNode

	// WebSurfaces returns a rendered image per embedded web-content
	// surface, in any order.
	WebSurfaces() []image.Image
}

// Baseline is the pre-action snapshot a verification run compares
// against.
type Baseline struct {
	Foreground string
	ViewHash   uint64
	WebHash    string
	HasWebHash bool
	CapturedAt time.Time
}

// Config tunes a Verifier. Zero values take the documented defaults.
type Config struct {
	PollInterval time.Duration
	Timeout      time.Duration
	SettleDelay  time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = DefaultSettleDelay
	}
	return c
}

// Verifier runs state-change verification polls.
type Verifier struct {
	cfg     Config
	logger  *slog.Logger
	metrics *verifierMetrics
}

// NewVerifier creates a verifier. Pass a nil registrar to disable
// metrics.
func NewVerifier(cfg Config, logger *slog.Logger, registrar metric.Registrar) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{
		cfg:     cfg.withDefaults(),
		logger:  logger.With("component", "ChangeVerifier"),
		metrics: newVerifierMetrics(registrar),
	}
}

// CaptureBaseline snapshots src immediately before an action.
func (v *Verifier) CaptureBaseline(src Source) Baseline {
	webHash, hasWeb := AggregateWebHash(src.WebSurfaces())
	return Baseline{
		Foreground: src.ForegroundID(),
		ViewHash:   HashViewTree(src.ViewTree()),
		WebHash:    webHash,
		HasWebHash: hasWeb,
		CapturedAt: time.Now(),
	}
}

// Verify polls src against baseline until evidence appears or the
// timeout elapses. A foreground switch is evidence at any tick; hash
// comparisons only count once the settle delay has passed. The first
// tick that records any evidence ends the run with everything that tick
// observed. Context cancellation returns the (unchanged) verdict early.
func (v *Verifier) Verify(ctx context.Context, src Source, baseline Baseline) Verdict {
	start := time.Now()
	deadline := start.Add(v.cfg.Timeout)

	ticker := time.NewTicker(v.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			v.logger.Debug("verification canceled", "elapsed", time.Since(start))
			return v.finish(Verdict{}, start)

		case now := <-ticker.C:
			if now.After(deadline) {
				return v.finish(Verdict{}, start)
			}

			evidence := v.sample(src, baseline, now.Sub(start) >= v.cfg.SettleDelay)
			if len(evidence) > 0 {
				return v.finish(Verdict{Changed: true, Evidence: evidence}, start)
			}
		}
	}
}

// sample runs one poll tick and returns the evidence it observed.
func (v *Verifier) sample(src Source, baseline Baseline, settled bool) []Evidence {
	var evidence []Evidence

	if src.ForegroundID() != baseline.Foreground {
		evidence = append(evidence, EvidenceForegroundSwitch)
	}
	if !settled {
		return evidence
	}

	if HashViewTree(src.ViewTree()) != baseline.ViewHash {
		evidence = append(evidence, EvidenceViewHashChange)
	}

	webHash, hasWeb := AggregateWebHash(src.WebSurfaces())
	// Surfaces appearing or disappearing counts as a web change; two
	// absent aggregates compare as no evidence, not as equal hashes.
	if hasWeb != baseline.HasWebHash || (hasWeb && webHash != baseline.WebHash) {
		evidence = append(evidence, EvidenceWebHashChange)
	}
	return evidence
}

func (v *Verifier) finish(verdict Verdict, start time.Time) Verdict {
	elapsed := time.Since(start)
	v.metrics.observe(verdict, elapsed)
	v.logger.Info("verification finished",
		"changed", verdict.Changed, "evidence", verdict.Evidence, "elapsed", elapsed)
	return verdict
}

type verifierMetrics struct {
	verdictsTotal *prometheus.CounterVec
	evidenceTotal *prometheus.CounterVec
	duration      *prometheus.HistogramVec
}

func newVerifierMetrics(registrar metric.Registrar) *verifierMetrics {
	if registrar == nil {
		return nil
	}
	m := &verifierMetrics{
		verdictsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devicebridge_verify_verdicts_total",
			Help: "Verification verdicts, by outcome.",
		}, []string{"changed"}),
		evidenceTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devicebridge_verify_evidence_total",
			Help: "Evidence recorded across verifications, by type.",
		}, []string{"type"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "devicebridge_verify_duration_seconds",
			Help:    "Wall time per verification run.",
			Buckets: prometheus.DefBuckets,
		}, []string{"changed"}),
	}
	_ = registrar.RegisterCounterVec("verify", "verdicts_total", m.verdictsTotal)
	_ = registrar.RegisterCounterVec("verify", "evidence_total", m.evidenceTotal)
	_ = registrar.RegisterHistogramVec("verify", "duration_seconds", m.duration)
	return m
}

func (m *verifierMetrics) observe(v Verdict, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := "false"
	if v.Changed {
		outcome = "true"
	}
	m.verdictsTotal.WithLabelValues(outcome).Inc()
	m.duration.WithLabelValues(outcome).Observe(elapsed.Seconds())
	for _, e := range v.Evidence {
		m.evidenceTotal.WithLabelValues(string(e)).Inc()
	}
}
