// Package confidence ranks candidate values with a weighted, explainable
// score built from freshness, source trust, schema validity, origin telemetry
// and prior user decisions.
package confidence

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/l0p7/resilcache/internal/reasons"
)

// ErrInvalidWeights is returned by New when a weight is negative or the
// weights do not sum to 1.
var ErrInvalidWeights = errors.New("confidence: invalid weights")

const (
	weightTolerance = 1e-6
	freshnessFloor  = 0.1
)

// Factor names one input to the score.
type Factor string

const (
	FactorFreshness      Factor = "freshness"
	FactorSourceTrust    Factor = "source_trust"
	FactorSchemaValidity Factor = "schema_validity"
	FactorTelemetry      Factor = "telemetry_alignment"
	FactorUserOverride   Factor = "user_override"
)

// Weights sum to 1.
type Weights struct {
	Freshness          float64 `json:"freshness"`
	SourceTrust        float64 `json:"sourceTrust"`
	SchemaValidity     float64 `json:"schemaValidity"`
	TelemetryAlignment float64 `json:"telemetryAlignment"`
	UserOverride       float64 `json:"userOverride"`
}

func DefaultWeights() Weights {
	return Weights{
		Freshness:          0.35,
		SourceTrust:        0.30,
		SchemaValidity:     0.20,
		TelemetryAlignment: 0.10,
		UserOverride:       0.05,
	}
}

// Validate wraps ErrInvalidWeights.
func (w Weights) Validate() error {
	sum := 0.0
	for _, f := range w.factors() {
		if f.weight < 0 || math.IsNaN(f.weight) {
			return fmt.Errorf("%w: %s weight %v is negative", ErrInvalidWeights, f.factor, f.weight)
		}
		sum += f.weight
	}
	if math.Abs(sum-1) > weightTolerance {
		return fmt.Errorf("%w: weights sum to %v, want 1", ErrInvalidWeights, sum)
	}
	return nil
}

type factorWeight struct {
	factor Factor
	weight float64
}

func (w Weights) factors() []factorWeight {
	return []factorWeight{
		{FactorFreshness, w.Freshness},
		{FactorSourceTrust, w.SourceTrust},
		{FactorSchemaValidity, w.SchemaValidity},
		{FactorTelemetry, w.TelemetryAlignment},
		{FactorUserOverride, w.UserOverride},
	}
}

// Candidate is one value offered for a key.
type Candidate struct {
	Origin     string
	Value      []byte
	ObservedAt time.Time
	TrustScore float64
}

// Contribution is one line of a score breakdown.
type Contribution struct {
	Factor       Factor  `json:"factor"`
	Value        float64 `json:"value"`
	Weight       float64 `json:"weight"`
	Contribution float64 `json:"contribution"`
}

// Score is the explained confidence of one candidate.
type Score struct {
	Index       int            `json:"index"`
	Origin      string         `json:"origin"`
	Confidence  float64        `json:"confidence"`
	SchemaValid bool           `json:"schemaValid"`
	SchemaError string         `json:"schemaError,omitempty"`
	Breakdown   []Contribution `json:"breakdown"`
	ReasonCodes []string       `json:"reasonCodes"`
}

// SchemaValidator checks a candidate value for its key.
type SchemaValidator interface {
	Validate(key, origin string, value []byte) error
	Covers(key string) bool
}

// TelemetrySource reports how well an origin is meeting its latency and error
// guardrails, in [0,1].
type TelemetrySource interface {
	Alignment(origin string) float64
}

type Options struct {
	Weights       Weights
	HalfLife      time.Duration
	SchemaPenalty float64
	Validator     SchemaValidator
	Telemetry     TelemetrySource
}

// Scorer is immutable after New and safe for concurrent use.
type Scorer struct {
	weights       Weights
	halfLife      time.Duration
	lambda        float64
	schemaPenalty float64
	validator     SchemaValidator
	telemetry     TelemetrySource
}

// New validates the weights and builds a scorer.
func New(opts Options) (*Scorer, error) {
	if err := opts.Weights.Validate(); err != nil {
		return nil, err
	}
	if opts.HalfLife <= 0 {
		opts.HalfLife = 15 * time.Minute
	}
	return &Scorer{
		weights:       opts.Weights,
		halfLife:      opts.HalfLife,
		lambda:        math.Ln2 / opts.HalfLife.Seconds(),
		schemaPenalty: clamp01(opts.SchemaPenalty),
		validator:     opts.Validator,
		telemetry:     opts.Telemetry,
	}, nil
}

func (s *Scorer) Weights() Weights { return s.weights }

// Freshness decays by half every half-life and never drops below 0.1.
func (s *Scorer) Freshness(age time.Duration) float64 {
	if age <= 0 {
		return 1
	}
	return math.Max(freshnessFloor, math.Exp(-s.lambda*age.Seconds()))
}

// Score rates each candidate against the reference instant ref. A candidate
// whose origin equals preferredOrigin receives the user override factor.
// Results are in candidate order.
func (s *Scorer) Score(key string, candidates []Candidate, ref time.Time, preferredOrigin string) []Score {
	out := make([]Score, len(candidates))
	for i, c := range candidates {
		out[i] = s.scoreOne(key, i, c, ref, preferredOrigin)
	}
	return out
}

func (s *Scorer) scoreOne(key string, index int, c Candidate, ref time.Time, preferredOrigin string) Score {
	var codes []reasons.Code

	freshness := s.Freshness(ref.Sub(c.ObservedAt))
	switch {
	case freshness <= freshnessFloor:
		codes = append(codes, reasons.FreshnessFloor)
	case freshness >= 0.5:
		codes = append(codes, reasons.FreshnessRecent)
	default:
		codes = append(codes, reasons.FreshnessDecayed)
	}

	trust := clamp01(c.TrustScore)
	switch {
	case trust >= 0.7:
		codes = append(codes, reasons.SourceTrustHigh)
	case trust >= 0.4:
		codes = append(codes, reasons.SourceTrustMid)
	default:
		codes = append(codes, reasons.SourceTrustLow)
	}

	schema, schemaValid, schemaErr := 1.0, true, ""
	switch {
	case s.validator == nil || !s.validator.Covers(key):
		codes = append(codes, reasons.SchemaUnchecked)
	default:
		if err := s.validator.Validate(key, c.Origin, c.Value); err != nil {
			schema, schemaValid, schemaErr = s.schemaPenalty, false, err.Error()
			codes = append(codes, reasons.SchemaInvalid)
		} else {
			codes = append(codes, reasons.SchemaValid)
		}
	}

	telemetry := 1.0
	if s.telemetry != nil {
		telemetry = clamp01(s.telemetry.Alignment(c.Origin))
	}
	if telemetry >= 1 {
		codes = append(codes, reasons.TelemetryAligned)
	} else {
		codes = append(codes, reasons.TelemetryDrift)
	}

	override := 0.0
	if preferredOrigin != "" && c.Origin == preferredOrigin {
		override = 1
		codes = append(codes, reasons.UserOverride)
	}

	values := map[Factor]float64{
		FactorFreshness:      freshness,
		FactorSourceTrust:    trust,
		FactorSchemaValidity: schema,
		FactorTelemetry:      telemetry,
		FactorUserOverride:   override,
	}
	total := 0.0
	breakdown := make([]Contribution, 0, 5)
	for _, fw := range s.weights.factors() {
		v := values[fw.factor]
		contribution := v * fw.weight
		total += contribution
		breakdown = append(breakdown, Contribution{
			Factor:       fw.factor,
			Value:        v,
			Weight:       fw.weight,
			Contribution: contribution,
		})
	}

	return Score{
		Index:       index,
		Origin:      c.Origin,
		Confidence:  clamp01(total),
		SchemaValid: schemaValid,
		SchemaError: schemaErr,
		Breakdown:   breakdown,
		ReasonCodes: reasons.Set(codes...),
	}
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
