// Package labeval turns raw laboratory parameters into a pass/fail verdict.
// Evaluation is deterministic and performs no I/O.
package labeval

import (
	"sort"

	"herbtrace/models"
)

// Failure reason codes. Pesticide failures are "<substance>AboveThreshold".
const (
	ReasonMoistureHigh       = "MoistureHigh"
	ReasonDNABarcodeMismatch = "DNABarcodeMismatch"
	suffixAboveThreshold     = "AboveThreshold"
)

// Evaluation is the outcome of Engine.Evaluate.
type Evaluation struct {
	Result  models.LabResult
	Reasons []string
}

// Rule checks one parameter group. An absent group must yield no reasons.
type Rule interface {
	Name() string
	Check(p models.LabParameters) []string
}

// Engine runs its rules in registration order.
type Engine struct {
	rules []Rule
}

func NewEngine(rules ...Rule) *Engine {
	return &Engine{rules: rules}
}

// Register appends a rule to the engine.
func (e *Engine) Register(r Rule) { e.rules = append(e.rules, r) }

// Evaluate returns Fail iff at least one rule produced a reason.
func (e *Engine) Evaluate(p models.LabParameters) Evaluation {
	reasons := []string{}
	for _, r := range e.rules {
		reasons = append(reasons, r.Check(p)...)
	}
	res := models.LabResultPass
	if len(reasons) > 0 {
		res = models.LabResultFail
	}
	return Evaluation{Result: res, Reasons: reasons}
}

// Policy holds the thresholds the default rules apply.
type Policy struct {
	MoistureMaxPct      float64            `yaml:"moistureMaxPct"`
	DefaultPesticidePPM float64            `yaml:"defaultPesticidePpm"`
	PesticidePPM        map[string]float64 `yaml:"pesticidePpm"` // per-substance override
}

// DefaultPolicy: 12% moisture, 0.01 ppm for every pesticide.
func DefaultPolicy() Policy {
	return Policy{MoistureMaxPct: 12, DefaultPesticidePPM: 0.01}
}

// NewDefaultEngine wires moisture, pesticide and DNA barcode rules.
func NewDefaultEngine(p Policy) *Engine {
	return NewEngine(
		MoistureRule{Max: p.MoistureMaxPct},
		PesticideRule{Default: p.DefaultPesticidePPM, Thresholds: p.PesticidePPM},
		DNABarcodeRule{},
	)
}

// MoistureRule fails samples wetter than Max percent.
type MoistureRule struct{ Max float64 }

func (MoistureRule) Name() string { return "moisture" }

func (r MoistureRule) Check(p models.LabParameters) []string {
	if p.Moisture != nil && *p.Moisture > r.Max {
		return []string{ReasonMoistureHigh}
	}
	return nil
}

// PesticideRule flags every substance above its threshold, in name order.
type PesticideRule struct {
	Default    float64
	Thresholds map[string]float64
}

func (PesticideRule) Name() string { return "pesticide" }

func (r PesticideRule) Check(p models.LabParameters) []string {
	if len(p.PesticidePPM) == 0 {
		return nil
	}
	names := make([]string, 0, len(p.PesticidePPM))
	for name := range p.PesticidePPM {
		names = append(names, name)
	}
	sort.Strings(names)
	var out []string
	for _, name := range names {
		limit, ok := r.Thresholds[name]
		if !ok {
			limit = r.Default
		}
		if p.PesticidePPM[name] > limit {
			out = append(out, name+suffixAboveThreshold)
		}
	}
	return out
}

// DNABarcodeRule fails only on an explicit mismatch.
type DNABarcodeRule struct{}

func (DNABarcodeRule) Name() string { return "dna-barcode" }

func (DNABarcodeRule) Check(p models.LabParameters) []string {
	if p.DNABarcode != nil && p.DNABarcode.Matched != nil && !*p.DNABarcode.Matched {
		return []string{ReasonDNABarcodeMismatch}
	}
	return nil
}
