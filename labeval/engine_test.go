package labeval

import (
	"reflect"
	"testing"

	"herbtrace/models"
)

func f(v float64) *float64 { return &v }
func b(v bool) *bool { return &v }

func TestEvaluate(t *testing.T) {
	e := NewDefaultEngine(DefaultPolicy())
	tests := []struct {
		name    string
		params  models.LabParameters
		result  models.LabResult
		reasons []string
	}{
		{
			name:    "moisture and one pesticide",
			params:  models.LabParameters{Moisture: f(14), PesticidePPM: map[string]float64{"chlorpyrifos": 0.02}},
			result:  models.LabResultFail,
			reasons: []string{"MoistureHigh", "chlorpyrifosAboveThreshold"},
		},
		{
			name:    "empty parameter set passes",
			params:  models.LabParameters{},
			result:  models.LabResultPass,
			reasons: []string{},
		},
		{
			name:    "at the ceiling passes",
			params:  models.LabParameters{Moisture: f(12), PesticidePPM: map[string]float64{"malathion": 0.01}},
			result:  models.LabResultPass,
			reasons: []string{},
		},
		{
			name: "pesticides sorted by substance",
			params: models.LabParameters{PesticidePPM: map[string]float64{
				"malathion": 0.5, "aldrin": 0.2, "dicofol": 0.001,
			}},
			result:  models.LabResultFail,
			reasons: []string{"aldrinAboveThreshold", "malathionAboveThreshold"},
		},
		{
			name:    "dna mismatch",
			params:  models.LabParameters{DNABarcode: &models.DNABarcode{Matched: b(false)}},
			result:  models.LabResultFail,
			reasons: []string{"DNABarcodeMismatch"},
		},
		{
			name:    "dna barcode without verdict passes",
			params:  models.LabParameters{DNABarcode: &models.DNABarcode{Species: "Withania somnifera"}},
			result:  models.LabResultPass,
			reasons: []string{},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := e.Evaluate(tc.params)
			if got.Result != tc.result {
				t.Fatalf("result = %s, want %s", got.Result, tc.result)
			}
			if !reflect.DeepEqual(got.Reasons, tc.reasons) {
				t.Fatalf("reasons = %v, want %v", got.Reasons, tc.reasons)
			}
		})
	}
}

func TestEvaluateIsDeterministic(t *testing.T) {
	e := NewDefaultEngine(DefaultPolicy())
	p := models.LabParameters{
		Moisture:     f(13),
		PesticidePPM: map[string]float64{"a": 1, "b": 1, "c": 1, "d": 1, "e": 1},
		DNABarcode:   &models.DNABarcode{Matched: b(false)},
	}
	first := e.Evaluate(p)
	for i := 0; i < 50; i++ {
		if got := e.Evaluate(p); !reflect.DeepEqual(got, first) {
			t.Fatalf("run %d differs: %v vs %v", i, got, first)
		}
	}
	if (first.Result == models.LabResultFail) != (len(first.Reasons) > 0) {
		t.Fatal("Fail must coincide with non-empty reasons")
	}
}

func TestPerSubstanceThreshold(t *testing.T) {
	e := NewDefaultEngine(Policy{
		MoistureMaxPct:      10,
		DefaultPesticidePPM: 0.01,
		PesticidePPM:        map[string]float64{"copper": 5},
	})
	got := e.Evaluate(models.LabParameters{
		Moisture:     f(11),
		PesticidePPM: map[string]float64{"copper": 4.9},
	})
	if !reflect.DeepEqual(got.Reasons, []string{"MoistureHigh"}) {
		t.Fatalf("reasons = %v", got.Reasons)
	}
}

type heavyMetalRule struct{}

func (heavyMetalRule) Name() string { return "heavy-metal" }
func (heavyMetalRule) Check(models.LabParameters) []string {
	return []string{"LeadAboveThreshold"}
}

func TestRegisterExtendsEngine(t *testing.T) {
	e := NewDefaultEngine(DefaultPolicy())
	e.Register(heavyMetalRule{})
	got := e.Evaluate(models.LabParameters{})
	if got.Result != models.LabResultFail || got.Reasons[0] != "LeadAboveThreshold" {
		t.Fatalf("custom rule not applied: %+v", got)
	}
}
