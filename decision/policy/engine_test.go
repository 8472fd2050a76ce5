package policy

import (
	"math"
	"testing"

	"github.com/rs/zerolog"
)

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name     string
		req      EvaluationRequest
		decision Decision
		findings []string
	}{
		{"pass", EvaluationRequest{RMSE: 5.2, BestIteration: 12, NumBoostRounds: 30}, DecisionPass, nil},
		{"at limit", EvaluationRequest{RMSE: 6.0, BestIteration: 12, NumBoostRounds: 30}, DecisionPass, nil},
		{"above limit", EvaluationRequest{RMSE: 6.3, BestIteration: 12, NumBoostRounds: 30}, DecisionWarn, []string{"rmse-limit"}},
		{"nan rmse", EvaluationRequest{RMSE: math.NaN(), BestIteration: 2, NumBoostRounds: 30}, DecisionWarn, []string{"rmse-limit"}},
		{"no early stop", EvaluationRequest{RMSE: 5.2, BestIteration: 29, NumBoostRounds: 30}, DecisionPass, []string{"early-stopping"}},
		{"both", EvaluationRequest{RMSE: 7, BestIteration: 29, NumBoostRounds: 30}, DecisionWarn, []string{"rmse-limit", "early-stopping"}},
	}
	e := NewEngine(6.0, zerolog.Nop())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := e.Evaluate(tt.req)
			if res.Decision != tt.decision {
				t.Errorf("decision = %s, want %s", res.Decision, tt.decision)
			}
			if res.PoliciesRan != 2 {
				t.Errorf("PoliciesRan = %d, want 2", res.PoliciesRan)
			}
			if len(res.Findings) != len(tt.findings) {
				t.Fatalf("findings = %+v, want %v", res.Findings, tt.findings)
			}
			for i, id := range tt.findings {
				if res.Findings[i].PolicyID != id {
					t.Errorf("finding[%d] = %s, want %s", i, res.Findings[i].PolicyID, id)
				}
			}
		})
	}
}

func TestCustomPolicy(t *testing.T) {
	e := NewEngine(6.0, zerolog.Nop())
	e.AddPolicy(Policy{ID: "val-size", Type: PolicyTypeMinValSamples, Severity: SeverityWarning, Threshold: 500, Enabled: true})

	res := e.Evaluate(EvaluationRequest{RMSE: 5, BestIteration: 3, NumBoostRounds: 30, ValSamples: 120})
	if res.Decision != DecisionWarn {
		t.Errorf("decision = %s, want warn", res.Decision)
	}
	if w := res.Warnings(); len(w) != 1 || w[0].PolicyID != "val-size" {
		t.Errorf("warnings = %+v", w)
	}
}
