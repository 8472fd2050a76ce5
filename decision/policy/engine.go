// Package policy provides the model quality gate.
// Evaluates quality policies against a training result. The gate only reports;
// it never fails a run.
package policy

import (
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
)

// PolicyType defines the type of policy
type PolicyType string

const (
	PolicyTypeRMSELimit     PolicyType = "rmse_limit"
	PolicyTypeEarlyStopping PolicyType = "early_stopping"
	PolicyTypeMinValSamples PolicyType = "min_val_samples"
)

// Severity defines how a finding affects the decision
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// Decision is the policy evaluation outcome
type Decision string

const (
	DecisionPass Decision = "pass"
	DecisionWarn Decision = "warn"
)

// Policy defines a quality rule
type Policy struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Type        PolicyType `json:"type"`
	Severity    Severity   `json:"severity"`
	Threshold   float64    `json:"threshold"`
	Enabled     bool       `json:"enabled"`
}

// Finding is a triggered policy
type Finding struct {
	PolicyID string   `json:"policy_id"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// EvaluationRequest contains the input for policy evaluation
type EvaluationRequest struct {
	RMSE           float64
	BestIteration  int
	NumBoostRounds int
	ValSamples     int
}

// EvaluationResult contains the policy evaluation outcome
type EvaluationResult struct {
	Decision    Decision  `json:"decision"`
	Findings    []Finding `json:"findings"`
	PoliciesRan int       `json:"policies_ran"`
	EvaluatedAt time.Time `json:"evaluated_at"`
}

// Warnings returns the findings with warning severity.
func (r *EvaluationResult) Warnings() []Finding {
	var out []Finding
	for _, f := range r.Findings {
		if f.Severity == SeverityWarning {
			out = append(out, f)
		}
	}
	return out
}

// Engine evaluates policies against training results
type Engine struct {
	policies []Policy
	logger   zerolog.Logger
}

// NewEngine creates an engine with the default policies for rmseLimit
func NewEngine(rmseLimit float64, logger zerolog.Logger) *Engine {
	return &Engine{policies: defaultPolicies(rmseLimit), logger: logger}
}

// AddPolicy adds a custom policy
func (e *Engine) AddPolicy(p Policy) {
	e.policies = append(e.policies, p)
}

// Evaluate runs all enabled policies. Warnings turn the decision to warn;
// info findings are reported without changing it.
func (e *Engine) Evaluate(req EvaluationRequest) *EvaluationResult {
	result := &EvaluationResult{
		Decision:    DecisionPass,
		Findings:    make([]Finding, 0),
		EvaluatedAt: time.Now(),
	}

	for _, policy := range e.policies {
		if !policy.Enabled {
			continue
		}
		result.PoliciesRan++

		finding := evaluatePolicy(policy, req)
		if finding == nil {
			continue
		}
		result.Findings = append(result.Findings, *finding)
		if finding.Severity == SeverityWarning {
			result.Decision = DecisionWarn
			e.logger.Warn().Str("policy", policy.ID).Msg(finding.Message)
		} else {
			e.logger.Info().Str("policy", policy.ID).Msg(finding.Message)
		}
	}
	return result
}

func evaluatePolicy(p Policy, req EvaluationRequest) *Finding {
	switch p.Type {
	case PolicyTypeRMSELimit:
		if math.IsNaN(req.RMSE) || req.RMSE > p.Threshold {
			return &Finding{
				PolicyID: p.ID,
				Message:  fmt.Sprintf("RMSE (%.4f) exceeds limit (%.2f); review before deployment", req.RMSE, p.Threshold),
				Severity: p.Severity,
			}
		}

	case PolicyTypeEarlyStopping:
		if req.NumBoostRounds > 0 && req.BestIteration >= req.NumBoostRounds-1 {
			return &Finding{
				PolicyID: p.ID,
				Message:  fmt.Sprintf("Best iteration is the last of %d rounds; more boosting rounds may help", req.NumBoostRounds),
				Severity: p.Severity,
			}
		}

	case PolicyTypeMinValSamples:
		if float64(req.ValSamples) < p.Threshold {
			return &Finding{
				PolicyID: p.ID,
				Message:  fmt.Sprintf("Validation set has %d samples, below %.0f", req.ValSamples, p.Threshold),
				Severity: p.Severity,
			}
		}
	}
	return nil
}

func defaultPolicies(rmseLimit float64) []Policy {
	return []Policy{
		{
			ID:          "rmse-limit",
			Name:        "RMSE Limit",
			Description: "Warn when validation RMSE is above the deployment limit",
			Type:        PolicyTypeRMSELimit,
			Severity:    SeverityWarning,
			Threshold:   rmseLimit,
			Enabled:     true,
		},
		{
			ID:          "early-stopping",
			Name:        "Early Stopping Triggered",
			Description: "Note when the best round is the final round",
			Type:        PolicyTypeEarlyStopping,
			Severity:    SeverityInfo,
			Enabled:     true,
		},
		{
			ID:          "min-val-samples",
			Name:        "Minimum Validation Samples",
			Description: "Warn when the validation month is very small",
			Type:        PolicyTypeMinValSamples,
			Severity:    SeverityWarning,
			Threshold:   100,
			Enabled:     false,
		},
	}
}
