package boost

import (
	"fmt"
	"sort"
	"strconv"
)

// Params are the booster hyperparameters. Names follow the XGBoost
// conventions so a model section written for XGBoost reads the same here.
type Params struct {
	Eta             float64 `json:"eta"`
	MaxDepth        int     `json:"max_depth"`
	MinChildWeight  float64 `json:"min_child_weight"`
	Alpha           float64 `json:"reg_alpha"`
	Lambda          float64 `json:"reg_lambda"`
	Gamma           float64 `json:"gamma"`
	Subsample       float64 `json:"subsample"`
	ColsampleByTree float64 `json:"colsample_bytree"`
	Seed            int64   `json:"seed"`
	BaseScore       float64 `json:"base_score"`
	HasBaseScore    bool    `json:"-"`
	Objective       string  `json:"objective"`
}

const ObjectiveSquaredError = "reg:squarederror"

// DefaultParams mirrors the XGBoost defaults.
func DefaultParams() Params {
	return Params{
		Eta:             0.3,
		MaxDepth:        6,
		MinChildWeight:  1,
		Lambda:          1,
		Subsample:       1,
		ColsampleByTree: 1,
		Objective:       ObjectiveSquaredError,
	}
}

// keys accepted but without effect on a single-threaded exact learner
var inert = map[string]bool{
	"nthread":     true,
	"n_jobs":      true,
	"verbosity":   true,
	"tree_method": true,
	"booster":     true,
}

// ParseParams reads params from string key/values. Unknown keys are
// returned, sorted, so callers can warn about them.
func ParseParams(kv map[string]string) (Params, []string, error) {
	p := DefaultParams()
	var unknown []string

	for key, raw := range kv {
		var err error
		switch key {
		case "learning_rate", "eta":
			p.Eta, err = parseFloat(key, raw)
		case "max_depth":
			p.MaxDepth, err = parseInt(key, raw)
		case "min_child_weight":
			p.MinChildWeight, err = parseFloat(key, raw)
		case "reg_alpha", "alpha":
			p.Alpha, err = parseFloat(key, raw)
		case "reg_lambda", "lambda":
			p.Lambda, err = parseFloat(key, raw)
		case "gamma", "min_split_loss":
			p.Gamma, err = parseFloat(key, raw)
		case "subsample":
			p.Subsample, err = parseFloat(key, raw)
		case "colsample_bytree":
			p.ColsampleByTree, err = parseFloat(key, raw)
		case "seed", "random_state":
			var s int
			s, err = parseInt(key, raw)
			p.Seed = int64(s)
		case "base_score":
			p.BaseScore, err = parseFloat(key, raw)
			p.HasBaseScore = err == nil
		case "objective":
			p.Objective = raw
		case "eval_metric":
			if raw != "rmse" {
				err = fmt.Errorf("eval_metric %q is not supported, only rmse", raw)
			}
		default:
			if !inert[key] {
				unknown = append(unknown, key)
			}
		}
		if err != nil {
			return Params{}, nil, err
		}
	}
	sort.Strings(unknown)
	return p, unknown, p.Validate()
}

// Validate checks parameter ranges.
func (p Params) Validate() error {
	switch p.Objective {
	case ObjectiveSquaredError, "reg:linear":
	default:
		return fmt.Errorf("objective %q is not supported, only %s", p.Objective, ObjectiveSquaredError)
	}
	if p.Eta <= 0 {
		return fmt.Errorf("learning_rate must be > 0, got %g", p.Eta)
	}
	if p.MaxDepth < 0 {
		return fmt.Errorf("max_depth must be >= 0, got %d", p.MaxDepth)
	}
	if p.MinChildWeight < 0 || p.Alpha < 0 || p.Lambda < 0 || p.Gamma < 0 {
		return fmt.Errorf("min_child_weight, reg_alpha, reg_lambda and gamma must be >= 0")
	}
	if p.Subsample <= 0 || p.Subsample > 1 {
		return fmt.Errorf("subsample must be in (0, 1], got %g", p.Subsample)
	}
	if p.ColsampleByTree <= 0 || p.ColsampleByTree > 1 {
		return fmt.Errorf("colsample_bytree must be in (0, 1], got %g", p.ColsampleByTree)
	}
	return nil
}

func parseFloat(key, raw string) (float64, error) {
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("param %s: %q is not a number", key, raw)
	}
	return v, nil
}

func parseInt(key, raw string) (int, error) {
	v, err := strconv.Atoi(raw)
	if err != nil {
		// 6.0 is a common spelling of an integer in YAML
		f, ferr := strconv.ParseFloat(raw, 64)
		if ferr != nil || f != float64(int(f)) {
			return 0, fmt.Errorf("param %s: %q is not an integer", key, raw)
		}
		return int(f), nil
	}
	return v, nil
}
