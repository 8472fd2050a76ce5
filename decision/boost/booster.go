// Package boost trains gradient-boosted regression trees with squared-error
// loss on sparse matrices.
package boost

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"

	"github.com/rs/zerolog"

	"taxi-duration/pkg/sparse"
)

// DMatrix pairs a design matrix with its labels.
type DMatrix struct {
	X *sparse.CSR
	Y []float64
}

func NewDMatrix(x *sparse.CSR, y []float64) (*DMatrix, error) {
	if x == nil {
		return nil, errors.New("nil feature matrix")
	}
	if x.Rows != len(y) {
		return nil, fmt.Errorf("matrix has %d rows but %d labels", x.Rows, len(y))
	}
	for i, v := range y {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("label %d is not finite", i)
		}
	}
	return &DMatrix{X: x, Y: y}, nil
}

// Booster is a trained ensemble. Predictions are BaseScore plus the sum of
// every tree's leaf value.
type Booster struct {
	Params        Params  `json:"params"`
	BaseScore     float64 `json:"base_score"`
	NumFeatures   int     `json:"num_features"`
	Trees         []Tree  `json:"trees"`
	BestIteration int     `json:"best_iteration"`
	BestScore     float64 `json:"best_score"`
	// RoundsRun counts the rounds trained before any truncation to BestIteration.
	RoundsRun int `json:"rounds_run"`
}

// TrainOptions controls the boosting loop.
type TrainOptions struct {
	// Valid is evaluated after every round; training RMSE is used when nil.
	Valid *DMatrix
	// EarlyStoppingRounds stops training once the evaluation RMSE has not
	// improved for this many rounds. Zero disables early stopping.
	EarlyStoppingRounds int
	Logger              zerolog.Logger
}

// Train fits up to rounds trees. With early stopping the returned booster
// keeps the trees up to and including the best-scoring round; without it
// every round is kept and BestIteration is the last one. BestIteration is
// 0-based.
func Train(p Params, dtrain *DMatrix, rounds int, opts TrainOptions) (*Booster, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if rounds < 1 {
		return nil, fmt.Errorf("num_boost_round must be >= 1, got %d", rounds)
	}
	if dtrain == nil || dtrain.X.Rows == 0 {
		return nil, errors.New("training set is empty")
	}
	eval, evalName := dtrain, "train"
	if opts.Valid != nil {
		if opts.Valid.X.Rows == 0 {
			return nil, errors.New("validation set is empty")
		}
		if opts.Valid.X.Cols != dtrain.X.Cols {
			return nil, fmt.Errorf("feature space mismatch: train has %d features, validation %d",
				dtrain.X.Cols, opts.Valid.X.Cols)
		}
		eval, evalName = opts.Valid, "validation"
	}

	base := p.BaseScore
	if !p.HasBaseScore {
		base = mean(dtrain.Y)
	}
	b := &Booster{Params: p, BaseScore: base, NumFeatures: dtrain.X.Cols}

	n := dtrain.X.Rows
	g := &grower{
		p:    p,
		x:    dtrain.X,
		cols: sortColumns(dtrain.X),
		rng:  rand.New(rand.NewSource(p.Seed)),
		grad: make([]float64, n),
		hess: make([]float64, n),
	}
	trainPred := filled(n, base)
	evalPred := trainPred
	if eval != dtrain {
		evalPred = filled(eval.X.Rows, base)
	}

	best, bestScore := 0, math.Inf(1)
	lastScore := math.NaN()
	for round := 0; round < rounds; round++ {
		for i := range g.grad {
			g.grad[i] = trainPred[i] - dtrain.Y[i]
			g.hess[i] = 1
		}
		tree := g.grow()
		b.Trees = append(b.Trees, tree)

		tree.addTo(dtrain.X, trainPred)
		if eval != dtrain {
			tree.addTo(eval.X, evalPred)
		}

		score := RMSE(eval.Y, evalPred)
		lastScore = score
		opts.Logger.Debug().Int("round", round).Float64(evalName+"-rmse", score).Msg("Boosting round")
		if score < bestScore {
			best, bestScore = round, score
		}
		if opts.EarlyStoppingRounds > 0 && round-best >= opts.EarlyStoppingRounds {
			opts.Logger.Info().
				Int("round", round).
				Int("best_iteration", best).
				Float64("best_score", bestScore).
				Msg("Early stopping")
			break
		}
	}

	b.RoundsRun = len(b.Trees)
	if opts.EarlyStoppingRounds > 0 {
		b.Trees = b.Trees[:best+1]
		b.BestIteration = best
		b.BestScore = bestScore
	} else {
		b.BestIteration = len(b.Trees) - 1
		b.BestScore = lastScore
	}
	return b, nil
}

func (t *Tree) addTo(x *sparse.CSR, pred []float64) {
	for i := 0; i < x.Rows; i++ {
		idx, vals := x.Row(i)
		pred[i] += t.predictRow(idx, vals)
	}
}

// Predict returns one prediction per row of x. Columns beyond NumFeatures
// are never consulted.
func (b *Booster) Predict(x *sparse.CSR) []float64 {
	pred := filled(x.Rows, b.BaseScore)
	for i := range b.Trees {
		b.Trees[i].addTo(x, pred)
	}
	return pred
}

// RMSE is the root mean squared error. It returns NaN for empty input.
func RMSE(yTrue, yPred []float64) float64 {
	if len(yTrue) == 0 {
		return math.NaN()
	}
	s := 0.0
	for i := range yTrue {
		d := yPred[i] - yTrue[i]
		s += d * d
	}
	return math.Sqrt(s / float64(len(yTrue)))
}

// =============================================================================
// PERSISTENCE
// =============================================================================

// SaveJSON writes the booster as JSON.
func (b *Booster) SaveJSON(path string) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode booster: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write booster: %w", err)
	}
	return nil
}

// LoadJSON reads a booster written by SaveJSON.
func LoadJSON(path string) (*Booster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var b Booster
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decode booster: %w", err)
	}
	for i, t := range b.Trees {
		if len(t.Nodes) == 0 {
			return nil, fmt.Errorf("decode booster: tree %d has no nodes", i)
		}
	}
	return &b, nil
}

func mean(v []float64) float64 {
	s := 0.0
	for _, x := range v {
		s += x
	}
	return s / float64(len(v))
}

func filled(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}
