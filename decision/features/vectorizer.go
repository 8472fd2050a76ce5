package features

import (
	"encoding/gob"
	"fmt"
	"io"
	"math"
	"os"
	"sort"

	"taxi-duration/pkg/sparse"
)

// Separator joins a categorical column name and its value in a feature name.
const Separator = "="

// DictVectorizer turns records into sparse feature vectors.
//
// A string value v under key k becomes the one-hot feature "k=v" with value
// 1; a numeric value under k becomes the feature "k" with that value.
// Feature names are sorted. Keys or categories not seen during Fit are
// ignored by Transform.
type DictVectorizer struct {
	FeatureNames []string
	Vocabulary   map[string]int
}

// NewDictVectorizer returns an unfitted vectorizer.
func NewDictVectorizer() *DictVectorizer {
	return &DictVectorizer{}
}

// Fitted reports whether Fit has run.
func (v *DictVectorizer) Fitted() bool { return v.Vocabulary != nil }

// NumFeatures returns the width of transformed matrices.
func (v *DictVectorizer) NumFeatures() int { return len(v.FeatureNames) }

// Fit learns the feature names of records.
func (v *DictVectorizer) Fit(records []map[string]any) error {
	seen := make(map[string]struct{})
	for i, rec := range records {
		for k, val := range rec {
			name, _, err := featureOf(k, val)
			if err != nil {
				return fmt.Errorf("record %d: %w", i, err)
			}
			seen[name] = struct{}{}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)

	vocab := make(map[string]int, len(names))
	for i, name := range names {
		vocab[name] = i
	}
	v.FeatureNames, v.Vocabulary = names, vocab
	return nil
}

// Transform encodes records in the learned feature space.
func (v *DictVectorizer) Transform(records []map[string]any) (*sparse.CSR, error) {
	if !v.Fitted() {
		return nil, fmt.Errorf("vectorizer is not fitted")
	}
	b := sparse.NewBuilder(len(v.FeatureNames))
	cols := make([]int, 0, 8)
	vals := make([]float64, 0, 8)
	for i, rec := range records {
		cols, vals = cols[:0], vals[:0]
		for k, val := range rec {
			name, x, err := featureOf(k, val)
			if err != nil {
				return nil, fmt.Errorf("record %d: %w", i, err)
			}
			j, ok := v.Vocabulary[name]
			if !ok {
				continue
			}
			cols = append(cols, j)
			vals = append(vals, x)
		}
		if err := b.AddRow(cols, vals); err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
	}
	return b.Build(), nil
}

// FitTransform fits on records and encodes them.
func (v *DictVectorizer) FitTransform(records []map[string]any) (*sparse.CSR, error) {
	if err := v.Fit(records); err != nil {
		return nil, err
	}
	return v.Transform(records)
}

func featureOf(key string, val any) (string, float64, error) {
	switch x := val.(type) {
	case string:
		return key + Separator + x, 1, nil
	case float64:
		return key, x, nil
	case float32:
		return key, float64(x), nil
	case int:
		return key, float64(x), nil
	case int64:
		return key, float64(x), nil
	case bool:
		if x {
			return key, 1, nil
		}
		return key, 0, nil
	case nil:
		return key, math.NaN(), nil
	default:
		return "", 0, fmt.Errorf("unsupported value %T for feature %q", val, key)
	}
}

// =============================================================================
// PERSISTENCE
// =============================================================================

// Encode writes the vectorizer with encoding/gob.
func (v *DictVectorizer) Encode(w io.Writer) error {
	return gob.NewEncoder(w).Encode(v)
}

// DecodeVectorizer reads a vectorizer written by Encode.
func DecodeVectorizer(r io.Reader) (*DictVectorizer, error) {
	var v DictVectorizer
	if err := gob.NewDecoder(r).Decode(&v); err != nil {
		return nil, fmt.Errorf("decode vectorizer: %w", err)
	}
	if v.Vocabulary == nil {
		v.Vocabulary = make(map[string]int)
	}
	return &v, nil
}

// SaveFile writes the vectorizer to path.
func (v *DictVectorizer) SaveFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := v.Encode(f); err != nil {
		f.Close()
		return fmt.Errorf("encode vectorizer: %w", err)
	}
	return f.Close()
}

// LoadVectorizerFile reads a vectorizer saved with SaveFile.
func LoadVectorizerFile(path string) (*DictVectorizer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return DecodeVectorizer(f)
}
