package model

import (
	"math"
	"strconv"
)

// ScoreMap maps a category label to a finite wire score.
type ScoreMap map[string]float64

// Coerce converts raw backend scores to wire scores. Each float32 becomes the
// float64 with the same shortest decimal form, so 0.01 stays 0.01 rather than
// 0.009999999776482582. NaN and infinite scores fail the whole prediction.
func Coerce(raw map[string]float32) (ScoreMap, error) {
	out := make(ScoreMap, len(raw))
	for label, v := range raw {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, PredictFailedf("score for %q is not a finite number", label)
		}
		wide, err := strconv.ParseFloat(strconv.FormatFloat(f, 'g', -1, 32), 64)
		if err != nil {
			return nil, PredictFailedf("convert score for %q: %v", label, err)
		}
		out[label] = wide
	}
	return out, nil
}
