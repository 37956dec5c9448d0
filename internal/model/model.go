// Package model defines the Model Handle contract the worker drives: resolving
// the inference runtime, loading a model variant once and scoring text.
package model

import "context"

// DefaultVariant is the model configuration requested at startup.
const DefaultVariant = "multilingual"

// Resolver locates the inference runtime. It returns ErrUnavailable when the
// runtime is absent from the environment.
type Resolver interface {
	Resolve() (Loader, error)
}

// Loader acquires a ready Predictor for a named variant.
type Loader interface {
	Load(ctx context.Context, variant string) (Predictor, error)
}

// Predictor scores one text synchronously. Scores are raw backend values;
// use Coerce before putting them on the wire.
type Predictor interface {
	Predict(ctx context.Context, text string) (map[string]float32, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func() (Loader, error)

func (f ResolverFunc) Resolve() (Loader, error) { return f() }

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, variant string) (Predictor, error)

func (f LoaderFunc) Load(ctx context.Context, variant string) (Predictor, error) {
	return f(ctx, variant)
}

// PredictorFunc adapts a function to Predictor.
type PredictorFunc func(ctx context.Context, text string) (map[string]float32, error)

func (f PredictorFunc) Predict(ctx context.Context, text string) (map[string]float32, error) {
	return f(ctx, text)
}
