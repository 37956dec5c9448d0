package model

import (
	"errors"
	"fmt"
)

// Kind tags a Model Handle failure.
type Kind int

const (
	// KindUnclassified covers any failure not produced through this package.
	KindUnclassified Kind = iota
	// KindUnavailable means the inference runtime could not be found at all.
	KindUnavailable
	// KindLoadFailed means acquisition was attempted and failed.
	KindLoadFailed
	// KindPredictFailed means a single inference call failed.
	KindPredictFailed
)

func (k Kind) String() string {
	switch k {
	case KindUnavailable:
		return "unavailable"
	case KindLoadFailed:
		return "load_failed"
	case KindPredictFailed:
		return "predict_failed"
	default:
		return "unclassified"
	}
}

// ErrUnavailable is returned by Resolver when no runtime is present.
var ErrUnavailable = &Error{Kind: KindUnavailable, Op: "resolve", Err: errors.New("inference runtime not found")}

// Error is the tagged failure returned by Resolve, Load and Predict.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op + ": " + e.Kind.String()
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, ErrUnavailable)
// holds for unavailable errors carrying their own detail.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Unavailable wraps err as a KindUnavailable failure.
func Unavailable(err error) error {
	return &Error{Kind: KindUnavailable, Op: "resolve", Err: err}
}

// LoadFailed wraps err as a KindLoadFailed failure.
func LoadFailed(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindLoadFailed, Op: "load", Err: err}
}

// LoadFailedf formats a KindLoadFailed failure.
func LoadFailedf(format string, args ...any) error {
	return LoadFailed(fmt.Errorf(format, args...))
}

// PredictFailed wraps err as a KindPredictFailed failure.
func PredictFailed(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindPredictFailed, Op: "predict", Err: err}
}

// PredictFailedf formats a KindPredictFailed failure.
func PredictFailedf(format string, args ...any) error {
	return PredictFailed(fmt.Errorf(format, args...))
}

// KindOf reports the tag carried by err, or KindUnclassified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnclassified
}
