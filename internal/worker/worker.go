// Package worker runs the line protocol: announce startup, acquire the model
// once, then score one request line at a time until input ends.
package worker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/straja-ai/toxworker/internal/model"
	"github.com/straja-ai/toxworker/internal/redact"
	"github.com/straja-ai/toxworker/internal/telemetry"
)

// State is the worker lifecycle position.
type State int32

const (
	StateInitializing State = iota
	StateLoading
	StateReady
	StateFailed
	StateServing
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	case StateServing:
		return "serving"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Request outcomes, used as the metric attribute.
const (
	outcomeOK           = "ok"
	outcomeNoText       = "no_text"
	outcomeInvalidJSON  = "invalid_json"
	outcomePredictError = "predict_error"
)

// Options tune a Worker. Zero values are usable.
type Options struct {
	// Variant is passed to Loader.Load; defaults to model.DefaultVariant.
	Variant string
	// MaxLineBytes bounds one request line; <= 0 means unlimited.
	MaxLineBytes int
	// LogText adds redacted text previews to debug logs.
	LogText   bool
	Logger    *zap.Logger
	Telemetry *telemetry.Provider
}

// Worker owns the Model Handle for the process lifetime.
type Worker struct {
	resolver model.Resolver
	in       io.Reader
	out      *bufio.Writer
	enc      *json.Encoder
	opts     Options
	log      *zap.Logger
	tel      *telemetry.Provider

	state     State
	predictor model.Predictor
}

// New builds a worker reading requests from in and writing responses to out.
func New(resolver model.Resolver, in io.Reader, out io.Writer, opts Options) *Worker {
	if opts.Variant == "" {
		opts.Variant = model.DefaultVariant
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Telemetry == nil {
		opts.Telemetry = telemetry.Noop()
	}
	bw := bufio.NewWriter(out)
	enc := json.NewEncoder(bw)
	enc.SetEscapeHTML(false)
	return &Worker{
		resolver: resolver,
		in:       in,
		out:      bw,
		enc:      enc,
		opts:     opts,
		log:      opts.Logger,
		tel:      opts.Telemetry,
	}
}

// State reports the current lifecycle state. It is not safe to call while
// Run is active on another goroutine.
func (w *Worker) State() State { return w.state }

func (w *Worker) setState(s State) {
	w.log.Debug("worker state", zap.Stringer("from", w.state), zap.Stringer("to", s))
	w.state = s
}

// Run performs startup and, if the model is ready, serves until in is
// exhausted. Startup failures are announced on the output and return nil.
// Only I/O failures on the streams and ctx cancellation return an error.
// Cancellation is honoured while waiting for input; a Predict call in
// progress is not interrupted.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.startup(ctx); err != nil {
		return err
	}
	if w.State() != StateReady {
		return nil
	}
	return w.serve(ctx)
}

// Close releases the model if it holds resources.
func (w *Worker) Close() error {
	if c, ok := w.predictor.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (w *Worker) startup(ctx context.Context) error {
	w.setState(StateLoading)
	if err := w.emit(Announcement{Status: StatusLoading, Message: MsgLoading}); err != nil {
		return err
	}

	start := time.Now()
	p, err := w.acquire(ctx)
	took := time.Since(start)
	if err != nil {
		w.setState(StateFailed)
		kind := model.KindOf(err)
		w.tel.RecordLoad(ctx, kind.String(), took)
		msg := fmt.Sprintf(MsgLoadFailedFmt, err.Error())
		if kind == model.KindUnavailable {
			msg = MsgUnavailable
		}
		w.log.Error("model acquisition failed",
			zap.String("variant", w.opts.Variant),
			zap.Stringer("kind", kind),
			zap.String("error", redact.String(err.Error())),
			zap.Duration("took", took))
		return w.emit(Announcement{Status: StatusError, Message: msg})
	}

	w.predictor = p
	w.setState(StateReady)
	w.tel.RecordLoad(ctx, "ready", took)
	w.log.Info("model ready", zap.String("variant", w.opts.Variant), zap.Duration("took", took))
	return w.emit(Announcement{Status: StatusReady, Message: MsgReady})
}

// acquire resolves the runtime and loads the variant. Any error except an
// unavailable runtime is reported as a load failure.
func (w *Worker) acquire(ctx context.Context) (p model.Predictor, err error) {
	defer func() {
		if r := recover(); r != nil {
			p, err = nil, model.LoadFailedf("%v", r)
		}
	}()

	if w.resolver == nil {
		return nil, model.ErrUnavailable
	}
	loader, err := w.resolver.Resolve()
	if err != nil {
		if model.KindOf(err) == model.KindUnavailable {
			return nil, err
		}
		return nil, asLoadFailure(err)
	}
	if loader == nil {
		return nil, model.ErrUnavailable
	}

	p, err = loader.Load(ctx, w.opts.Variant)
	if err != nil {
		return nil, asLoadFailure(err)
	}
	if p == nil {
		return nil, model.LoadFailedf("loader returned no model for variant %q", w.opts.Variant)
	}
	return p, nil
}

func asLoadFailure(err error) error {
	if model.KindOf(err) == model.KindLoadFailed {
		return err
	}
	return model.LoadFailed(err)
}

type readResult struct {
	line []byte
	err  error
}

// readLoop reads one line per token received on next. The line buffer is
// reused, so a token is only sent once the previous line has been handled.
func readLoop(lines *lineReader, next <-chan struct{}, results chan<- readResult) {
	for range next {
		line, err := lines.Next()
		results <- readResult{line: line, err: err}
	}
}

func (w *Worker) serve(ctx context.Context) error {
	w.setState(StateServing)

	next := make(chan struct{})
	results := make(chan readResult, 1)
	go readLoop(newLineReader(w.in, w.opts.MaxLineBytes), next, results)
	defer close(next)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case next <- struct{}{}:
		}

		var res readResult
		select {
		case <-ctx.Done():
			w.log.Info("canceled while waiting for input")
			return ctx.Err()
		case res = <-results:
		}

		switch {
		case errors.Is(res.err, io.EOF):
			w.setState(StateStopped)
			w.log.Info("input closed, exiting")
			return nil
		case errors.Is(res.err, errLineTooLong):
			w.tel.RecordRequest(ctx, outcomeInvalidJSON, 0)
			w.log.Warn("request line too long", zap.Int("max_line_bytes", w.opts.MaxLineBytes))
			if err := w.emit(Failure{Status: StatusError, Message: MsgInvalidJSON}); err != nil {
				return err
			}
			continue
		case res.err != nil:
			return fmt.Errorf("read request: %w", res.err)
		}

		if err := w.handle(ctx, res.line); err != nil {
			return err
		}
	}
}

// handle processes one line. The returned error is always an output error;
// request failures become response lines.
func (w *Worker) handle(ctx context.Context, line []byte) error {
	if len(bytes.TrimSpace(line)) == 0 {
		return nil
	}

	req, err := decodeRequest(line)
	if err != nil {
		w.tel.RecordRequest(ctx, outcomeInvalidJSON, 0)
		w.log.Debug("invalid request line", zap.Int("bytes", len(line)), zap.Error(err))
		return w.emit(Failure{Status: StatusError, Message: MsgInvalidJSON})
	}

	corrID := uuid.NewString()
	ctx = model.WithCorrelationID(ctx, corrID)
	log := w.log.With(zap.String("correlation_id", corrID))

	if req.Text == "" {
		w.tel.RecordRequest(ctx, outcomeNoText, 0)
		log.Debug("request without text")
		return w.emit(NoText{Error: MsgNoTextProvided, ID: req.ID})
	}

	start := time.Now()
	scores, err := w.score(ctx, req.Text)
	took := time.Since(start)
	if err != nil {
		w.tel.RecordRequest(ctx, outcomePredictError, took)
		log.Warn("prediction failed",
			zap.Stringer("kind", model.KindOf(err)),
			zap.Error(err),
			zap.Duration("took", took))
		return w.emit(Failure{Status: StatusError, Message: err.Error(), ID: req.ID})
	}

	w.tel.RecordRequest(ctx, outcomeOK, took)
	if ce := log.Check(zap.DebugLevel, "request scored"); ce != nil {
		fields := []zap.Field{zap.Int("labels", len(scores)), zap.Duration("took", took)}
		if w.opts.LogText {
			fields = append(fields, zap.String("text", redact.Preview(req.Text)))
		}
		ce.Write(fields...)
	}
	return w.emit(Result{Status: StatusOK, Results: scores, ID: req.ID})
}

// score runs one prediction and coerces the result. Panics from the backend
// are converted to predict failures.
func (w *Worker) score(ctx context.Context, text string) (scores model.ScoreMap, err error) {
	ctx, span := w.tel.StartSpan(ctx, "toxworker.predict",
		attribute.String("model.variant", w.opts.Variant),
		attribute.String("correlation_id", model.CorrelationID(ctx)),
		attribute.Int("text.runes", utf8.RuneCountInString(text)))
	defer span.End()
	defer func() {
		if r := recover(); r != nil {
			scores, err = nil, model.PredictFailedf("%v", r)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, model.KindOf(err).String())
		}
	}()

	raw, err := w.predictor.Predict(ctx, text)
	if err != nil {
		return nil, err
	}
	return model.Coerce(raw)
}

func (w *Worker) emit(v any) error {
	if err := w.enc.Encode(v); err != nil {
		return fmt.Errorf("write response: %w", err)
	}
	if err := w.out.Flush(); err != nil {
		return fmt.Errorf("flush response: %w", err)
	}
	return nil
}
