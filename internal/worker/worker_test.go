package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/straja-ai/toxworker/internal/model"
	"github.com/straja-ai/toxworker/internal/redact"
)

const (
	lineLoading     = `{"status":"loading","message":"Loading Detoxify model..."}`
	lineReady       = `{"status":"ready","message":"Model loaded"}`
	lineUnavailable = `{"status":"error","message":"Module 'detoxify' not found. Run: pip install detoxify"}`
	lineInvalid     = `{"status":"error","message":"Invalid JSON input"}`
)

type stubPredictor struct {
	calls  []string
	scores map[string]float32
	err    error
	panic  any
	closed bool
}

func (s *stubPredictor) Predict(ctx context.Context, text string) (map[string]float32, error) {
	s.calls = append(s.calls, text)
	if s.panic != nil {
		panic(s.panic)
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.scores, nil
}

func (s *stubPredictor) Close() error {
	s.closed = true
	return nil
}

func readyResolver(p model.Predictor) model.Resolver {
	return model.ResolverFunc(func() (model.Loader, error) {
		return model.LoaderFunc(func(context.Context, string) (model.Predictor, error) {
			return p, nil
		}), nil
	})
}

func runWorker(t *testing.T, resolver model.Resolver, input string, opts Options) (*Worker, []string) {
	t.Helper()
	var out bytes.Buffer
	w := New(resolver, strings.NewReader(input), &out, opts)
	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	return w, splitLines(out.String())
}

func splitLines(s string) []string {
	s = strings.TrimSuffix(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

func assertLines(t *testing.T, got []string, want ...string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected %d lines, got %d:\n%s", len(want), len(got), strings.Join(got, "\n"))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("line %d:\n got  %s\n want %s", i, got[i], want[i])
		}
	}
}

func TestRun_ServesMixedStream(t *testing.T) {
	p := &stubPredictor{scores: map[string]float32{"toxicity": 0.01}}
	input := "{\"text\":\"hello\",\"id\":1}\n\n{\"text\":\"\"}\nnot json\n"

	w, lines := runWorker(t, readyResolver(p), input, Options{})
	assertLines(t, lines,
		lineLoading,
		lineReady,
		`{"status":"ok","results":{"toxicity":0.01},"id":1}`,
		`{"error":"No text provided","id":null}`,
		lineInvalid,
	)
	if len(p.calls) != 1 || p.calls[0] != "hello" {
		t.Fatalf("expected one predict call with hello, got %v", p.calls)
	}
	if w.State() != StateStopped {
		t.Fatalf("expected stopped state, got %s", w.State())
	}
}

func TestRun_EchoesIDs(t *testing.T) {
	p := &stubPredictor{scores: map[string]float32{"insult": 0.5}}
	input := strings.Join([]string{
		`{"text":"a","id":"abc"}`,
		`{"text":"b"}`,
		`{"text":"c","id":null}`,
		`{"text":"d","id":{"k":[1,2]}}`,
		`{"text":"","id":7}`,
	}, "\n") + "\n"

	_, lines := runWorker(t, readyResolver(p), input, Options{})
	assertLines(t, lines,
		lineLoading,
		lineReady,
		`{"status":"ok","results":{"insult":0.5},"id":"abc"}`,
		`{"status":"ok","results":{"insult":0.5},"id":null}`,
		`{"status":"ok","results":{"insult":0.5},"id":null}`,
		`{"status":"ok","results":{"insult":0.5},"id":{"k":[1,2]}}`,
		`{"error":"No text provided","id":7}`,
	)
}

func TestRun_ResponsesInInputOrder(t *testing.T) {
	p := &stubPredictor{scores: map[string]float32{"toxicity": 0.25}}
	var b strings.Builder
	for i := 0; i < 50; i++ {
		b.WriteString(`{"text":"x","id":`)
		b.WriteString(strings.Repeat("1", i+1))
		b.WriteString("}\n")
	}

	_, lines := runWorker(t, readyResolver(p), b.String(), Options{})
	lines = lines[2:]
	if len(lines) != 50 {
		t.Fatalf("expected 50 responses, got %d", len(lines))
	}
	for i, line := range lines {
		var resp struct {
			ID json.Number `json:"id"`
		}
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			t.Fatalf("decode %q: %v", line, err)
		}
		if string(resp.ID) != strings.Repeat("1", i+1) {
			t.Fatalf("response %d carries id %s", i, resp.ID)
		}
	}
}

func TestRun_BlankLinesProduceNothing(t *testing.T) {
	p := &stubPredictor{scores: map[string]float32{"toxicity": 0.1}}
	_, lines := runWorker(t, readyResolver(p), "\n   \n\t\r\n\n", Options{})
	assertLines(t, lines, lineLoading, lineReady)
	if len(p.calls) != 0 {
		t.Fatalf("predict should not run for blank lines, got %v", p.calls)
	}
}

func TestRun_FinalLineWithoutNewline(t *testing.T) {
	p := &stubPredictor{scores: map[string]float32{"toxicity": 0.1}}
	_, lines := runWorker(t, readyResolver(p), `{"text":"last","id":9}`, Options{})
	assertLines(t, lines, lineLoading, lineReady, `{"status":"ok","results":{"toxicity":0.1},"id":9}`)
}

func TestRun_InvalidInputs(t *testing.T) {
	cases := []string{
		`not json`,
		`{"text": "unterminated`,
		`[1,2,3]`,
		`"just a string"`,
		`null`,
		`42`,
		`{"text": 5}`,
		`{"text": 0}`,
		`{"text": false}`,
		`{"text": []}`,
		`{"text": ["a"]}`,
		`{"text":"a"} trailing`,
	}
	for _, in := range cases {
		t.Run(in, func(t *testing.T) {
			p := &stubPredictor{scores: map[string]float32{"toxicity": 0.1}}
			_, lines := runWorker(t, readyResolver(p), in+"\n", Options{})
			assertLines(t, lines, lineLoading, lineReady, lineInvalid)
			if len(p.calls) != 0 {
				t.Fatalf("predict should not run, got %v", p.calls)
			}
		})
	}
}

func TestRun_MissingTextIsNoText(t *testing.T) {
	p := &stubPredictor{scores: map[string]float32{"toxicity": 0.1}}
	_, lines := runWorker(t, readyResolver(p), `{"id":"x"}`+"\n"+`{}`+"\n", Options{})
	assertLines(t, lines,
		lineLoading,
		lineReady,
		`{"error":"No text provided","id":"x"}`,
		`{"error":"No text provided","id":null}`,
	)
}

func TestRun_KeysAreCaseSensitive(t *testing.T) {
	p := &stubPredictor{scores: map[string]float32{"toxicity": 0.1}}
	input := strings.Join([]string{
		`{"Text":"hello"}`,
		`{"text":"","TEXT":"boom"}`,
		`{"text":"x","ID":9}`,
	}, "\n") + "\n"

	_, lines := runWorker(t, readyResolver(p), input, Options{})
	assertLines(t, lines,
		lineLoading,
		lineReady,
		`{"error":"No text provided","id":null}`,
		`{"error":"No text provided","id":null}`,
		`{"status":"ok","results":{"toxicity":0.1},"id":null}`,
	)
	if len(p.calls) != 1 || p.calls[0] != "x" {
		t.Fatalf("expected only the lowercase text to be scored, got %v", p.calls)
	}
}

func TestRun_OversizedLineThenContinues(t *testing.T) {
	p := &stubPredictor{scores: map[string]float32{"toxicity": 0.1}}
	big := `{"text":"` + strings.Repeat("a", 200) + `"}`
	input := big + "\n" + `{"text":"ok","id":1}` + "\n"

	_, lines := runWorker(t, readyResolver(p), input, Options{MaxLineBytes: 64})
	assertLines(t, lines,
		lineLoading,
		lineReady,
		lineInvalid,
		`{"status":"ok","results":{"toxicity":0.1},"id":1}`,
	)
	if len(p.calls) != 1 || p.calls[0] != "ok" {
		t.Fatalf("expected only the second request to be scored, got %v", p.calls)
	}
}

func TestRun_PredictErrors(t *testing.T) {
	p := &stubPredictor{err: errors.New("tensor shape mismatch")}
	input := `{"text":"a","id":"abc"}` + "\n" + `{"text":"b"}` + "\n"

	_, lines := runWorker(t, readyResolver(p), input, Options{})
	assertLines(t, lines,
		lineLoading,
		lineReady,
		`{"status":"error","message":"tensor shape mismatch","id":"abc"}`,
		`{"status":"error","message":"tensor shape mismatch"}`,
	)
}

func TestRun_PanickingPredictorRecovers(t *testing.T) {
	p := &stubPredictor{panic: "index out of range"}
	input := `{"text":"a","id":2}` + "\n" + `{"text":"b","id":3}` + "\n"

	_, lines := runWorker(t, readyResolver(p), input, Options{})
	assertLines(t, lines,
		lineLoading,
		lineReady,
		`{"status":"error","message":"index out of range","id":2}`,
		`{"status":"error","message":"index out of range","id":3}`,
	)
	if len(p.calls) != 2 {
		t.Fatalf("expected the loop to keep serving, got %d calls", len(p.calls))
	}
}

func TestRun_NonFiniteScoreIsError(t *testing.T) {
	p := &stubPredictor{scores: map[string]float32{"toxicity": float32(math.NaN())}}

	_, lines := runWorker(t, readyResolver(p), `{"text":"a","id":1}`+"\n", Options{})
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %v", lines)
	}
	var resp Failure
	if err := json.Unmarshal([]byte(lines[2]), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != StatusError || !strings.Contains(resp.Message, `"toxicity"`) || string(resp.ID) != "1" {
		t.Fatalf("unexpected failure response: %s", lines[2])
	}
}

func TestRun_NoHTMLEscaping(t *testing.T) {
	p := &stubPredictor{err: errors.New("bad <input> & more")}
	_, lines := runWorker(t, readyResolver(p), `{"text":"a"}`+"\n", Options{})
	assertLines(t, lines, lineLoading, lineReady, `{"status":"error","message":"bad <input> & more"}`)
}

func TestRun_StartupFailures(t *testing.T) {
	cases := []struct {
		name     string
		resolver model.Resolver
		want     string
	}{
		{
			name: "unavailable",
			resolver: model.ResolverFunc(func() (model.Loader, error) {
				return nil, model.Unavailable(errors.New("libonnxruntime.so missing"))
			}),
			want: lineUnavailable,
		},
		{
			name:     "nil resolver",
			resolver: nil,
			want:     lineUnavailable,
		},
		{
			name: "load failed",
			resolver: model.ResolverFunc(func() (model.Loader, error) {
				return model.LoaderFunc(func(context.Context, string) (model.Predictor, error) {
					return nil, errors.New("disk full")
				}), nil
			}),
			want: `{"status":"error","message":"Failed to load model: disk full"}`,
		},
		{
			name: "resolve failed otherwise",
			resolver: model.ResolverFunc(func() (model.Loader, error) {
				return nil, errors.New("environment init failed")
			}),
			want: `{"status":"error","message":"Failed to load model: environment init failed"}`,
		},
		{
			name: "loader returns nothing",
			resolver: model.ResolverFunc(func() (model.Loader, error) {
				return model.LoaderFunc(func(context.Context, string) (model.Predictor, error) {
					return nil, nil
				}), nil
			}),
			want: `{"status":"error","message":"Failed to load model: loader returned no model for variant \"multilingual\""}`,
		},
		{
			name: "loader panics",
			resolver: model.ResolverFunc(func() (model.Loader, error) {
				return model.LoaderFunc(func(context.Context, string) (model.Predictor, error) {
					panic("corrupt weights")
				}), nil
			}),
			want: `{"status":"error","message":"Failed to load model: corrupt weights"}`,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w, lines := runWorker(t, tc.resolver, `{"text":"never served","id":1}`+"\n", Options{})
			assertLines(t, lines, lineLoading, tc.want)
			if w.State() != StateFailed {
				t.Fatalf("expected failed state, got %s", w.State())
			}
		})
	}
}

func TestRun_LoadsRequestedVariantOnce(t *testing.T) {
	p := &stubPredictor{scores: map[string]float32{"toxicity": 0.1}}
	var variants []string
	resolves := 0
	resolver := model.ResolverFunc(func() (model.Loader, error) {
		resolves++
		return model.LoaderFunc(func(_ context.Context, variant string) (model.Predictor, error) {
			variants = append(variants, variant)
			return p, nil
		}), nil
	})

	runWorker(t, resolver, `{"text":"a"}`+"\n"+`{"text":"b"}`+"\n", Options{})
	if resolves != 1 || len(variants) != 1 || variants[0] != model.DefaultVariant {
		t.Fatalf("expected one load of %q, got resolves=%d variants=%v", model.DefaultVariant, resolves, variants)
	}

	variants = nil
	runWorker(t, resolver, "", Options{Variant: "original"})
	if len(variants) != 1 || variants[0] != "original" {
		t.Fatalf("expected variant original, got %v", variants)
	}
}

func TestRun_CorrelationIDPerRequest(t *testing.T) {
	var ids []string
	p := model.PredictorFunc(func(ctx context.Context, text string) (map[string]float32, error) {
		ids = append(ids, model.CorrelationID(ctx))
		return map[string]float32{"toxicity": 0.1}, nil
	})

	runWorker(t, readyResolver(p), `{"text":"a"}`+"\n"+`{"text":"b"}`+"\n", Options{})
	if len(ids) != 2 || ids[0] == "" || ids[1] == "" || ids[0] == ids[1] {
		t.Fatalf("expected two distinct correlation ids, got %v", ids)
	}
}

func TestRun_Close(t *testing.T) {
	p := &stubPredictor{scores: map[string]float32{"toxicity": 0.1}}
	w, _ := runWorker(t, readyResolver(p), "", Options{})
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !p.closed {
		t.Fatal("expected predictor to be closed")
	}

	failed, _ := runWorker(t, nil, "", Options{})
	if err := failed.Close(); err != nil {
		t.Fatalf("Close after failed startup: %v", err)
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, io.ErrClosedPipe }

func TestRun_WriteFailureEndsRun(t *testing.T) {
	p := &stubPredictor{scores: map[string]float32{"toxicity": 0.1}}
	w := New(readyResolver(p), strings.NewReader(`{"text":"a"}`+"\n"), failingWriter{}, Options{})
	err := w.Run(context.Background())
	if !errors.Is(err, io.ErrClosedPipe) {
		t.Fatalf("expected closed pipe error, got %v", err)
	}
	if len(p.calls) != 0 {
		t.Fatalf("nothing should be served after the loading line fails, got %v", p.calls)
	}
}

type failingReader struct{ err error }

func (r failingReader) Read([]byte) (int, error) { return 0, r.err }

func TestRun_ReadFailureEndsRun(t *testing.T) {
	boom := errors.New("stdin reset")
	p := &stubPredictor{scores: map[string]float32{"toxicity": 0.1}}
	var out bytes.Buffer
	w := New(readyResolver(p), failingReader{err: boom}, &out, Options{})
	if err := w.Run(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected read error, got %v", err)
	}
	assertLines(t, splitLines(out.String()), lineLoading, lineReady)
}

func TestRun_CanceledContext(t *testing.T) {
	p := &stubPredictor{scores: map[string]float32{"toxicity": 0.1}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var out bytes.Buffer
	w := New(readyResolver(p), strings.NewReader(`{"text":"a"}`+"\n"), &out, Options{})
	if err := w.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
	if len(p.calls) != 0 {
		t.Fatalf("no request should be served, got %v", p.calls)
	}
}

// blockingReadReader closes waiting when the second Read starts, which on a
// pipe with one line written is the read that blocks.
type blockingReadReader struct {
	r       io.Reader
	calls   int
	waiting chan struct{}
}

func (b *blockingReadReader) Read(p []byte) (int, error) {
	b.calls++
	if b.calls == 2 {
		close(b.waiting)
	}
	return b.r.Read(p)
}

func TestRun_CancelUnblocksWaitingRead(t *testing.T) {
	p := &stubPredictor{scores: map[string]float32{"toxicity": 0.1}}
	pr, pw := io.Pipe()
	defer pw.Close()
	go func() {
		_, _ = io.WriteString(pw, `{"text":"first","id":1}`+"\n")
	}()
	in := &blockingReadReader{r: pr, waiting: make(chan struct{})}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var out bytes.Buffer
	w := New(readyResolver(p), in, &out, Options{})

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	select {
	case <-in.waiting:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never waited for a second line")
	}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run still blocked on input after cancel")
	}
	assertLines(t, splitLines(out.String()),
		lineLoading,
		lineReady,
		`{"status":"ok","results":{"toxicity":0.1},"id":1}`,
	)
}

func TestStateString(t *testing.T) {
	if StateServing.String() != "serving" || State(99).String() != "state(99)" {
		t.Fatalf("unexpected state names: %s %s", StateServing, State(99))
	}
}

func TestRun_LogsPreviewOnlyWhenEnabled(t *testing.T) {
	const text = "this request text is long enough to be cut"
	p := &stubPredictor{scores: map[string]float32{"toxicity": 0.1}}

	for _, logText := range []bool{false, true} {
		core, logs := observer.New(zapcore.DebugLevel)
		runWorker(t, readyResolver(p), `{"text":"`+text+`"}`+"\n", Options{Logger: zap.New(core), LogText: logText})

		scored := logs.FilterMessage("request scored").All()
		if len(scored) != 1 {
			t.Fatalf("expected one scored entry, got %d", len(scored))
		}
		fields := scored[0].ContextMap()
		if id, _ := fields["correlation_id"].(string); id == "" {
			t.Fatalf("expected correlation id in %v", fields)
		}
		got, present := fields["text"]
		if present != logText {
			t.Fatalf("log_text=%v but text field present=%v", logText, present)
		}
		if logText && got != redact.Preview(text) {
			t.Fatalf("expected preview %q, got %v", redact.Preview(text), got)
		}
		for _, entry := range logs.All() {
			for _, v := range entry.ContextMap() {
				if s, ok := v.(string); ok && s == text {
					t.Fatalf("raw text logged in %q", entry.Message)
				}
			}
		}
	}
}
