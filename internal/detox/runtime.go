// Package detox is the ONNX Runtime backed Model Handle: it locates the
// onnxruntime shared library, resolves a Detoxify variant bundle on disk and
// serves multi-label toxicity scores.
package detox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"

	"github.com/straja-ai/toxworker/internal/model"
	"github.com/straja-ai/toxworker/internal/redact"
)

// LibraryEnv overrides shared library discovery.
const LibraryEnv = "ONNXRUNTIME_SHARED_LIBRARY_PATH"

const defaultSeqLen = 256

// Options configures bundle resolution and sessions.
type Options struct {
	ModelsDir       string
	RuntimeLibrary  string
	SeqLen          int
	IntraThreads    int
	InterThreads    int
	VerifyIntegrity bool
	WarmupText      string
}

// Runtime implements model.Resolver and model.Loader over onnxruntime.
type Runtime struct {
	opts        Options
	log         *zap.Logger
	initialized bool
}

// NewRuntime returns a Runtime. A nil logger discards logs.
func NewRuntime(opts Options, logger *zap.Logger) *Runtime {
	if opts.SeqLen <= 0 {
		opts.SeqLen = defaultSeqLen
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runtime{opts: opts, log: logger}
}

// Resolve locates the shared library and initializes the onnxruntime
// environment. A missing library yields model.ErrUnavailable.
func (r *Runtime) Resolve() (model.Loader, error) {
	lib := resolveSharedLibraryPath(r.opts.RuntimeLibrary, r.opts.ModelsDir)
	if lib == "" {
		return nil, model.Unavailable(fmt.Errorf("onnxruntime shared library not found; set %s or install the runtime", LibraryEnv))
	}
	r.log.Info("onnxruntime library resolved", zap.String("path", lib))

	if !ort.IsInitialized() {
		ort.SetSharedLibraryPath(lib)
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, model.LoadFailedf("initialize onnxruntime: %w", err)
		}
		r.initialized = true
	}
	return r, nil
}

// Load resolves the variant bundle and builds its session. When state.json
// names a previous version it is tried after the current one fails.
func (r *Runtime) Load(ctx context.Context, variant string) (model.Predictor, error) {
	candidates, err := BundleCandidates(r.opts.ModelsDir, variant)
	if err != nil {
		return nil, model.LoadFailed(err)
	}

	var failures []string
	for i, dir := range candidates {
		start := time.Now()
		m, err := r.loadBundle(ctx, dir)
		if err != nil {
			r.log.Warn("model bundle rejected",
				zap.String("variant", variant),
				zap.String("dir", dir),
				zap.String("error", redact.String(err.Error())))
			failures = append(failures, err.Error())
			continue
		}
		if i > 0 {
			r.log.Warn("serving previous bundle version", zap.String("variant", variant), zap.String("dir", dir))
		}
		r.log.Info("model bundle loaded",
			zap.String("variant", variant),
			zap.String("dir", dir),
			zap.Int("labels", len(m.labels)),
			zap.Int("seq_len", m.seqLen),
			zap.Duration("took", time.Since(start)))
		return m, nil
	}
	return nil, model.LoadFailed(errors.New(strings.Join(failures, "; ")))
}

func (r *Runtime) loadBundle(ctx context.Context, dir string) (*Model, error) {
	if r.opts.VerifyIntegrity {
		if err := VerifyBundle(dir); err != nil {
			return nil, fmt.Errorf("verify bundle: %w", err)
		}
	}
	m, err := newModel(dir, sessionOptions{
		seqLen:       r.opts.SeqLen,
		intraThreads: r.opts.IntraThreads,
		interThreads: r.opts.InterThreads,
	})
	if err != nil {
		return nil, err
	}
	if sample := strings.TrimSpace(r.opts.WarmupText); sample != "" {
		if _, err := m.Predict(ctx, sample); err != nil {
			m.Close()
			return nil, fmt.Errorf("warmup: %w", err)
		}
	}
	return m, nil
}

// Close tears down the onnxruntime environment if Resolve created it.
func (r *Runtime) Close() error {
	if !r.initialized {
		return nil
	}
	r.initialized = false
	return ort.DestroyEnvironment()
}

// resolveSharedLibraryPath returns the onnxruntime library to load. An
// explicit path (config, then env) must exist; otherwise common names are
// probed in the models dir and system library dirs.
func resolveSharedLibraryPath(explicit, modelsDir string) string {
	for _, p := range []string{explicit, os.Getenv(LibraryEnv)} {
		if p = strings.TrimSpace(p); p == "" {
			continue
		}
		if _, err := os.Stat(p); err != nil {
			return ""
		}
		return p
	}

	names := []string{
		"libonnxruntime.so",
		"onnxruntime.so",
		"libonnxruntime.dylib",
		"onnxruntime.dylib",
		"onnxruntime.dll",
	}
	dirs := []string{
		modelsDir,
		filepath.Join(modelsDir, "lib"),
		".",
		"/opt/homebrew/lib",
		"/usr/local/lib",
		"/usr/lib",
	}
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		for _, name := range names {
			candidate := filepath.Join(dir, name)
			if _, err := os.Stat(candidate); err == nil {
				return candidate
			}
		}
	}
	return ""
}
