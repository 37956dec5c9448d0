package detox

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/straja-ai/toxworker/internal/model"
)

// Model wraps one ONNX session, its tokenizer and label order.
type Model struct {
	session   *ort.AdvancedSession
	tokenizer Tokenizer
	labels    []string
	seqLen    int
	bundleDir string

	inputIDs      *ort.Tensor[int64]
	attentionMask *ort.Tensor[int64]
	tokenTypeIDs  *ort.Tensor[int64]
	output        *ort.Tensor[float32]

	mu sync.Mutex
}

type sessionOptions struct {
	seqLen       int
	intraThreads int
	interThreads int
}

// newModel builds a session over the bundle's model file. The onnxruntime
// environment must already be initialized.
func newModel(bundleDir string, opts sessionOptions) (*Model, error) {
	modelPath, err := modelFile(bundleDir)
	if err != nil {
		return nil, err
	}
	labels, err := loadLabels(bundleDir)
	if err != nil {
		return nil, fmt.Errorf("load labels: %w", err)
	}
	tokenizer, err := LoadTokenizer(bundleDir)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}

	inputs, outputs, err := ort.GetInputOutputInfoWithOptions(modelPath, nil)
	if err != nil {
		return nil, fmt.Errorf("read model io info: %w", err)
	}
	outputName, outputDims, err := selectOutput(outputs)
	if err != nil {
		return nil, err
	}
	if n := len(outputDims); n > 0 && outputDims[n-1] > 0 && int(outputDims[n-1]) != len(labels) {
		return nil, fmt.Errorf("model emits %d logits but bundle lists %d labels", outputDims[n-1], len(labels))
	}

	m := &Model{
		tokenizer: tokenizer,
		labels:    labels,
		seqLen:    opts.seqLen,
		bundleDir: bundleDir,
	}
	if err := m.createSession(modelPath, outputName, hasInput(inputs, "token_type_ids"), opts); err != nil {
		m.Close()
		return nil, err
	}
	return m, nil
}

func (m *Model) createSession(modelPath, outputName string, tokenTypes bool, opts sessionOptions) error {
	so, err := ort.NewSessionOptions()
	if err != nil {
		return fmt.Errorf("create session options: %w", err)
	}
	defer so.Destroy()
	if err := so.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableAll); err != nil {
		return fmt.Errorf("set graph optimization: %w", err)
	}
	if opts.intraThreads > 0 {
		if err := so.SetIntraOpNumThreads(opts.intraThreads); err != nil {
			return fmt.Errorf("set intra threads: %w", err)
		}
	}
	if opts.interThreads > 0 {
		if err := so.SetInterOpNumThreads(opts.interThreads); err != nil {
			return fmt.Errorf("set inter threads: %w", err)
		}
	}

	inputShape := ort.NewShape(1, int64(m.seqLen))
	if m.inputIDs, err = ort.NewEmptyTensor[int64](inputShape); err != nil {
		return fmt.Errorf("allocate input_ids tensor: %w", err)
	}
	if m.attentionMask, err = ort.NewEmptyTensor[int64](inputShape); err != nil {
		return fmt.Errorf("allocate attention_mask tensor: %w", err)
	}
	inputNames := []string{"input_ids", "attention_mask"}
	inputValues := []ort.Value{m.inputIDs, m.attentionMask}
	if tokenTypes {
		if m.tokenTypeIDs, err = ort.NewEmptyTensor[int64](inputShape); err != nil {
			return fmt.Errorf("allocate token_type_ids tensor: %w", err)
		}
		inputNames = append(inputNames, "token_type_ids")
		inputValues = append(inputValues, m.tokenTypeIDs)
	}
	if m.output, err = ort.NewEmptyTensor[float32](ort.NewShape(1, int64(len(m.labels)))); err != nil {
		return fmt.Errorf("allocate output tensor: %w", err)
	}

	m.session, err = ort.NewAdvancedSession(
		modelPath,
		inputNames,
		[]string{outputName},
		inputValues,
		[]ort.Value{m.output},
		so,
	)
	if err != nil {
		return fmt.Errorf("create onnx session: %w", err)
	}
	return nil
}

// Predict tokenizes text, runs the session and returns one sigmoid score
// per label.
func (m *Model) Predict(_ context.Context, text string) (map[string]float32, error) {
	if m == nil || m.session == nil || m.tokenizer == nil {
		return nil, model.PredictFailed(errors.New("detox model not initialized"))
	}

	ids, attn := m.tokenizer.Encode(text, m.seqLen)

	m.mu.Lock()
	defer m.mu.Unlock()

	copy(m.inputIDs.GetData(), ids)
	copy(m.attentionMask.GetData(), attn)
	if m.tokenTypeIDs != nil {
		clear(m.tokenTypeIDs.GetData())
	}
	if err := m.session.Run(); err != nil {
		return nil, model.PredictFailedf("onnx run: %w", err)
	}
	return scoreLogits(m.labels, m.output.GetData()), nil
}

// Labels returns the label order of the model output.
func (m *Model) Labels() []string {
	return append([]string(nil), m.labels...)
}

// BundleDir is the directory the model was loaded from.
func (m *Model) BundleDir() string { return m.bundleDir }

// Close destroys the session and its tensors.
func (m *Model) Close() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []string
	if m.session != nil {
		if err := m.session.Destroy(); err != nil {
			errs = append(errs, "session: "+err.Error())
		}
		m.session = nil
	}
	for name, t := range map[string]*ort.Tensor[int64]{
		"input_ids":      m.inputIDs,
		"attention_mask": m.attentionMask,
		"token_type_ids": m.tokenTypeIDs,
	} {
		if t == nil {
			continue
		}
		if err := t.Destroy(); err != nil {
			errs = append(errs, name+": "+err.Error())
		}
	}
	m.inputIDs, m.attentionMask, m.tokenTypeIDs = nil, nil, nil
	if m.output != nil {
		if err := m.output.Destroy(); err != nil {
			errs = append(errs, "output: "+err.Error())
		}
		m.output = nil
	}
	if len(errs) > 0 {
		return errors.New("destroy detox model: " + strings.Join(errs, "; "))
	}
	return nil
}

// scoreLogits applies the multi-label sigmoid head.
func scoreLogits(labels []string, logits []float32) map[string]float32 {
	scores := make(map[string]float32, len(labels))
	for i, logit := range logits {
		if i >= len(labels) {
			break
		}
		scores[labels[i]] = sigmoid(logit)
	}
	return scores
}

func sigmoid(v float32) float32 {
	return float32(1.0 / (1.0 + math.Exp(-float64(v))))
}

func selectOutput(outputs []ort.InputOutputInfo) (string, []int64, error) {
	if len(outputs) == 0 {
		return "", nil, errors.New("model declares no outputs")
	}
	for _, out := range outputs {
		if strings.EqualFold(out.Name, "logits") {
			return out.Name, out.Dimensions, nil
		}
	}
	if len(outputs) == 1 {
		return outputs[0].Name, outputs[0].Dimensions, nil
	}
	names := make([]string, 0, len(outputs))
	for _, out := range outputs {
		names = append(names, out.Name)
	}
	return "", nil, fmt.Errorf("multiple outputs found without logits: %v", names)
}

func hasInput(inputs []ort.InputOutputInfo, name string) bool {
	for _, in := range inputs {
		if in.Name == name {
			return true
		}
	}
	return false
}
