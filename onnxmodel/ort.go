package onnxmodel

import (
	"fmt"
	"os"
	"sync"

	"github.com/charmbracelet/log"
	ort "github.com/yalue/onnxruntime_go"
)

var (
	ortInitOnce sync.Once
	ortInitErr  error
)

// InitRuntime initializes the ONNX Runtime environment exactly once per
// process. The shared library path is taken from
// ONNXRUNTIME_SHARED_LIBRARY_PATH when set, otherwise from libPathHint, and
// otherwise left to onnxruntime_go's own platform default search.
func InitRuntime(libPathHint string) error {
	ortInitOnce.Do(func() {
		libPath := os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH")
		if libPath == "" {
			libPath = libPathHint
		}
		if libPath != "" {
			if _, err := os.Stat(libPath); err == nil {
				ort.SetSharedLibraryPath(libPath)
			} else {
				log.Warn("onnx runtime library hint not found, falling back to default search", "path", libPath)
			}
		}
		ortInitErr = ort.InitializeEnvironment()
	})
	return ortInitErr
}

// ORTModel adapts a single ONNX Runtime session to the Model contract. It
// is safe for concurrent Predict calls: a mutex held for the whole of each
// Predict (tensor creation, session Run and output copying) serializes
// them.
type ORTModel struct {
	name        string
	session     *ort.DynamicAdvancedSession
	inputNames  []string
	outputNames []string
	mu          sync.Mutex
}

// NewORTModel loads modelPath and inspects its declared input/output names,
// mirroring the teacher's SpeakerEncoder.loadModel discovery pattern.
func NewORTModel(name, modelPath string) (*ORTModel, error) {
	if err := InitRuntime(""); err != nil {
		return nil, fmt.Errorf("onnx runtime init: %w", err)
	}

	inputInfo, outputInfo, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, fmt.Errorf("model %s: failed to read input/output info: %w", name, err)
	}

	inputNames := make([]string, len(inputInfo))
	for i, info := range inputInfo {
		inputNames[i] = info.Name
	}
	outputNames := make([]string, len(outputInfo))
	for i, info := range outputInfo {
		outputNames[i] = info.Name
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("model %s: session options: %w", name, err)
	}
	defer options.Destroy()

	session, err := ort.NewDynamicAdvancedSession(modelPath, inputNames, outputNames, options)
	if err != nil {
		return nil, fmt.Errorf("model %s: session create: %w", name, err)
	}

	log.Debug("onnx model loaded", "name", name, "inputs", inputNames, "outputs", outputNames)

	return &ORTModel{
		name:        name,
		session:     session,
		inputNames:  inputNames,
		outputNames: outputNames,
	}, nil
}

func (m *ORTModel) Name() string { return m.name }

// Predict runs one named-tensor input through the session. Tensor order
// follows the names discovered at load time; Predict returns ModelShape-
// flavored errors (via the caller's wrapping) when inputs disagree.
func (m *ORTModel) Predict(inputs TensorMap) (TensorMap, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ortInputs := make([]ort.Value, len(m.inputNames))
	for i, name := range m.inputNames {
		t, ok := inputs[name]
		if !ok {
			return nil, fmt.Errorf("model %s: missing input %q", m.name, name)
		}
		shape := ort.NewShape(t.Shape...)
		tensor, err := ort.NewTensor(shape, t.Data)
		if err != nil {
			return nil, fmt.Errorf("model %s: input %q: %w", m.name, name, err)
		}
		defer tensor.Destroy()
		ortInputs[i] = tensor
	}

	outputs := make([]ort.Value, len(m.outputNames))
	if err := m.session.Run(ortInputs, outputs); err != nil {
		return nil, fmt.Errorf("model %s: inference failed: %w", m.name, err)
	}
	defer func() {
		for _, o := range outputs {
			if o != nil {
				o.Destroy()
			}
		}
	}()

	result := make(TensorMap, len(outputs))
	for i, name := range m.outputNames {
		out, ok := outputs[i].(*ort.Tensor[float32])
		if !ok {
			return nil, fmt.Errorf("model %s: output %q: unsupported tensor type", m.name, name)
		}
		data := out.GetData()
		cp := make([]float32, len(data))
		copy(cp, data)
		shape := out.GetShape()
		shapeCp := make([]int64, len(shape))
		copy(shapeCp, shape)
		result[name] = &Tensor{Shape: shapeCp, Data: cp}
	}
	return result, nil
}

// BatchPredict runs each batch item sequentially through the session. The
// onnxruntime_go DynamicAdvancedSession does not expose a native ragged
// batch call for variable-length audio windows, so this satisfies
// BatchModel without pretending to a single fused native call; RunBatch's
// fallback would do exactly this anyway, this just names it explicitly.
func (m *ORTModel) BatchPredict(batches []TensorMap) ([]TensorMap, error) {
	out := make([]TensorMap, len(batches))
	for i, b := range batches {
		o, err := m.Predict(b)
		if err != nil {
			return nil, fmt.Errorf("model %s: batch item %d: %w", m.name, i, err)
		}
		out[i] = o
	}
	return out, nil
}

func (m *ORTModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session != nil {
		m.session.Destroy()
		m.session = nil
	}
	return nil
}
