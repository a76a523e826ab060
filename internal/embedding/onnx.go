//go:build onnx

package embedding

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

const onnxSeqLen = 128

// ONNXConfig configures the ONNX embedder.
type ONNXConfig struct {
	// ModelPath is the path to a sentence-transformer model.onnx. A
	// tokenizer.json is expected next to it.
	ModelPath string

	// LibraryPath optionally points at libonnxruntime; otherwise the
	// ONNXRUNTIME_LIB environment variable or the system default is used.
	LibraryPath string

	// Dimensions is the hidden size (384 for all-MiniLM-L6-v2).
	Dimensions int
}

// ONNXProvider runs a BERT-style encoder locally and mean-pools the last
// hidden state.
type ONNXProvider struct {
	mu      sync.Mutex
	session *ort.DynamicAdvancedSession
	vocab   map[string]int64
	dims    int
	model   string
}

// NewONNXProvider loads the model and tokenizer vocabulary.
func NewONNXProvider(cfg ONNXConfig) (Provider, error) {
	if cfg.ModelPath == "" {
		return nil, fmt.Errorf("embedding: onnx model path is required")
	}
	if cfg.Dimensions == 0 {
		cfg.Dimensions = 384
	}

	lib := cfg.LibraryPath
	if lib == "" {
		lib = os.Getenv("ONNXRUNTIME_LIB")
	}
	if lib != "" {
		ort.SetSharedLibraryPath(lib)
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("embedding: failed to initialize onnx runtime: %w", err)
		}
	}

	vocab, err := loadVocab(filepath.Join(filepath.Dir(cfg.ModelPath), "tokenizer.json"))
	if err != nil {
		return nil, fmt.Errorf("embedding: failed to load tokenizer: %w", err)
	}

	session, err := ort.NewDynamicAdvancedSession(cfg.ModelPath,
		[]string{"input_ids", "attention_mask", "token_type_ids"},
		[]string{"last_hidden_state"},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("embedding: failed to create onnx session: %w", err)
	}

	return &ONNXProvider{
		session: session,
		vocab:   vocab,
		dims:    cfg.Dimensions,
		model:   "onnx:" + filepath.Base(filepath.Dir(cfg.ModelPath)),
	}, nil
}

// Embed tokenizes, runs inference and returns the unit-length mean pool.
func (e *ONNXProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ids := make([]int64, onnxSeqLen)
	mask := make([]int64, onnxSeqLen)
	typeIDs := make([]int64, onnxSeqLen)

	tokens := e.tokenize(text)
	if len(tokens) > onnxSeqLen-2 {
		tokens = tokens[:onnxSeqLen-2]
	}
	ids[0], mask[0] = 101, 1 // [CLS]
	for i, tok := range tokens {
		ids[i+1], mask[i+1] = tok, 1
	}
	ids[len(tokens)+1], mask[len(tokens)+1] = 102, 1 // [SEP]

	shape := ort.NewShape(1, onnxSeqLen)
	var inputs []ort.Value
	for _, data := range [][]int64{ids, mask, typeIDs} {
		t, err := ort.NewTensor(shape, data)
		if err != nil {
			return nil, fmt.Errorf("embedding: failed to create tensor: %w", err)
		}
		defer t.Destroy()
		inputs = append(inputs, t)
	}

	outputs := []ort.Value{nil}
	e.mu.Lock()
	err := e.session.Run(inputs, outputs)
	e.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("embedding: onnx inference failed: %w", err)
	}
	defer func() {
		for _, o := range outputs {
			if o != nil {
				o.Destroy()
			}
		}
	}()

	out, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("embedding: unexpected onnx output type")
	}
	data, outShape := out.GetData(), out.GetShape()
	if len(outShape) != 3 || outShape[2] != int64(e.dims) {
		return nil, fmt.Errorf("embedding: unexpected onnx output shape %v", outShape)
	}

	vec := make([]float32, e.dims)
	var attended float32
	for i := 0; i < int(outShape[1]); i++ {
		if mask[i] == 0 {
			continue
		}
		attended++
		row := data[i*e.dims : (i+1)*e.dims]
		for j, v := range row {
			vec[j] += v
		}
	}
	for j := range vec {
		vec[j] /= attended
	}
	Normalize(vec)
	return vec, nil
}

// tokenize performs lower-cased greedy WordPiece.
func (e *ONNXProvider) tokenize(text string) []int64 {
	var out []int64
	for _, word := range strings.Fields(strings.ToLower(text)) {
		word = strings.Trim(word, ".,!?;:\"'()[]")
		if word == "" {
			continue
		}
		if id, ok := e.vocab[word]; ok {
			out = append(out, id)
			continue
		}
		for start := 0; start < len(word); {
			end, found := len(word), false
			for ; end > start; end-- {
				piece := word[start:end]
				if start > 0 {
					piece = "##" + piece
				}
				if id, ok := e.vocab[piece]; ok {
					out = append(out, id)
					found = true
					break
				}
			}
			if !found {
				out = append(out, 100) // [UNK]
				break
			}
			start = end
		}
	}
	return out
}

// Dimensions returns the hidden size.
func (e *ONNXProvider) Dimensions() int { return e.dims }

// Model returns an identifier derived from the model directory.
func (e *ONNXProvider) Model() string { return e.model }

// Close releases the session.
func (e *ONNXProvider) Close() error {
	return e.session.Destroy()
}

func loadVocab(path string) (map[string]int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc struct {
		Model struct {
			Vocab map[string]int64 `json:"vocab"`
		} `json:"model"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if len(doc.Model.Vocab) == 0 {
		return nil, fmt.Errorf("empty vocabulary in %s", path)
	}
	return doc.Model.Vocab, nil
}
