//go:build !onnx

package embedding

import "errors"

// ONNXConfig configures the ONNX embedder.
type ONNXConfig struct {
	ModelPath   string
	LibraryPath string
	Dimensions  int
}

// NewONNXProvider reports that this binary was built without ONNX support.
func NewONNXProvider(ONNXConfig) (Provider, error) {
	return nil, errors.New("embedding: built without onnx support (rebuild with -tags onnx)")
}
