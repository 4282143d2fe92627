//go:build onnx

package main

import (
	"github.com/becomeliminal/nim-recall/config"
	"github.com/becomeliminal/nim-recall/memory"
	"github.com/becomeliminal/nim-recall/memory/embedder/onnx"
)

func newONNXEmbedder(cfg *config.Config) (memory.Embedder, func() error, error) {
	e, err := onnx.New(onnx.Config{
		ModelPath:         cfg.Memory.ONNXModelPath,
		TokenizerPath:     cfg.Memory.ONNXTokenizerPath,
		SharedLibraryPath: cfg.Memory.ONNXLibraryPath,
		Dimensions:        cfg.Memory.EmbeddingDimensions,
	})
	if err != nil {
		return nil, nil, err
	}
	return e, e.Close, nil
}
