//go:build !onnx

package main

import (
	"fmt"

	"github.com/becomeliminal/nim-recall/config"
	"github.com/becomeliminal/nim-recall/core"
	"github.com/becomeliminal/nim-recall/memory"
)

func newONNXEmbedder(*config.Config) (memory.Embedder, func() error, error) {
	return nil, nil, fmt.Errorf("%w: onnx embeddings need a build with -tags onnx", core.ErrValidation)
}
