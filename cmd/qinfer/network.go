package main

import (
	"context"
	"fmt"
	"os"

	"github.com/samcharles93/qinfer/internal/logger"
	"github.com/samcharles93/qinfer/internal/model"
	"github.com/samcharles93/qinfer/internal/parallel"
	"github.com/samcharles93/qinfer/internal/safetensors"
)

// openNetwork resolves the model flags and loads the network. The returned
// file backs the network's tensors and must be closed after use.
func openNetwork(ctx context.Context) (*model.Network, *safetensors.File, string, error) {
	log := logger.FromContext(ctx)

	path, err := resolveModelPath(modelPath, modelsDir, os.Stderr)
	if err != nil {
		return nil, nil, "", err
	}
	f, err := safetensors.Open(path)
	if err != nil {
		return nil, nil, "", fmt.Errorf("open model: %w", err)
	}

	par := parallel.DefaultConfig()
	if workers > 0 {
		par.Workers = workers
	}
	net, err := model.Load(model.FromFile(f), model.WithParallel(par), model.WithLogger(log))
	if err != nil {
		_ = f.Close()
		return nil, nil, "", fmt.Errorf("load %s: %w", path, err)
	}
	log.Debug("model loaded", "path", path, "layers", len(net.Layers), "input", net.Input)
	return net, f, path, nil
}
