package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/23skdu/longbow-xlora/internal/config"
	"github.com/23skdu/longbow-xlora/internal/gguf"
	"github.com/23skdu/longbow-xlora/internal/logger"
	"github.com/23skdu/longbow-xlora/internal/models"
	"github.com/23skdu/longbow-xlora/internal/ollama"
	"github.com/urfave/cli/v3"
)

func inspectCmd() *cli.Command {
	var path string

	return &cli.Command{
		Name:      "inspect",
		Usage:     "Print the backbone geometry and adapter family of a GGUF or Ollama model",
		ArgsUsage: "<model.gguf|ollama-name>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "model",
				Aliases:     []string{"m"},
				Usage:       "GGUF model file or Ollama model name",
				Destination: &path,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if path == "" {
				path = cmd.Args().First()
			}
			if path == "" {
				return errors.New("a GGUF model path is required")
			}
			f, resolved, err := openModel(path)
			if err != nil {
				return err
			}
			info, err := f.ModelInfo()
			if err != nil {
				return err
			}

			fmt.Printf("file:         %s\n", resolved)
			fmt.Printf("architecture: %s\n", info.Architecture)
			if info.Name != "" {
				fmt.Printf("name:         %s\n", info.Name)
			}
			fmt.Printf("layers:       %d\n", info.Layers)
			fmt.Printf("hidden size:  %d\n", info.HiddenSize)
			fmt.Printf("kv dim:       %d\n", info.KVDim())
			fmt.Printf("tensors:      %d\n", info.TensorCount)
			fmt.Printf("parameters:   %d\n", info.Parameters)
			if m, err := resolveOllama(path); err == nil {
				for i, a := range m.Adapters {
					fmt.Printf("adapter %d:    %s\n", i, a)
				}
			}
			if family, err := models.Lookup(info.Family()); err == nil {
				fmt.Printf("family:       %s (default dtype %s)\n", family.Name, family.DefaultDType)
			} else {
				fmt.Printf("family:       unsupported (%v)\n", err)
			}
			return nil
		},
	}
}

// openModel loads a GGUF header from a file path or, when no such file
// exists, from an Ollama model name.
func openModel(nameOrPath string) (*gguf.File, string, error) {
	path := nameOrPath
	if _, err := os.Stat(path); err != nil {
		resolved, rerr := ollama.ResolveModelPath(nameOrPath)
		if rerr != nil {
			return nil, "", fmt.Errorf("%s: not a file (%v) or Ollama model (%v)", nameOrPath, err, rerr)
		}
		path = resolved
	}
	f, err := gguf.LoadFile(path)
	if err != nil {
		return nil, "", err
	}
	return f, path, nil
}

func resolveOllama(name string) (*ollama.Model, error) {
	dir, err := ollama.Dir()
	if err != nil {
		return nil, err
	}
	return ollama.Resolve(dir, name)
}

// applyGGUF takes the architecture and backbone geometry from a GGUF header.
func applyGGUF(cfg *config.Config, nameOrPath string) (*gguf.File, error) {
	f, path, err := openModel(nameOrPath)
	if err != nil {
		return nil, err
	}
	info, err := f.ModelInfo()
	if err != nil {
		return nil, err
	}
	cfg.Architecture = info.Family()
	cfg.Layers = info.Layers
	cfg.HiddenSize = info.HiddenSize
	cfg.KVDim = info.KVDim()
	logger.Log.Info("Loaded model geometry", "path", path, "family", cfg.Architecture,
		"layers", cfg.Layers, "hidden_size", cfg.HiddenSize, "kv_dim", cfg.KVDim)
	return f, nil
}
