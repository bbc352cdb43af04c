// Package ollama resolves model names to blobs in a local Ollama store.
package ollama

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
)

const (
	DefaultTag       = "latest"
	DefaultRegistry  = "registry.ollama.ai"
	DefaultNamespace = "library"

	MediaTypeModel   = "application/vnd.ollama.image.model"
	MediaTypeAdapter = "application/vnd.ollama.image.adapter"
)

type Manifest struct {
	SchemaVersion int     `json:"schemaVersion"`
	Layers        []Layer `json:"layers"`
}

type Layer struct {
	MediaType string `json:"mediaType"`
	Digest    string `json:"digest"`
	Size      int64  `json:"size"`
}

// Model is a resolved model: the base GGUF blob and any adapter blobs in
// manifest order.
type Model struct {
	Name     string
	Tag      string
	Path     string
	Adapters []string
}

// Dir returns the Ollama models directory: $OLLAMA_MODELS or
// ~/.ollama/models.
func Dir() (string, error) {
	if env := os.Getenv("OLLAMA_MODELS"); env != "" {
		return env, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".ollama", "models"), nil
}

// ParseName splits "name[:tag]" and prefixes short names with the library
// namespace. "user/model:tag" keeps its namespace.
func ParseName(modelName string) (repo, tag string, err error) {
	name, tag, _ := strings.Cut(modelName, ":")
	if name == "" {
		return "", "", fmt.Errorf("invalid model name %q", modelName)
	}
	if tag == "" {
		tag = DefaultTag
	}
	if !strings.Contains(name, "/") {
		name = DefaultNamespace + "/" + name
	}
	return name, tag, nil
}

// Resolve finds the model and adapter blobs of modelName under dir.
func Resolve(dir, modelName string) (*Model, error) {
	repo, tag, err := ParseName(modelName)
	if err != nil {
		return nil, err
	}
	manifestPath := filepath.Join(dir, "manifests", DefaultRegistry, filepath.FromSlash(repo), tag)
	data, err := os.ReadFile(manifestPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("model manifest not found at %s", manifestPath)
	}
	if err != nil {
		return nil, err
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", manifestPath, err)
	}

	model := &Model{Name: repo, Tag: tag}
	for _, l := range m.Layers {
		switch l.MediaType {
		case MediaTypeModel:
			if model.Path != "" {
				continue
			}
			model.Path, err = blobPath(dir, l.Digest)
		case MediaTypeAdapter:
			var p string
			p, err = blobPath(dir, l.Digest)
			model.Adapters = append(model.Adapters, p)
		}
		if err != nil {
			return nil, err
		}
	}
	if model.Path == "" {
		return nil, fmt.Errorf("no model layer found in manifest")
	}
	return model, nil
}

// ResolveModelPath returns the GGUF blob of modelName in the default store.
func ResolveModelPath(modelName string) (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	m, err := Resolve(dir, modelName)
	if err != nil {
		return "", err
	}
	return m.Path, nil
}

// blobPath maps "sha256:hash" to blobs/sha256-hash and checks it exists.
func blobPath(dir, digest string) (string, error) {
	algo, hash, ok := strings.Cut(digest, ":")
	if !ok || hash == "" {
		return "", fmt.Errorf("invalid digest %q", digest)
	}
	p := filepath.Join(dir, "blobs", algo+"-"+hash)
	if _, err := os.Stat(p); err != nil {
		return "", fmt.Errorf("blob not found at %s", p)
	}
	return p, nil
}
