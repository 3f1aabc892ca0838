package ollama

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Resolver locates GGUF blobs in a local Ollama model store, so a base model
// can be named "llama3.2" instead of a blob path. The store layout is
// manifests/registry/library/<name>/<tag> pointing at content-addressed
// blobs.
const (
	defaultTag     = "latest"
	defaultRouter  = "registry.ollama.ai"
	mediaTypeModel = "application/vnd.ollama.image.model"
)

type manifest struct {
	SchemaVersion int `json:"schemaVersion"`
	Layers        []struct {
		MediaType string `json:"mediaType"`
		Digest    string `json:"digest"`
		Size      int64  `json:"size"`
	} `json:"layers"`
}

// StoreDir returns the model store root: $OLLAMA_MODELS when set, otherwise
// ~/.ollama/models.
func StoreDir() (string, error) {
	if env := os.Getenv("OLLAMA_MODELS"); env != "" {
		return env, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".ollama", "models"), nil
}

// Resolve maps a model reference ("llama3.2", "llama3.2:instruct") to the
// GGUF blob holding its weights.
func Resolve(ref string) (string, error) {
	name, tag := ref, defaultTag
	if i := strings.IndexByte(ref, ':'); i >= 0 {
		name, tag = ref[:i], ref[i+1:]
	}

	base, err := StoreDir()
	if err != nil {
		return "", err
	}

	manifestPath := filepath.Join(base, "manifests", defaultRouter, "library", name, tag)
	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		return "", fmt.Errorf("ollama: no manifest for %s:%s: %w", name, tag, err)
	}
	var m manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", fmt.Errorf("ollama: manifest %s: %w", manifestPath, err)
	}

	for _, l := range m.Layers {
		if l.MediaType != mediaTypeModel {
			continue
		}
		// "sha256:abcd" addresses blobs/sha256-abcd.
		blob := filepath.Join(base, "blobs", strings.Replace(l.Digest, ":", "-", 1))
		if _, err := os.Stat(blob); err != nil {
			return "", fmt.Errorf("ollama: blob for %s:%s missing: %w", name, tag, err)
		}
		return blob, nil
	}
	return "", fmt.Errorf("ollama: manifest for %s:%s has no model layer", name, tag)
}

// ResolveOrPath treats ref as a filesystem path when one exists, falling back
// to store resolution. CLI entry points accept either form.
func ResolveOrPath(ref string) (string, error) {
	if _, err := os.Stat(ref); err == nil {
		return ref, nil
	}
	return Resolve(ref)
}
