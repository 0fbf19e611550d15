package engine

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
)

// DefaultModelFilename is the model shipped with the desktop bundle.
const DefaultModelFilename = "gemma-3-1b-it-Q4_0.gguf"

// ModelFileExtension identifies loadable model files when scanning.
const ModelFileExtension = ".gguf"

// ErrNoModel is returned when no model file can be discovered anywhere.
var ErrNoModel = errors.New("no model file found: set PRIVATE_AI_MODEL_PATH or place a .gguf model in the Models directory")

// preferredModelFilenames are tried by name before falling back to a
// directory scan.
var preferredModelFilenames = []string{DefaultModelFilename}

// DiscoverModels returns every model candidate that exists on disk, in
// resolution order: the explicit override, preferred filenames in the storage
// models directory, preferred filenames in the bundled directory, then any
// file with the model extension in either directory. The caller tries
// candidates in order and aggregates per-candidate failures.
func DiscoverModels(override, storageModelsDir, bundledModelsDir string) ([]string, error) {
	var candidates []string
	seen := make(map[string]bool)

	add := func(path string) {
		if path == "" {
			return
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			abs = path
		}
		if seen[abs] {
			return
		}
		if info, err := os.Stat(abs); err != nil || info.IsDir() {
			return
		}
		seen[abs] = true
		candidates = append(candidates, abs)
	}

	add(override)
	for _, name := range preferredModelFilenames {
		if storageModelsDir != "" {
			add(filepath.Join(storageModelsDir, name))
		}
	}
	for _, name := range preferredModelFilenames {
		if bundledModelsDir != "" {
			add(filepath.Join(bundledModelsDir, name))
		}
	}
	for _, dir := range []string{storageModelsDir, bundledModelsDir} {
		for _, path := range scanModelDir(dir) {
			add(path)
		}
	}

	if len(candidates) == 0 {
		return nil, ErrNoModel
	}
	return candidates, nil
}

func scanModelDir(dir string) []string {
	if dir == "" {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var paths []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if filepath.Ext(entry.Name()) != ModelFileExtension {
			continue
		}
		paths = append(paths, filepath.Join(dir, entry.Name()))
	}
	// ReadDir order is already lexical, but be explicit about determinism.
	sort.Strings(paths)
	return paths
}

var ggufMagic = []byte("GGUF")

// ValidateModelFile performs a cheap sanity check on a candidate: the file
// must be readable and start with the GGUF magic. A truncated or foreign
// file fails here instead of deep inside the runtime.
func ValidateModelFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open model %s: %w", path, err)
	}
	defer f.Close()

	header := make([]byte, len(ggufMagic))
	if _, err := io.ReadFull(f, header); err != nil {
		return fmt.Errorf("read model header %s: %w", path, err)
	}
	if !bytes.Equal(header, ggufMagic) {
		return fmt.Errorf("model %s is not a GGUF file", path)
	}
	return nil
}
