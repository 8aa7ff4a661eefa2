// Package registry discovers LoRA adapters on disk.
package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"batchd/internal/common/fsutil"
	"batchd/pkg/types"
)

// adapterExts are the weight file formats accepted as single-file adapters.
var adapterExts = []string{".gguf", ".safetensors", ".bin"}

// peftConfig marks a directory holding a PEFT-style adapter.
const peftConfig = "adapter_config.json"

// LoadDir scans dir for adapters. A weights file becomes an adapter named
// after the file without its extension; a subdirectory containing
// adapter_config.json becomes an adapter named after the directory. IDs are
// assigned from 1 in name order, so they are stable for a given directory.
func LoadDir(dir string) ([]types.Adapter, error) {
	abs, err := fsutil.ResolvePath(dir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}

	var adapters []types.Adapter
	seen := make(map[string]string)
	for _, e := range entries {
		p := filepath.Join(abs, e.Name())
		name, ok := adapterName(e, p)
		if !ok {
			continue
		}
		if prev, dup := seen[name]; dup {
			return nil, fmt.Errorf("adapter %q defined twice: %s and %s", name, prev, p)
		}
		seen[name] = p
		a := types.Adapter{Name: name, ID: len(adapters) + 1, Path: p}
		if info, err := e.Info(); err == nil && !e.IsDir() {
			a.SizeBytes = info.Size()
		}
		adapters = append(adapters, a)
	}
	return adapters, nil
}

func adapterName(e os.DirEntry, path string) (string, bool) {
	name := e.Name()
	if strings.HasPrefix(name, ".") {
		return "", false
	}
	if e.IsDir() {
		if fsutil.PathExists(filepath.Join(path, peftConfig)) {
			return name, true
		}
		return "", false
	}
	ext := strings.ToLower(filepath.Ext(name))
	for _, want := range adapterExts {
		if ext == want {
			return strings.TrimSuffix(name, filepath.Ext(name)), true
		}
	}
	return "", false
}

// Find returns the adapter called name.
func Find(adapters []types.Adapter, name string) (types.Adapter, bool) {
	for _, a := range adapters {
		if a.Name == name {
			return a, true
		}
	}
	return types.Adapter{}, false
}
