package checkpoint

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const DefaultExtension = ".ckpt"

var (
	ErrCheckpointNotFound = errors.New("checkpoint not found")
	ErrCheckpointFormat   = errors.New("checkpoint does not contain a recognizable weight mapping")
)

// Ref identifies a checkpoint: its run directory and file name.
type Ref struct {
	RunDir string `json:"run_dir" yaml:"run_dir"`
	Name   string `json:"name" yaml:"name"`
	Path   string `json:"path" yaml:"path"`
}

func (r Ref) String() string {
	return r.Name
}

// List returns the checkpoints in dir with the given extension, ordered
// lexicographically by file name.
func List(runDir, dir, ext string) ([]Ref, error) {
	if ext == "" {
		ext = DefaultExtension
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: weights directory %s", ErrCheckpointNotFound, dir)
		}
		return nil, fmt.Errorf("reading weights directory %s: %w", dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ext {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	refs := make([]Ref, 0, len(names))
	for _, n := range names {
		refs = append(refs, Ref{RunDir: runDir, Name: n, Path: filepath.Join(dir, n)})
	}
	return refs, nil
}

// Resolve returns the named checkpoint in dir. The name must include the
// file extension.
func Resolve(runDir, dir, name string) (Ref, error) {
	if name == "" {
		return Ref{}, fmt.Errorf("%w: checkpoint name required (including file extension)", ErrCheckpointNotFound)
	}
	p := filepath.Join(dir, name)
	info, err := os.Stat(p)
	if err != nil || info.IsDir() {
		return Ref{}, fmt.Errorf("%w: %s is missing, provide the checkpoint name including file extension", ErrCheckpointNotFound, p)
	}
	return Ref{RunDir: runDir, Name: name, Path: p}, nil
}
