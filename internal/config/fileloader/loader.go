package fileloader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ahrav/livesync/internal/config"
)

// FileLoader reads a YAML configuration file over config.Default. ${VAR}
// references are expanded from the environment before parsing, and keys the
// Config type does not declare are rejected.
type FileLoader struct {
	path string
}

var _ config.Loader = (*FileLoader)(nil)

// NewFileLoader creates a FileLoader for path.
func NewFileLoader(path string) *FileLoader {
	return &FileLoader{path: path}
}

// Load parses the file. An empty file yields the defaults.
func (l *FileLoader) Load(ctx context.Context) (*config.Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", l.path, err)
	}
	data = []byte(os.ExpandEnv(string(data)))

	cfg := config.Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config file %s: %w", l.path, err)
	}

	return &cfg, nil
}
