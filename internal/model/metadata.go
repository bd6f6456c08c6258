package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

var ErrInvalidMetadata = errors.New("invalid metadata")

const (
	defaultInputName  = "input"
	defaultOutputName = "output"
)

// LoadMetadata reads a JSON or YAML metadata file, chosen by extension, and
// validates it.
func LoadMetadata(path string) (*Metadata, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}

	var md Metadata
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(raw, &md)
	default:
		err = json.Unmarshal(raw, &md)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse %s: %v", ErrInvalidMetadata, path, err)
	}

	if err := md.Validate(); err != nil {
		return nil, err
	}
	return &md, nil
}

// Validate checks shapes against the class list and fills default tensor names.
func (m *Metadata) Validate() error {
	if len(m.Classes) == 0 {
		return fmt.Errorf("%w: no classes", ErrInvalidMetadata)
	}

	if len(m.InputShape) != 4 || m.InputShape[0] != 1 || m.InputShape[1] != 3 ||
		m.InputShape[2] <= 0 || m.InputShape[3] <= 0 {
		return fmt.Errorf("%w: input_shape must be [1, 3, H, W], got %v", ErrInvalidMetadata, m.InputShape)
	}

	if len(m.OutputShape) == 0 {
		return fmt.Errorf("%w: empty output_shape", ErrInvalidMetadata)
	}
	n := int64(1)
	for _, d := range m.OutputShape {
		if d <= 0 {
			return fmt.Errorf("%w: output_shape %v", ErrInvalidMetadata, m.OutputShape)
		}
		n *= d
	}
	if n != int64(len(m.Classes)) {
		return fmt.Errorf("%w: output_shape %v holds %d values for %d classes",
			ErrInvalidMetadata, m.OutputShape, n, len(m.Classes))
	}

	if m.ImageSize != 0 && (m.Height() != m.ImageSize || m.Width() != m.ImageSize) {
		return fmt.Errorf("%w: image_size %d does not match input_shape %v",
			ErrInvalidMetadata, m.ImageSize, m.InputShape)
	}

	if err := m.Transform.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}

	if m.InputName == "" {
		m.InputName = defaultInputName
	}
	if m.OutputName == "" {
		m.OutputName = defaultOutputName
	}
	return nil
}
