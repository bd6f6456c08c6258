package model

import (
	"fmt"

	"github.com/Brownie44l1/imgclf-api/internal/preprocess"
)

// LoadedMessage is the payload returned by a pre-load run.
const LoadedMessage = "successfully loaded the model"

type Metadata struct {
	InputShape  []int64  `json:"input_shape" yaml:"input_shape"`
	OutputShape []int64  `json:"output_shape" yaml:"output_shape"`
	Classes     []string `json:"classes" yaml:"classes"`
	ImageSize   int      `json:"image_size,omitempty" yaml:"image_size,omitempty"`
	InputName   string   `json:"input_name,omitempty" yaml:"input_name,omitempty"`
	OutputName  string   `json:"output_name,omitempty" yaml:"output_name,omitempty"`

	Transform *preprocess.Transform `json:"test_transform,omitempty" yaml:"test_transform,omitempty"`
}

func (m *Metadata) Height() int { return int(m.InputShape[2]) }
func (m *Metadata) Width() int  { return int(m.InputShape[3]) }

// InputSize is the number of float32 values of one input tensor.
func (m *Metadata) InputSize() int {
	n := 1
	for _, d := range m.InputShape {
		n *= int(d)
	}
	return n
}

type PredictionRequest struct {
	Image []float32 `json:"image"`
}

type Base64Request struct {
	Image string `json:"image"`
}

type Prediction struct {
	Class       string             `json:"class"`
	Confidence  float32            `json:"confidence"`
	Predictions map[string]float32 `json:"predictions"`
}

// Result is the compact [label, "0.97"] form of the prediction.
func (p *Prediction) Result() []string {
	return []string{p.Class, fmt.Sprintf("%.2f", p.Confidence)}
}

// RunRequest selects the image source of a single run. With PreLoad set no
// source may be given; otherwise exactly one of InputPath and InputImage.
type RunRequest struct {
	PreLoad    bool   `json:"pre_load"`
	InputPath  string `json:"input_path,omitempty"`
	InputImage string `json:"input_image,omitempty"`
}

type RunResult struct {
	Result any `json:"result"`
}
