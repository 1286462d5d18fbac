package inference

import (
	"fmt"
	"io"
	"os"

	ort "github.com/yalue/onnxruntime_go"
)

// TensorInfo describes one declared model input or output. Dynamic
// dimensions are negative.
type TensorInfo struct {
	Name  string
	Shape []int64
	Type  string
}

// ModelInfo is what a model file declares about itself.
type ModelInfo struct {
	Path        string
	Inputs      []TensorInfo
	Outputs     []TensorInfo
	Producer    string
	Version     int64
	Description string
}

// Describe reads a model's declared inputs, outputs and metadata without
// creating a session. The runtime must be initialized.
func Describe(path string) (*ModelInfo, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, &ModelLoadError{Path: path, Err: err}
	}
	inputs, outputs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return nil, &ModelLoadError{Path: path, Err: err}
	}

	info := &ModelInfo{
		Path:    path,
		Inputs:  tensorInfos(inputs),
		Outputs: tensorInfos(outputs),
	}

	// Metadata is optional; many exports leave it empty.
	if md, err := ort.GetModelMetadata(path); err == nil {
		if v, err := md.GetProducerName(); err == nil {
			info.Producer = v
		}
		if v, err := md.GetVersion(); err == nil {
			info.Version = v
		}
		if v, err := md.GetDescription(); err == nil {
			info.Description = v
		}
		md.Destroy()
	}
	return info, nil
}

func tensorInfos(in []ort.InputOutputInfo) []TensorInfo {
	out := make([]TensorInfo, len(in))
	for i, v := range in {
		out[i] = TensorInfo{Name: v.Name, Shape: []int64(v.Dimensions), Type: fmt.Sprint(v.DataType)}
	}
	return out
}

// Print writes a human readable summary of info to w.
func (info *ModelInfo) Print(w io.Writer) {
	fmt.Fprintf(w, "%s\n", info.Path)
	if info.Producer != "" {
		fmt.Fprintf(w, "  producer: %s (version %d)\n", info.Producer, info.Version)
	}
	fmt.Fprintf(w, "  inputs (%d):\n", len(info.Inputs))
	for _, t := range info.Inputs {
		fmt.Fprintf(w, "    %s: shape=%v type=%s\n", t.Name, t.Shape, t.Type)
	}
	fmt.Fprintf(w, "  outputs (%d):\n", len(info.Outputs))
	for _, t := range info.Outputs {
		fmt.Fprintf(w, "    %s: shape=%v type=%s\n", t.Name, t.Shape, t.Type)
	}
}
