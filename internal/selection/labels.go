package selection

import (
	"context"
	"fmt"

	"github.com/danielpatrickdp/al-controller/internal/artifact"
)

// StaticLabels is a LabelSource that reports the same labels for every
// iteration.
type StaticLabels []int

// Labels returns the fixed label list.
func (s StaticLabels) Labels(context.Context, int) ([]int, error) { return s, nil }

// LoadLabelFile reads a JSON array of labels, one per training example.
func LoadLabelFile(path string) (StaticLabels, error) {
	var labels []int
	if err := artifact.ReadJSON(path, &labels); err != nil {
		return nil, fmt.Errorf("load labels %s: %w", path, err)
	}
	return StaticLabels(labels), nil
}
