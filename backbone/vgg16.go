package backbone

import (
	"fmt"

	"github.com/tsawler/go-metal-transfer/layers"
)

var vgg16Blocks = [][]int{
	{64, 64},
	{128, 128},
	{256, 256, 256},
	{512, 512, 512},
	{512, 512, 512},
}

// NewVGG16 returns VGG16 without its fully connected top, named as in
// keras.applications.VGG16.
func NewVGG16(int) *layers.Composite {
	var children []layers.Layer
	for i, block := range vgg16Blocks {
		for j, filters := range block {
			children = append(children,
				layers.NewConv2D(filters, 3, 1, layers.Same, true, layers.ReLUActive, fmt.Sprintf("block%d_conv%d", i+1, j+1)))
		}
		children = append(children, layers.NewMaxPool2D(2, 2, fmt.Sprintf("block%d_pool", i+1)))
	}
	return layers.NewComposite("vgg16", children...)
}
