package backbone

import (
	"fmt"

	"github.com/tsawler/go-metal-transfer/layers"
)

const bnEpsilon = 1e-3

// depthwise blocks of MobileNet v1 at alpha 1: pointwise filters and stride
var mobileNetBlocks = []struct {
	filters int
	stride  int
}{
	{64, 1},
	{128, 2}, {128, 1},
	{256, 2}, {256, 1},
	{512, 2}, {512, 1}, {512, 1}, {512, 1}, {512, 1}, {512, 1},
	{1024, 2}, {1024, 1},
}

// NewMobileNet returns MobileNet v1 (alpha 1, depth multiplier 1) without
// its classifier, named as in keras.applications.MobileNet.
func NewMobileNet(size int) *layers.Composite {
	children := []layers.Layer{
		layers.NewConv2D(32, 3, 2, layers.Same, false, layers.Linear, "conv1"),
		layers.NewBatchNorm(bnEpsilon, "conv1_bn"),
		layers.NewReLU6("conv1_relu"),
	}
	for i, b := range mobileNetBlocks {
		children = append(children, depthwiseBlock(i+1, b.filters, b.stride)...)
	}
	return layers.NewComposite(fmt.Sprintf("mobilenet_1.00_%d", size), children...)
}

func depthwiseBlock(id, filters, stride int) []layers.Layer {
	var block []layers.Layer
	padding := layers.Same
	if stride != 1 {
		block = append(block, layers.NewZeroPadding2D(0, 1, 0, 1, fmt.Sprintf("conv_pad_%d", id)))
		padding = layers.Valid
	}
	return append(block,
		layers.NewDepthwiseConv2D(3, stride, padding, false, fmt.Sprintf("conv_dw_%d", id)),
		layers.NewBatchNorm(bnEpsilon, fmt.Sprintf("conv_dw_%d_bn", id)),
		layers.NewReLU6(fmt.Sprintf("conv_dw_%d_relu", id)),
		layers.NewConv2D(filters, 1, 1, layers.Same, false, layers.Linear, fmt.Sprintf("conv_pw_%d", id)),
		layers.NewBatchNorm(bnEpsilon, fmt.Sprintf("conv_pw_%d_bn", id)),
		layers.NewReLU6(fmt.Sprintf("conv_pw_%d_relu", id)),
	)
}
