package layers

import (
	"fmt"
)

// Model is a layer tree plus the shape of one input sample in HWC order.
type Model struct {
	Root       *Composite
	InputShape []int
}

// Leaves returns the flattened leaf layers of the model
func (m *Model) Leaves() []*Leaf {
	return FlattenLayers(m.Root)
}

// Sequential flattens the model and infers every layer's shapes
func (m *Model) Sequential() (*Sequential, error) {
	return Compile(m.InputShape, m.Leaves())
}

// LayerInfo is a leaf with the shapes inferred for it. Shapes exclude the
// batch dimension.
type LayerInfo struct {
	*Leaf
	InputShape      []int
	OutputShape     []int
	ParameterShapes [][]int
	ParameterCount  int64
	// TrainableCount excludes non-learnable buffers such as batch norm
	// moving statistics, and is zero for frozen layers.
	TrainableCount int64
}

// Sequential is a linear stack of leaf layers with inferred shapes.
type Sequential struct {
	Layers              []LayerInfo
	InputShape          []int
	OutputShape         []int
	TotalParameters     int64
	TrainableParameters int64
}

// Compile infers the shape and parameter information of leaves applied in
// order to inputs of inputShape.
func Compile(inputShape []int, leaves []*Leaf) (*Sequential, error) {
	if len(leaves) == 0 {
		return nil, fmt.Errorf("cannot compile empty model")
	}

	seq := &Sequential{
		Layers:     make([]LayerInfo, len(leaves)),
		InputShape: copyShape(inputShape),
	}

	currentShape := seq.InputShape
	for i, leaf := range leaves {
		outputShape, paramShapes, learnable, err := computeLayerInfo(leaf, currentShape)
		if err != nil {
			return nil, fmt.Errorf("failed to compute layer %d (%s) info: %v", i, leaf.Name, err)
		}

		info := LayerInfo{
			Leaf:            leaf,
			InputShape:      copyShape(currentShape),
			OutputShape:     outputShape,
			ParameterShapes: paramShapes,
		}
		for j, shape := range paramShapes {
			n := int64(product(shape))
			info.ParameterCount += n
			if leaf.Trainable && j < learnable {
				info.TrainableCount += n
			}
		}
		seq.Layers[i] = info
		seq.TotalParameters += info.ParameterCount
		seq.TrainableParameters += info.TrainableCount
		currentShape = outputShape
	}

	seq.OutputShape = currentShape
	return seq, nil
}

// Leaves returns the leaf layers in order
func (s *Sequential) Leaves() []*Leaf {
	leaves := make([]*Leaf, len(s.Layers))
	for i := range s.Layers {
		leaves[i] = s.Layers[i].Leaf
	}
	return leaves
}

// Split separates the leading run of frozen layers from the rest. Either
// part may be nil. Parameterless layers after the first trainable layer are
// accepted whatever their flag, but a frozen layer with parameters there
// cannot be honoured and is an error.
func (s *Sequential) Split() (frozen, trainable *Sequential, err error) {
	cut := 0
	for cut < len(s.Layers) && !s.Layers[cut].Trainable {
		cut++
	}
	for _, info := range s.Layers[cut:] {
		if !info.Trainable && info.ParameterCount > 0 {
			return nil, nil, fmt.Errorf("frozen layer %s follows a trainable layer", info.Name)
		}
	}

	if cut > 0 {
		frozen = s.slice(0, cut)
	}
	if cut < len(s.Layers) {
		trainable = s.slice(cut, len(s.Layers))
	}
	return frozen, trainable, nil
}

func (s *Sequential) slice(from, to int) *Sequential {
	part := &Sequential{
		Layers:      s.Layers[from:to],
		InputShape:  s.Layers[from].InputShape,
		OutputShape: s.Layers[to-1].OutputShape,
	}
	for _, info := range part.Layers {
		part.TotalParameters += info.ParameterCount
		part.TrainableParameters += info.TrainableCount
	}
	return part
}

// computeLayerInfo returns the output shape, the parameter shapes and how
// many of those (leading) shapes are learnable.
func computeLayerInfo(layer *Leaf, inputShape []int) ([]int, [][]int, int, error) {
	switch layer.Type {
	case Dense:
		return computeDenseInfo(layer, inputShape)
	case Conv2D:
		return computeConv2DInfo(layer, inputShape)
	case DepthwiseConv2D:
		return computeDepthwiseInfo(layer, inputShape)
	case BatchNorm:
		return computeBatchNormInfo(layer, inputShape)
	case ZeroPadding2D:
		return computePaddingInfo(layer, inputShape)
	case MaxPool2D:
		return computePoolInfo(layer, inputShape)
	case Flatten:
		return []int{product(inputShape)}, nil, 0, nil
	case ReLU, ReLU6, Softmax, Dropout:
		return copyShape(inputShape), nil, 0, nil
	default:
		return nil, nil, 0, fmt.Errorf("unsupported layer type: %s", layer.Type)
	}
}

// computeDenseInfo computes dense layer information
func computeDenseInfo(layer *Leaf, inputShape []int) ([]int, [][]int, int, error) {
	if len(inputShape) != 1 {
		return nil, nil, 0, fmt.Errorf("dense layer requires flat input, got %v", inputShape)
	}
	if layer.Units <= 0 {
		return nil, nil, 0, fmt.Errorf("dense layer requires positive units")
	}
	paramShapes := [][]int{{inputShape[0], layer.Units}}
	if layer.UseBias {
		paramShapes = append(paramShapes, []int{layer.Units})
	}
	return []int{layer.Units}, paramShapes, len(paramShapes), nil
}

// computeConv2DInfo computes Conv2D layer information. Weights are stored
// as [kernel, kernel, in, out].
func computeConv2DInfo(layer *Leaf, inputShape []int) ([]int, [][]int, int, error) {
	if len(inputShape) != 3 {
		return nil, nil, 0, fmt.Errorf("Conv2D layer requires [height, width, channels] input, got %v", inputShape)
	}
	if layer.Filters <= 0 {
		return nil, nil, 0, fmt.Errorf("Conv2D layer requires positive filters")
	}
	h, w, err := convOutput(layer, inputShape)
	if err != nil {
		return nil, nil, 0, err
	}
	paramShapes := [][]int{{layer.KernelSize, layer.KernelSize, inputShape[2], layer.Filters}}
	if layer.UseBias {
		paramShapes = append(paramShapes, []int{layer.Filters})
	}
	return []int{h, w, layer.Filters}, paramShapes, len(paramShapes), nil
}

// computeDepthwiseInfo computes depthwise convolution information
func computeDepthwiseInfo(layer *Leaf, inputShape []int) ([]int, [][]int, int, error) {
	if len(inputShape) != 3 {
		return nil, nil, 0, fmt.Errorf("DepthwiseConv2D layer requires [height, width, channels] input, got %v", inputShape)
	}
	h, w, err := convOutput(layer, inputShape)
	if err != nil {
		return nil, nil, 0, err
	}
	channels := inputShape[2]
	paramShapes := [][]int{{layer.KernelSize, layer.KernelSize, channels, 1}}
	if layer.UseBias {
		paramShapes = append(paramShapes, []int{channels})
	}
	return []int{h, w, channels}, paramShapes, len(paramShapes), nil
}

// computeBatchNormInfo computes batch normalization information: gamma and
// beta are learnable, the moving mean and variance are not.
func computeBatchNormInfo(layer *Leaf, inputShape []int) ([]int, [][]int, int, error) {
	if len(inputShape) == 0 {
		return nil, nil, 0, fmt.Errorf("batch norm layer requires input")
	}
	c := inputShape[len(inputShape)-1]
	paramShapes := [][]int{{c}, {c}, {c}, {c}}
	return copyShape(inputShape), paramShapes, 2, nil
}

func computePaddingInfo(layer *Leaf, inputShape []int) ([]int, [][]int, int, error) {
	if len(inputShape) != 3 {
		return nil, nil, 0, fmt.Errorf("ZeroPadding2D layer requires [height, width, channels] input, got %v", inputShape)
	}
	p := layer.Pad
	return []int{inputShape[0] + p[0] + p[1], inputShape[1] + p[2] + p[3], inputShape[2]}, nil, 0, nil
}

func computePoolInfo(layer *Leaf, inputShape []int) ([]int, [][]int, int, error) {
	if len(inputShape) != 3 {
		return nil, nil, 0, fmt.Errorf("MaxPool2D layer requires [height, width, channels] input, got %v", inputShape)
	}
	h, w, err := convOutput(layer, inputShape)
	if err != nil {
		return nil, nil, 0, err
	}
	return []int{h, w, inputShape[2]}, nil, 0, nil
}

// convOutput returns the spatial output size of a sliding window layer.
func convOutput(layer *Leaf, inputShape []int) (int, int, error) {
	k, s := layer.KernelSize, layer.Stride
	if k <= 0 {
		return 0, 0, fmt.Errorf("kernel size must be positive")
	}
	if s <= 0 {
		s = 1
	}
	h, w := inputShape[0], inputShape[1]
	switch layer.Padding {
	case Same:
		return (h + s - 1) / s, (w + s - 1) / s, nil
	case Valid, "":
		if h < k || w < k {
			return 0, 0, fmt.Errorf("input %dx%d smaller than kernel %d", h, w, k)
		}
		return (h-k)/s + 1, (w-k)/s + 1, nil
	default:
		return 0, 0, fmt.Errorf("unknown padding %q", layer.Padding)
	}
}

func product(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func copyShape(shape []int) []int {
	out := make([]int, len(shape))
	copy(out, shape)
	return out
}
