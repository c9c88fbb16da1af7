// Package layers describes models as trees of layers. Leaves are single
// computational layers and composites group them, the way a pretrained
// backbone nests inside a transfer learning model. Trees are pure
// configuration; execution is left to an engine.
package layers

// LayerType represents the type of neural network layer
type LayerType int

const (
	Dense LayerType = iota
	Conv2D
	DepthwiseConv2D
	BatchNorm
	ReLU
	ReLU6
	ZeroPadding2D
	MaxPool2D
	Flatten
	Softmax
	Dropout
)

func (lt LayerType) String() string {
	switch lt {
	case Dense:
		return "Dense"
	case Conv2D:
		return "Conv2D"
	case DepthwiseConv2D:
		return "DepthwiseConv2D"
	case BatchNorm:
		return "BatchNorm"
	case ReLU:
		return "ReLU"
	case ReLU6:
		return "ReLU6"
	case ZeroPadding2D:
		return "ZeroPadding2D"
	case MaxPool2D:
		return "MaxPool2D"
	case Flatten:
		return "Flatten"
	case Softmax:
		return "Softmax"
	case Dropout:
		return "Dropout"
	default:
		return "Unknown"
	}
}

// Padding is the convolution border mode
type Padding string

const (
	Same  Padding = "same"
	Valid Padding = "valid"
)

// Activation is an activation fused into a convolution
type Activation string

const (
	Linear     Activation = ""
	ReLUActive Activation = "relu"
)

// Layer is either a *Leaf or a *Composite.
type Layer interface {
	LayerName() string
	sealed()
}

// Leaf is a single computational layer. Only the fields relevant to Type
// are set.
type Leaf struct {
	Type      LayerType `json:"type"`
	Name      string    `json:"name"`
	Trainable bool      `json:"trainable"`

	Units      int        `json:"units,omitempty"`       // Dense
	Filters    int        `json:"filters,omitempty"`     // Conv2D
	KernelSize int        `json:"kernel_size,omitempty"` // Conv2D, DepthwiseConv2D, MaxPool2D
	Stride     int        `json:"stride,omitempty"`
	Padding    Padding    `json:"padding,omitempty"`
	Activation Activation `json:"activation,omitempty"`
	UseBias    bool       `json:"use_bias,omitempty"`
	// Pad is top, bottom, left, right for ZeroPadding2D.
	Pad     [4]int  `json:"pad,omitempty"`
	Epsilon float32 `json:"epsilon,omitempty"` // BatchNorm
	Rate    float32 `json:"rate,omitempty"`    // Dropout
}

// LayerName returns the layer name
func (l *Leaf) LayerName() string { return l.Name }

func (*Leaf) sealed() {}

// Composite is an ordered group of layers, possibly nested.
type Composite struct {
	Name     string
	Children []Layer
}

// LayerName returns the composite name
func (c *Composite) LayerName() string { return c.Name }

func (*Composite) sealed() {}

// NewComposite groups children under name
func NewComposite(name string, children ...Layer) *Composite {
	return &Composite{Name: name, Children: children}
}

// SetTrainable sets the trainable flag of every leaf under l.
func SetTrainable(l Layer, trainable bool) {
	for _, leaf := range FlattenLayers(l) {
		leaf.Trainable = trainable
	}
}

// NewDense creates a fully connected layer
func NewDense(units int, useBias bool, name string) *Leaf {
	return &Leaf{Type: Dense, Name: name, Units: units, UseBias: useBias, Trainable: true}
}

// NewConv2D creates a 2D convolution
func NewConv2D(filters, kernelSize, stride int, padding Padding, useBias bool, activation Activation, name string) *Leaf {
	return &Leaf{
		Type:       Conv2D,
		Name:       name,
		Filters:    filters,
		KernelSize: kernelSize,
		Stride:     stride,
		Padding:    padding,
		UseBias:    useBias,
		Activation: activation,
		Trainable:  true,
	}
}

// NewDepthwiseConv2D creates a depthwise convolution with depth multiplier 1
func NewDepthwiseConv2D(kernelSize, stride int, padding Padding, useBias bool, name string) *Leaf {
	return &Leaf{
		Type:       DepthwiseConv2D,
		Name:       name,
		KernelSize: kernelSize,
		Stride:     stride,
		Padding:    padding,
		UseBias:    useBias,
		Trainable:  true,
	}
}

// NewBatchNorm creates a batch normalization layer over the channel axis
func NewBatchNorm(epsilon float32, name string) *Leaf {
	return &Leaf{Type: BatchNorm, Name: name, Epsilon: epsilon, Trainable: true}
}

// NewReLU creates a ReLU activation
func NewReLU(name string) *Leaf {
	return &Leaf{Type: ReLU, Name: name, Trainable: true}
}

// NewReLU6 creates a ReLU activation capped at 6
func NewReLU6(name string) *Leaf {
	return &Leaf{Type: ReLU6, Name: name, Trainable: true}
}

// NewZeroPadding2D pads the spatial borders with zeros
func NewZeroPadding2D(top, bottom, left, right int, name string) *Leaf {
	return &Leaf{Type: ZeroPadding2D, Name: name, Pad: [4]int{top, bottom, left, right}, Trainable: true}
}

// NewMaxPool2D creates a max pooling layer with valid padding
func NewMaxPool2D(poolSize, stride int, name string) *Leaf {
	return &Leaf{Type: MaxPool2D, Name: name, KernelSize: poolSize, Stride: stride, Padding: Valid, Trainable: true}
}

// NewFlatten collapses all non-batch dimensions
func NewFlatten(name string) *Leaf {
	return &Leaf{Type: Flatten, Name: name, Trainable: true}
}

// NewSoftmax creates a softmax over the last axis
func NewSoftmax(name string) *Leaf {
	return &Leaf{Type: Softmax, Name: name, Trainable: true}
}

// NewDropout creates a dropout layer
func NewDropout(rate float32, name string) *Leaf {
	return &Leaf{Type: Dropout, Name: name, Rate: rate, Trainable: true}
}
