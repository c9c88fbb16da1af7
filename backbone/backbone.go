// Package backbone enumerates the pretrained convolutional networks a
// transfer learning model can be built on. Each backbone pairs a layer tree
// mirroring its Keras application (top removed) with the input
// normalization its weights were trained with.
package backbone

import (
	"fmt"
	"strings"

	"github.com/tsawler/go-metal-transfer/errors"
	"github.com/tsawler/go-metal-transfer/layers"
	"github.com/tsawler/go-metal-transfer/vision/preprocessing"
)

// MinImageSize is the smallest input edge every backbone accepts.
const MinImageSize = 32

// Kind is a supported backbone.
type Kind int

const (
	MobileNet Kind = iota
	VGG16
)

// Kinds lists every supported backbone
var Kinds = []Kind{MobileNet, VGG16}

func (k Kind) String() string {
	switch k {
	case MobileNet:
		return "mobilenet"
	case VGG16:
		return "vgg16"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Parse resolves a backbone name. "mn" is accepted as an alias of
// mobilenet. Unknown names are a ConfigurationError.
func Parse(name string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "mobilenet", "mn":
		return MobileNet, nil
	case "vgg16":
		return VGG16, nil
	}
	names := make([]string, len(Kinds))
	for i, k := range Kinds {
		names[i] = k.String()
	}
	return 0, errors.Configuration("backbone", "unsupported backbone %q, expected one of %s", name, strings.Join(names, ", "))
}

// Spec is the constructor and normalizer of one backbone.
type Spec struct {
	Kind Kind
	// Build returns the backbone layer tree for a square input of size.
	Build      func(size int) *layers.Composite
	Normalizer preprocessing.Normalizer
}

var specs = map[Kind]Spec{
	MobileNet: {Kind: MobileNet, Build: NewMobileNet, Normalizer: preprocessing.ScaleToUnitRange},
	VGG16:     {Kind: VGG16, Build: NewVGG16, Normalizer: preprocessing.CaffeBGR},
}

// Lookup returns the Spec of k
func Lookup(k Kind) (Spec, error) {
	spec, ok := specs[k]
	if !ok {
		return Spec{}, errors.Configuration("backbone", "unsupported backbone %s", k)
	}
	return spec, nil
}

// Normalizer returns the input normalization of k
func (k Kind) Normalizer() preprocessing.Normalizer {
	spec, err := Lookup(k)
	if err != nil {
		return preprocessing.Identity
	}
	return spec.Normalizer
}

// ModelName is the name of the root composite built by Build
const ModelName = "transfer_model"

// Build composes backbone k, its top removed and its trainable flag set to
// trainable, with a Flatten and a Dense layer of numClasses logits.
// inputShape is [height, width, channels] and must be square RGB.
func Build(inputShape []int, k Kind, numClasses int, trainable bool) (*layers.Model, error) {
	spec, err := Lookup(k)
	if err != nil {
		return nil, err
	}
	if len(inputShape) != 3 || inputShape[0] != inputShape[1] || inputShape[2] != preprocessing.Channels {
		return nil, errors.Configuration("image_size", "input shape must be [size, size, 3], got %v", inputShape)
	}
	if inputShape[0] < MinImageSize {
		return nil, errors.Configuration("image_size", "must be at least %d, got %d", MinImageSize, inputShape[0])
	}
	if numClasses < 1 {
		return nil, errors.Configuration("classes", "at least one class is required")
	}

	base := spec.Build(inputShape[0])
	layers.SetTrainable(base, trainable)

	root := layers.NewComposite(ModelName,
		base,
		layers.NewFlatten("flatten"),
		layers.NewDense(numClasses, true, "dense"),
	)
	return &layers.Model{Root: root, InputShape: append([]int(nil), inputShape...)}, nil
}
