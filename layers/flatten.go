package layers

// FlattenLayers expands layers depth first, left to right, into the leaf
// layers they contain. A composite contributes its leaves in order, a leaf
// contributes itself, so a list of leaves is returned unchanged.
func FlattenLayers(layers ...Layer) []*Leaf {
	var flat []*Leaf
	for _, layer := range layers {
		switch l := layer.(type) {
		case *Leaf:
			flat = append(flat, l)
		case *Composite:
			flat = append(flat, FlattenLayers(l.Children...)...)
		}
	}
	return flat
}

// FlattenIterative returns the same leaves as FlattenLayers using an
// explicit stack, for trees deep enough to worry about recursion.
func FlattenIterative(layers ...Layer) []*Leaf {
	var flat []*Leaf
	stack := make([]Layer, 0, len(layers))
	for i := len(layers) - 1; i >= 0; i-- {
		stack = append(stack, layers[i])
	}
	for len(stack) > 0 {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		switch l := top.(type) {
		case *Leaf:
			flat = append(flat, l)
		case *Composite:
			for i := len(l.Children) - 1; i >= 0; i-- {
				stack = append(stack, l.Children[i])
			}
		}
	}
	return flat
}
