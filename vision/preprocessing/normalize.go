package preprocessing

// Normalizer rewrites HWC RGB pixels in [0, 255] in place into the input
// range a backbone was trained with.
type Normalizer func(hwc []float32)

// ScaleToUnitRange maps [0, 255] to [-1, 1], the "tf" mode used by MobileNet.
func ScaleToUnitRange(hwc []float32) {
	for i, v := range hwc {
		hwc[i] = v/127.5 - 1
	}
}

// caffeMeans are the ImageNet channel means in BGR order.
var caffeMeans = [Channels]float32{103.939, 116.779, 123.68}

// CaffeBGR converts RGB to BGR and subtracts the ImageNet channel means
// without scaling, the "caffe" mode used by VGG16.
func CaffeBGR(hwc []float32) {
	for i := 0; i+Channels <= len(hwc); i += Channels {
		r, g, b := hwc[i], hwc[i+1], hwc[i+2]
		hwc[i] = b - caffeMeans[0]
		hwc[i+1] = g - caffeMeans[1]
		hwc[i+2] = r - caffeMeans[2]
	}
}

// Identity leaves pixels untouched.
func Identity([]float32) {}
