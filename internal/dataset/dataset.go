package dataset

import "fmt"

// Sample is one image flattened to real pixel intensities in [0, 1].
type Sample struct {
	Index  int
	Pixels []float64
	Label  int
}

// Normalize maps raw 8-bit pixels to [0, 1] by dividing by 255.
func Normalize(px []byte) []float64 {
	out := make([]float64, len(px))
	for i, v := range px {
		out[i] = float64(v) / 255
	}
	return out
}

// Samples pairs images with labels. limit <= 0 keeps every image.
func Samples(img Images, labels []byte, limit int) ([]Sample, error) {
	if len(img.Pixels) != len(labels) {
		return nil, fmt.Errorf("%d images but %d labels", len(img.Pixels), len(labels))
	}
	n := len(labels)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Sample, n)
	for i := range out {
		out[i] = Sample{Index: i, Pixels: Normalize(img.Pixels[i]), Label: int(labels[i])}
	}
	return out, nil
}

// Load reads an image file and its label file, either of which may be
// gzip-compressed.
func Load(imagesPath, labelsPath string, limit int) ([]Sample, error) {
	img, err := ReadImagesFile(imagesPath)
	if err != nil {
		return nil, fmt.Errorf("images: %w", err)
	}
	labels, err := ReadLabelsFile(labelsPath)
	if err != nil {
		return nil, fmt.Errorf("labels: %w", err)
	}
	return Samples(img, labels, limit)
}
