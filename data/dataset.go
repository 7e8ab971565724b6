package data

import (
	"fmt"

	"gocv.io/x/gocv"
)

// Sample is one (prompt, answer, image) triple. The image is decoded on
// every GetItem call; the caller owns the Mat and must Close it.
type Sample struct {
	Prompt string
	Answer string
	Image  gocv.Mat
}

// GrabberDataset wraps the three parallel sequences the generator produces
// into an indexable collection. Images are stored in their encoded form and
// decoded on access.
type GrabberDataset struct {
	prompts []string
	answers []string
	images  [][]byte
}

// NewGrabberDataset builds a dataset over parallel prompt/answer/image
// sequences of equal length.
func NewGrabberDataset(prompts, answers []string, images [][]byte) (*GrabberDataset, error) {
	if len(prompts) != len(answers) || len(prompts) != len(images) {
		return nil, fmt.Errorf("parallel sequence length mismatch: %d prompts, %d answers, %d images",
			len(prompts), len(answers), len(images))
	}
	return &GrabberDataset{prompts: prompts, answers: answers, images: images}, nil
}

// Len returns the number of samples.
func (d *GrabberDataset) Len() int { return len(d.prompts) }

// GetItem returns the sample at index i with its image decoded.
func (d *GrabberDataset) GetItem(i int) (Sample, error) {
	if i < 0 || i >= len(d.prompts) {
		return Sample{}, fmt.Errorf("index %d out of range [0, %d)", i, len(d.prompts))
	}
	img, err := gocv.IMDecode(d.images[i], gocv.IMReadColor)
	if err != nil {
		return Sample{}, fmt.Errorf("decode image %d: %w", i, err)
	}
	if img.Empty() {
		img.Close()
		return Sample{}, fmt.Errorf("image %d decoded to an empty mat", i)
	}
	return Sample{Prompt: d.prompts[i], Answer: d.answers[i], Image: img}, nil
}

func (d *GrabberDataset) slice(lo, hi int) *GrabberDataset {
	return &GrabberDataset{
		prompts: d.prompts[lo:hi],
		answers: d.answers[lo:hi],
		images:  d.images[lo:hi],
	}
}

// Split cuts the dataset into train and validation parts. Validation takes
// the tail tenth of the original ordering; the split is computed once and
// never reshuffled.
func Split(d *GrabberDataset) (train, val *GrabberDataset) {
	n := d.Len()
	cut := n - n/10
	return d.slice(0, cut), d.slice(cut, n)
}
