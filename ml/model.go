package ml

import (
	torch "github.com/wangkuiyi/gotorch"
	"gocv.io/x/gocv"
)

// Inputs holds the collated model inputs for one batch: padded prompt token
// ids and the stacked pixel tensor, both already on the compute device.
type Inputs struct {
	InputIDs    torch.Tensor // [batch, seq] int64
	PixelValues torch.Tensor // [batch, 3, size, size] float32
}

// GenerateOptions controls beam-search generation.
type GenerateOptions struct {
	NumBeams     int
	MaxNewTokens int
}

// Captioner is the pretrained image-captioning model. Forward-pass tensor
// math lives behind this interface; the training loop only sees a scalar
// loss and generated token ids.
type Captioner interface {
	// Loss runs the forward pass with teacher forcing and returns the
	// scalar training loss. Label positions equal to the pad id do not
	// contribute to the loss.
	Loss(in Inputs, labels torch.Tensor) torch.Tensor

	// Generate runs beam search conditioned on the batch inputs and
	// returns one generated token sequence per sample.
	Generate(in Inputs, opts GenerateOptions) [][]int64

	// Parameters returns the trainable parameter tensors.
	Parameters() []torch.Tensor

	// Train toggles between training and evaluation mode.
	Train(on bool)

	// Save serializes the model state and configuration into dir.
	Save(dir string) error
}

// Processor is the combined text tokenizer and image preprocessor.
type Processor interface {
	// EncodeBatch collates prompts and images into padded, device-resident
	// input tensors.
	EncodeBatch(prompts []string, images []gocv.Mat) (Inputs, error)

	// EncodeText encodes answer strings into padded label token ids on the
	// compute device.
	EncodeText(texts []string) (torch.Tensor, error)

	// Decode turns generated token ids back into text. Special tokens are
	// kept; PostProcess strips them.
	Decode(ids [][]int64) []string

	// PostProcess parses decoded text into the structured caption result
	// keyed by task tag.
	PostProcess(text, task string) map[string]string

	// Save serializes the vocabulary and preprocessing configuration
	// into dir.
	Save(dir string) error
}
