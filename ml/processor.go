package ml

import (
	"encoding/json"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"

	torch "github.com/wangkuiyi/gotorch"
	"github.com/wangkuiyi/gotorch/vision/transforms"
	"gocv.io/x/gocv"
)

const (
	PadToken = "<pad>"
	BosToken = "<s>"
	EosToken = "</s>"
	UnkToken = "<unk>"
)

const (
	vocabFile     = "vocab.json"
	processorFile = "preprocessor_config.json"
)

// ProcessorConfig is the preprocessing configuration persisted alongside the
// vocabulary in every checkpoint.
type ProcessorConfig struct {
	ImageSize int       `json:"image_size"`
	ImageMean []float32 `json:"image_mean"`
	ImageStd  []float32 `json:"image_std"`
	MaxLength int       `json:"model_max_length"`
}

// DefaultProcessorConfig mirrors the pretrained processor settings.
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		ImageSize: 224,
		ImageMean: []float32{0.485, 0.456, 0.406},
		ImageStd:  []float32{0.229, 0.224, 0.225},
		MaxLength: 1024,
	}
}

// CaptionProcessor tokenizes prompts and answers against a fixed vocabulary
// and tensorizes images with the pretrained normalization constants. Task
// tags such as <MORE_DETAILED_DANBOORU_CAPTION> are single vocabulary
// entries, never split.
type CaptionProcessor struct {
	vocab  map[string]int64
	inv    []string
	cfg    ProcessorConfig
	device torch.Device

	padID, bosID, eosID, unkID int64
}

// NewCaptionProcessor builds a processor over an ordered token list. The
// list position is the token id, so the order must match the pretrained
// vocabulary. The four special tokens must be present.
func NewCaptionProcessor(tokens []string, cfg ProcessorConfig, device torch.Device) (*CaptionProcessor, error) {
	p := &CaptionProcessor{
		vocab:  make(map[string]int64, len(tokens)),
		inv:    make([]string, len(tokens)),
		cfg:    cfg,
		device: device,
	}
	for i, tok := range tokens {
		if _, dup := p.vocab[tok]; dup {
			return nil, fmt.Errorf("duplicate vocabulary token %q", tok)
		}
		p.vocab[tok] = int64(i)
		p.inv[i] = tok
	}
	for _, s := range []struct {
		tok string
		id  *int64
	}{
		{PadToken, &p.padID},
		{BosToken, &p.bosID},
		{EosToken, &p.eosID},
		{UnkToken, &p.unkID},
	} {
		id, ok := p.vocab[s.tok]
		if !ok {
			return nil, fmt.Errorf("vocabulary is missing special token %q", s.tok)
		}
		*s.id = id
	}
	return p, nil
}

// LoadProcessor reads vocab.json and preprocessor_config.json from a
// checkpoint or pretrained-model directory.
func LoadProcessor(dir string, device torch.Device) (*CaptionProcessor, error) {
	raw, err := os.ReadFile(filepath.Join(dir, vocabFile))
	if err != nil {
		return nil, fmt.Errorf("read vocabulary: %w", err)
	}
	ids := make(map[string]int64)
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, fmt.Errorf("parse vocabulary: %w", err)
	}
	tokens := make([]string, len(ids))
	for tok, id := range ids {
		if id < 0 || id >= int64(len(tokens)) {
			return nil, fmt.Errorf("vocabulary id %d for %q out of range", id, tok)
		}
		tokens[id] = tok
	}

	raw, err = os.ReadFile(filepath.Join(dir, processorFile))
	if err != nil {
		return nil, fmt.Errorf("read processor config: %w", err)
	}
	var cfg ProcessorConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse processor config: %w", err)
	}
	return NewCaptionProcessor(tokens, cfg, device)
}

// VocabSize returns the number of vocabulary entries.
func (p *CaptionProcessor) VocabSize() int { return len(p.inv) }

// PadID returns the pad token id, used by the model as the loss ignore index.
func (p *CaptionProcessor) PadID() int64 { return p.padID }

// BosID returns the begin-of-sequence token id.
func (p *CaptionProcessor) BosID() int64 { return p.bosID }

// EosID returns the end-of-sequence token id.
func (p *CaptionProcessor) EosID() int64 { return p.eosID }

// ImageSize returns the square pixel size images are resized to.
func (p *CaptionProcessor) ImageSize() int { return p.cfg.ImageSize }

// Tokenize splits text on whitespace and maps each piece to a vocabulary
// id. Angle-bracket task tags are looked up verbatim; everything else is
// lowercased first. Unknown pieces map to the unk id.
func (p *CaptionProcessor) Tokenize(text string) []int64 {
	fields := strings.Fields(text)
	ids := make([]int64, 0, len(fields))
	for _, f := range fields {
		if !strings.HasPrefix(f, "<") {
			f = strings.ToLower(f)
		}
		if id, ok := p.vocab[f]; ok {
			ids = append(ids, id)
		} else {
			ids = append(ids, p.unkID)
		}
	}
	return ids
}

func (p *CaptionProcessor) encode(text string) []int64 {
	ids := p.Tokenize(text)
	if len(ids) > p.cfg.MaxLength-2 {
		ids = ids[:p.cfg.MaxLength-2]
	}
	out := make([]int64, 0, len(ids)+2)
	out = append(out, p.bosID)
	out = append(out, ids...)
	out = append(out, p.eosID)
	return out
}

// EncodeText encodes answer strings into right-padded label token ids on
// the compute device.
func (p *CaptionProcessor) EncodeText(texts []string) (torch.Tensor, error) {
	if len(texts) == 0 {
		return torch.Tensor{}, fmt.Errorf("cannot encode an empty text batch")
	}
	seqs := make([][]int64, len(texts))
	maxLen := 0
	for i, t := range texts {
		seqs[i] = p.encode(t)
		if len(seqs[i]) > maxLen {
			maxLen = len(seqs[i])
		}
	}
	flat := make([]int64, 0, len(texts)*maxLen)
	for _, seq := range seqs {
		flat = append(flat, seq...)
		for j := len(seq); j < maxLen; j++ {
			flat = append(flat, p.padID)
		}
	}
	t := torch.NewTensor(flat).View(int64(len(texts)), int64(maxLen))
	return t.To(p.device, t.Dtype()), nil
}

// EncodeBatch collates prompts and decoded images into model inputs. Every
// image is resized to the configured square size, tensorized and normalized
// with the pretrained constants, then the batch is stacked and moved to the
// compute device.
func (p *CaptionProcessor) EncodeBatch(prompts []string, images []gocv.Mat) (Inputs, error) {
	if len(prompts) != len(images) {
		return Inputs{}, fmt.Errorf("prompt/image count mismatch: %d vs %d", len(prompts), len(images))
	}
	ids, err := p.EncodeText(prompts)
	if err != nil {
		return Inputs{}, err
	}

	norm := transforms.Normalize(p.cfg.ImageMean, p.cfg.ImageStd)
	pixels := make([]torch.Tensor, len(images))
	for i, img := range images {
		if img.Empty() {
			return Inputs{}, fmt.Errorf("image %d in batch is empty", i)
		}
		if img.Channels() != 3 {
			return Inputs{}, fmt.Errorf("image %d has %d channels, want 3", i, img.Channels())
		}
		resized := gocv.NewMat()
		gocv.Resize(img, &resized, image.Pt(p.cfg.ImageSize, p.cfg.ImageSize), 0, 0, gocv.InterpolationLinear)
		t := transforms.ToTensor().Run(resized)
		resized.Close()
		pixels[i] = norm.Run(t)
	}
	pix := torch.Stack(pixels, 0)
	return Inputs{
		InputIDs:    ids,
		PixelValues: pix.To(p.device, pix.Dtype()),
	}, nil
}

// Decode turns token id sequences back into text. Special tokens are kept
// in the output, matching the raw decode the diagnostics run before
// post-processing.
func (p *CaptionProcessor) Decode(ids [][]int64) []string {
	texts := make([]string, len(ids))
	for i, seq := range ids {
		toks := make([]string, 0, len(seq))
		for _, id := range seq {
			if id < 0 || id >= int64(len(p.inv)) {
				toks = append(toks, UnkToken)
				continue
			}
			toks = append(toks, p.inv[id])
		}
		texts[i] = strings.Join(toks, " ")
	}
	return texts
}

// PostProcess strips special tokens from decoded text and extracts the
// caption for the given task tag. The result is keyed by the tag, the way
// downstream consumers expect it.
func (p *CaptionProcessor) PostProcess(text, task string) map[string]string {
	for _, tok := range []string{BosToken, EosToken, PadToken} {
		text = strings.ReplaceAll(text, tok, "")
	}
	if i := strings.Index(text, task); i >= 0 {
		text = text[i+len(task):]
	}
	return map[string]string{task: strings.TrimSpace(text)}
}

// Save writes the vocabulary and preprocessing configuration into dir.
func (p *CaptionProcessor) Save(dir string) error {
	raw, err := json.MarshalIndent(p.vocab, "", "  ")
	if err != nil {
		return fmt.Errorf("encode vocabulary: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, vocabFile), raw, 0o644); err != nil {
		return fmt.Errorf("write vocabulary: %w", err)
	}
	raw, err = json.MarshalIndent(p.cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode processor config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, processorFile), raw, 0o644); err != nil {
		return fmt.Errorf("write processor config: %w", err)
	}
	return nil
}
