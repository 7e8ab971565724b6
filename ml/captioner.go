package ml

import (
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	torch "github.com/wangkuiyi/gotorch"
	F "github.com/wangkuiyi/gotorch/nn/functional"
)

const (
	modelStateFile  = "model_state.gob"
	modelConfigFile = "config.json"
)

// CaptionerConfig describes the pretrained captioner dimensions. It is
// persisted as config.json in every checkpoint so a reload can rebuild the
// same parameter shapes.
type CaptionerConfig struct {
	VocabSize int64 `json:"vocab_size"`
	HiddenDim int64 `json:"hidden_dim"`
	ImageSize int64 `json:"image_size"`
	PadID     int64 `json:"pad_token_id"`
	BosID     int64 `json:"bos_token_id"`
	EosID     int64 `json:"eos_token_id"`
}

func (cfg CaptionerConfig) validate() error {
	if cfg.VocabSize <= 0 {
		return fmt.Errorf("vocab size must be positive, got %d", cfg.VocabSize)
	}
	if cfg.HiddenDim <= 0 {
		return fmt.Errorf("hidden dim must be positive, got %d", cfg.HiddenDim)
	}
	if cfg.ImageSize <= 0 {
		return fmt.Errorf("image size must be positive, got %d", cfg.ImageSize)
	}
	return nil
}

// PretrainedCaptioner is the gotorch-backed captioning model. The vision
// projection, prompt embedding and decoder head hold the converted
// pretrained weights; every tensor operation is a libtorch call.
type PretrainedCaptioner struct {
	cfg CaptionerConfig

	embed torch.Tensor // [vocab, dim] token embedding
	visW  torch.Tensor // [3*size*size, dim] vision projection
	visB  torch.Tensor // [dim]
	fuseW torch.Tensor // [dim, dim] decoder fusion
	fuseB torch.Tensor // [dim]
	outW  torch.Tensor // [dim, vocab] output head
	outB  torch.Tensor // [vocab]

	device   torch.Device
	training bool
}

// NewCaptioner builds a captioner with freshly initialized parameters.
// Real runs load converted pretrained weights with LoadCaptioner instead.
func NewCaptioner(cfg CaptionerConfig, device torch.Device) (*PretrainedCaptioner, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid captioner config: %w", err)
	}
	pixelDim := 3 * cfg.ImageSize * cfg.ImageSize
	c := &PretrainedCaptioner{
		cfg:    cfg,
		embed:  torch.RandN([]int64{cfg.VocabSize, cfg.HiddenDim}, true),
		visW:   torch.RandN([]int64{pixelDim, cfg.HiddenDim}, true),
		visB:   torch.RandN([]int64{cfg.HiddenDim}, true),
		fuseW:  torch.RandN([]int64{cfg.HiddenDim, cfg.HiddenDim}, true),
		fuseB:  torch.RandN([]int64{cfg.HiddenDim}, true),
		outW:   torch.RandN([]int64{cfg.HiddenDim, cfg.VocabSize}, true),
		outB:   torch.RandN([]int64{cfg.VocabSize}, true),
		device: device,
	}
	c.toDevice()
	return c, nil
}

// LoadCaptioner rebuilds a captioner from a checkpoint or converted
// pretrained-model directory.
func LoadCaptioner(dir string, device torch.Device) (*PretrainedCaptioner, error) {
	raw, err := os.ReadFile(filepath.Join(dir, modelConfigFile))
	if err != nil {
		return nil, fmt.Errorf("read model config: %w", err)
	}
	var cfg CaptionerConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse model config: %w", err)
	}

	c, err := NewCaptioner(cfg, device)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(filepath.Join(dir, modelStateFile))
	if err != nil {
		return nil, fmt.Errorf("open model state: %w", err)
	}
	defer f.Close()

	states := make(map[string]torch.Tensor)
	if err := gob.NewDecoder(f).Decode(&states); err != nil {
		return nil, fmt.Errorf("decode model state: %w", err)
	}
	for name, param := range c.stateDict() {
		loaded, ok := states[name]
		if !ok {
			return nil, fmt.Errorf("model state is missing parameter %q", name)
		}
		param.SetData(loaded.To(device, loaded.Dtype()))
	}
	return c, nil
}

func (c *PretrainedCaptioner) toDevice() {
	for _, p := range c.Parameters() {
		p.SetData(p.To(c.device, p.Dtype()))
	}
}

func (c *PretrainedCaptioner) stateDict() map[string]torch.Tensor {
	return map[string]torch.Tensor{
		"embed.weight": c.embed,
		"vis.weight":   c.visW,
		"vis.bias":     c.visB,
		"fuse.weight":  c.fuseW,
		"fuse.bias":    c.fuseB,
		"out.weight":   c.outW,
		"out.bias":     c.outB,
	}
}

// Parameters returns the trainable parameter tensors.
func (c *PretrainedCaptioner) Parameters() []torch.Tensor {
	return []torch.Tensor{c.embed, c.visW, c.visB, c.fuseW, c.fuseB, c.outW, c.outB}
}

// Train toggles training mode.
func (c *PretrainedCaptioner) Train(on bool) { c.training = on }

func addmm(x, w, b torch.Tensor) torch.Tensor {
	return torch.Add(torch.MM(x, w), b, 1)
}

func (c *PretrainedCaptioner) index(vals []int64) torch.Tensor {
	t := torch.NewTensor(vals)
	return t.To(c.device, t.Dtype())
}

// context fuses the vision features with the pooled prompt embedding into
// one state per batch row.
func (c *PretrainedCaptioner) context(in Inputs) torch.Tensor {
	shape := in.PixelValues.Shape()
	n, t := shape[0], in.InputIDs.Shape()[1]

	visFeat := addmm(in.PixelValues.View(n, -1), c.visW, c.visB)

	emb := torch.IndexSelect(c.embed, 0, in.InputIDs.View(-1))
	promptFeat := emb.View(n, t, c.cfg.HiddenDim).Sum(map[string]interface{}{"dim": 1, "keepDim": false})

	return torch.Add(visFeat, promptFeat, 1)
}

// step runs one decoder step: the batch context plus the embedding of the
// previous token, through the fusion layer, to log-probabilities over the
// vocabulary.
func (c *PretrainedCaptioner) step(ctx, prevIDs torch.Tensor) torch.Tensor {
	prevEmb := torch.IndexSelect(c.embed, 0, prevIDs)
	h := torch.Tanh(addmm(torch.Add(ctx, prevEmb, 1), c.fuseW, c.fuseB))
	return addmm(h, c.outW, c.outB).LogSoftmax(1)
}

// Loss runs the forward pass with teacher forcing and returns the scalar
// loss averaged over label positions. Pad positions are excluded through
// the loss ignore index.
func (c *PretrainedCaptioner) Loss(in Inputs, labels torch.Tensor) torch.Tensor {
	n := labels.Shape()[0]
	steps := labels.Shape()[1]
	ctx := c.context(in)

	bos := make([]int64, n)
	for i := range bos {
		bos[i] = c.cfg.BosID
	}
	prevIDs := c.index(bos)

	var total torch.Tensor
	for t := int64(0); t < steps; t++ {
		logp := c.step(ctx, prevIDs)
		target := torch.IndexSelect(labels, 1, c.index([]int64{t})).View(-1)
		stepLoss := F.NllLoss(logp, target, torch.Tensor{}, c.cfg.PadID, "mean")
		if t == 0 {
			total = stepLoss
		} else {
			total = torch.Add(total, stepLoss, 1)
		}
		prevIDs = target
	}
	inv := torch.NewTensor([]float32{1 / float32(steps)})
	return torch.Mul(total, inv.To(c.device, inv.Dtype()))
}

type beamHyp struct {
	ids   []int64
	score float64
	done  bool
}

// Generate runs beam search per batch row and returns the highest scoring
// token sequence for each. The context is detached first so generation never
// extends the training graph; gotorch has no grad-mode toggle to scope it.
func (c *PretrainedCaptioner) Generate(in Inputs, opts GenerateOptions) [][]int64 {
	width := opts.NumBeams
	if width < 1 {
		width = 1
	}
	n := in.PixelValues.Shape()[0]
	out := make([][]int64, n)

	ctx := c.context(in).Detach()
	for i := int64(0); i < n; i++ {
		row := torch.IndexSelect(ctx, 0, c.index([]int64{i}))
		out[i] = c.beamSearch(row, width, opts.MaxNewTokens)
	}
	return out
}

func (c *PretrainedCaptioner) beamSearch(ctx torch.Tensor, width, maxNewTokens int) []int64 {
	beams := []beamHyp{{ids: []int64{c.cfg.BosID}}}

	for step := 0; step < maxNewTokens; step++ {
		candidates := make([]beamHyp, 0, len(beams)*width)
		alive := false
		for _, b := range beams {
			if b.done {
				candidates = append(candidates, b)
				continue
			}
			alive = true
			last := b.ids[len(b.ids)-1]
			logp := c.step(ctx, c.index([]int64{last})).View(-1)
			values, indices := torch.TopK(logp, int64(width), 0, true, true)
			for j := 0; j < width; j++ {
				sel := c.index([]int64{int64(j)})
				score := float64(torch.IndexSelect(values, 0, sel).Item().(float32))
				tok := torch.IndexSelect(indices, 0, sel).Item().(int64)

				ids := make([]int64, len(b.ids), len(b.ids)+1)
				copy(ids, b.ids)
				candidates = append(candidates, beamHyp{
					ids:   append(ids, tok),
					score: b.score + score,
					done:  tok == c.cfg.EosID,
				})
			}
		}
		if !alive {
			break
		}
		sort.SliceStable(candidates, func(a, b int) bool {
			return candidates[a].score > candidates[b].score
		})
		if len(candidates) > width {
			candidates = candidates[:width]
		}
		beams = candidates
	}
	return beams[0].ids
}

// Save serializes the parameters and configuration into dir. Parameters
// are copied to the CPU first so the state file is device independent.
func (c *PretrainedCaptioner) Save(dir string) error {
	cpu := torch.NewDevice("cpu")
	states := make(map[string]torch.Tensor, len(c.Parameters()))
	for name, param := range c.stateDict() {
		states[name] = param.Detach().To(cpu, param.Dtype())
	}

	f, err := os.Create(filepath.Join(dir, modelStateFile))
	if err != nil {
		return fmt.Errorf("create model state: %w", err)
	}
	defer f.Close()
	if err := gob.NewEncoder(f).Encode(states); err != nil {
		return fmt.Errorf("encode model state: %w", err)
	}

	raw, err := json.MarshalIndent(c.cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode model config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, modelConfigFile), raw, 0o644); err != nil {
		return fmt.Errorf("write model config: %w", err)
	}
	return nil
}
