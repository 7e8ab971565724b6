package train

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	torch "github.com/wangkuiyi/gotorch"

	"grabtune/data"
	"grabtune/ml"
	"grabtune/util"
)

// optimizer is the slice of torch.Optimizer the loop actually drives.
type optimizer interface {
	SetLR(lr float64)
	Step()
	ZeroGrad()
}

// Trainer owns the supervised fine-tuning run: epoch and batch iteration,
// optimizer and schedule stepping, the periodic generation diagnostic,
// per-epoch validation and checkpointing. Errors inside the loop
// propagate and terminate the run; there is no per-batch retry or skip.
type Trainer struct {
	cfg   Config
	model ml.Captioner
	proc  ml.Processor
	opt   optimizer
	sched *LinearSchedule
	step  int
	runID string
}

// NewTrainer wires a trainer around the model and processor. The Adam
// optimizer is created here and bound to the model parameters for the
// duration of the run.
func NewTrainer(cfg Config, model ml.Captioner, proc ml.Processor) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	adam := torch.Adam(cfg.LearningRate, 0.9, 0.999, 0)
	adam.AddParameters(model.Parameters())
	return &Trainer{
		cfg:   cfg,
		model: model,
		proc:  proc,
		opt:   adam,
		runID: uuid.NewString(),
	}, nil
}

// RunID identifies this training run in logs and checkpoint metadata.
func (t *Trainer) RunID() string { return t.runID }

// Run executes the full training schedule: for each epoch one training
// pass, one validation pass and one checkpoint.
func (t *Trainer) Run(trainLoader, valLoader *data.Loader) error {
	totalSteps := t.cfg.Epochs * trainLoader.Len()
	t.sched = NewLinearSchedule(t.cfg.LearningRate, totalSteps)
	t.step = 0
	util.Logger.Printf("run %s: %d epochs, %d training steps", t.runID, t.cfg.Epochs, totalSteps)

	for epoch := 0; epoch < t.cfg.Epochs; epoch++ {
		if _, err := t.trainEpoch(epoch, trainLoader); err != nil {
			return err
		}
		if _, err := t.validate(valLoader); err != nil {
			return err
		}
		st := TrainingState{
			Epoch:        epoch + 1,
			Step:         t.step,
			LearningRate: t.sched.LR(t.step),
			RunID:        t.runID,
			SavedAt:      time.Now(),
		}
		dir, err := SaveCheckpoint(t.cfg.CheckpointDir, epoch+1, t.model, t.proc, st)
		if err != nil {
			return err
		}
		util.Logger.Printf("saved checkpoint %s", dir)
	}
	return nil
}

func (t *Trainer) trainEpoch(epoch int, loader *data.Loader) (float32, error) {
	t.model.Train(true)
	loader.Reset()

	var epochLoss float32
	batches, samples := 0, 0
	start := time.Now()

	i := -1
	for loader.Scan() {
		i++
		b := loader.Minibatch()

		labels, err := t.proc.EncodeText(b.Answers)
		if err != nil {
			return 0, fmt.Errorf("encode labels: %w", err)
		}
		loss := t.model.Loss(b.In, labels)

		if i%t.cfg.LogInterval == 0 {
			t.sample(b, loss)
		}

		loss.Backward()
		t.opt.SetLR(t.sched.LR(t.step))
		t.opt.Step()
		t.step++
		t.opt.ZeroGrad()

		epochLoss += loss.Item().(float32)
		batches++
		samples += len(b.Answers)
	}
	if err := loader.Err(); err != nil {
		return 0, err
	}
	if batches == 0 {
		return 0, fmt.Errorf("training loader produced no batches")
	}

	avg := epochLoss / float32(batches)
	throughput := float64(samples) / time.Since(start).Seconds()
	util.Logger.Printf("Train Epoch: %d, Average Training Loss: %.4f, throughput: %f samples/sec",
		epoch+1, avg, throughput)
	return avg, nil
}

// sample is the every-LogInterval-th-batch diagnostic: print the raw loss,
// beam-search a caption for each sample in the batch and print it next to
// the ground truth. It never touches parameters or the loss.
func (t *Trainer) sample(b data.Batch, loss torch.Tensor) {
	util.Logger.Printf("loss: %v", loss.Item())

	ids := t.model.Generate(b.In, ml.GenerateOptions{
		NumBeams:     t.cfg.BeamWidth,
		MaxNewTokens: t.cfg.MaxNewTokens,
	})
	for j, text := range t.proc.Decode(ids) {
		parsed := t.proc.PostProcess(text, t.cfg.TaskTag)
		util.Logger.Printf("GT: %s", b.Answers[j])
		util.Logger.Printf("Pred: %s", parsed[t.cfg.TaskTag])
	}
}

// validate mirrors the training pass without updates. gotorch exposes no
// grad-mode toggle, so the forward pass runs unguarded and its graph is
// simply never consumed by a Backward call.
func (t *Trainer) validate(loader *data.Loader) (float32, error) {
	t.model.Train(false)
	loader.Reset()

	var valLoss float32
	batches := 0

	for loader.Scan() {
		b := loader.Minibatch()
		labels, err := t.proc.EncodeText(b.Answers)
		if err != nil {
			return 0, fmt.Errorf("encode labels: %w", err)
		}
		loss := t.model.Loss(b.In, labels)
		valLoss += loss.Item().(float32)
		batches++
	}
	if err := loader.Err(); err != nil {
		return 0, err
	}
	if batches == 0 {
		util.Logger.Printf("validation set is empty, skipping")
		return 0, nil
	}

	avg := valLoss / float32(batches)
	util.Logger.Printf("Average Validation Loss: %.4f", avg)
	return avg, nil
}
