package train

import (
	"fmt"

	"grabtune/data"
)

// Config holds every run hyperparameter with its fine-tuning default, in
// place of inline literals scattered through the loop.
type Config struct {
	// Epochs is the number of full passes over the training set.
	Epochs int
	// LearningRate is the initial Adam learning rate; the schedule decays
	// it linearly to zero over the whole run.
	LearningRate float64
	// BatchSize is the loader minibatch size.
	BatchSize int
	// LogInterval is the batch period of the generation diagnostic; the
	// first batch of every epoch always qualifies.
	LogInterval int
	// BeamWidth is the diagnostic beam-search width.
	BeamWidth int
	// MaxNewTokens caps generated caption length.
	MaxNewTokens int
	// Workers is the number of prefetched batches; 0 loads synchronously
	// on the training thread.
	Workers int
	// CheckpointDir is the root under which per-epoch checkpoint
	// directories are created.
	CheckpointDir string
	// TaskTag keys the post-processed caption result.
	TaskTag string
}

// DefaultConfig reproduces the original fine-tuning run.
func DefaultConfig() Config {
	return Config{
		Epochs:        3,
		LearningRate:  1e-6,
		BatchSize:     1,
		LogInterval:   200,
		BeamWidth:     3,
		MaxNewTokens:  1024,
		Workers:       0,
		CheckpointDir: "./model_checkpoints",
		TaskTag:       data.CaptionTask,
	}
}

// Validate rejects configurations the loop cannot run with.
func (c Config) Validate() error {
	if c.Epochs <= 0 {
		return fmt.Errorf("epochs must be positive, got %d", c.Epochs)
	}
	if c.LearningRate <= 0 {
		return fmt.Errorf("learning rate must be positive, got %g", c.LearningRate)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", c.BatchSize)
	}
	if c.LogInterval <= 0 {
		return fmt.Errorf("log interval must be positive, got %d", c.LogInterval)
	}
	if c.BeamWidth <= 0 {
		return fmt.Errorf("beam width must be positive, got %d", c.BeamWidth)
	}
	if c.MaxNewTokens <= 0 {
		return fmt.Errorf("max new tokens must be positive, got %d", c.MaxNewTokens)
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers must be non-negative, got %d", c.Workers)
	}
	if c.CheckpointDir == "" {
		return fmt.Errorf("checkpoint dir must not be empty")
	}
	return nil
}
