package train

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	torch "github.com/wangkuiyi/gotorch"

	"grabtune/ml"
)

const stateFile = "training_state.json"

// TrainingState is the run metadata written next to the model and
// processor state in every checkpoint. Optimizer moments are not
// persisted; restarting from a checkpoint resets the schedule.
type TrainingState struct {
	Epoch        int       `json:"epoch"`
	Step         int       `json:"step"`
	LearningRate float64   `json:"learning_rate"`
	RunID        string    `json:"run_id"`
	SavedAt      time.Time `json:"saved_at"`
}

// SaveCheckpoint persists the model and processor into
// <root>/epoch_<epoch>, creating parents as needed. Existing contents are
// overwritten in place; there is no atomic rename, so a crash mid-write
// leaves a partial checkpoint. Returns the checkpoint directory.
func SaveCheckpoint(root string, epoch int, model ml.Captioner, proc ml.Processor, st TrainingState) (string, error) {
	dir := filepath.Join(root, fmt.Sprintf("epoch_%d", epoch))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create checkpoint dir: %w", err)
	}
	if err := model.Save(dir); err != nil {
		return "", fmt.Errorf("save model: %w", err)
	}
	if err := proc.Save(dir); err != nil {
		return "", fmt.Errorf("save processor: %w", err)
	}
	raw, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode training state: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, stateFile), raw, 0o644); err != nil {
		return "", fmt.Errorf("write training state: %w", err)
	}
	return dir, nil
}

// LoadCheckpoint rebuilds the model and processor from a checkpoint
// directory.
func LoadCheckpoint(dir string, device torch.Device) (*ml.PretrainedCaptioner, *ml.CaptionProcessor, TrainingState, error) {
	model, err := ml.LoadCaptioner(dir, device)
	if err != nil {
		return nil, nil, TrainingState{}, err
	}
	proc, err := ml.LoadProcessor(dir, device)
	if err != nil {
		return nil, nil, TrainingState{}, err
	}
	var st TrainingState
	raw, err := os.ReadFile(filepath.Join(dir, stateFile))
	if err != nil {
		return nil, nil, TrainingState{}, fmt.Errorf("read training state: %w", err)
	}
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, nil, TrainingState{}, fmt.Errorf("parse training state: %w", err)
	}
	return model, proc, st, nil
}
