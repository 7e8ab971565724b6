package data

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// CaptionTask is the task tag every training prompt asks for.
const CaptionTask = "<MORE_DETAILED_DANBOORU_CAPTION>"

// Captions longer than this many tokens are dropped during generation; the
// model cannot emit more in one pass.
const maxCaptionTokens = 1024

var imageExts = map[string]bool{".jpg": true, ".jpeg": true, ".png": true}

// Generate walks data/<label> for image files with sidecar .txt captions
// and produces the three parallel sequences the dataset adapter consumes.
// countTokens measures each caption with the model's own tokenizer so
// over-length captions can be dropped up front.
func Generate(label string, countTokens func(string) int) (prompts, answers []string, images [][]byte, err error) {
	root := filepath.Join("data", label)
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("read dataset dir: %w", err)
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if !imageExts[ext] {
			continue
		}
		captionName := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name())) + ".txt"
		caption, err := os.ReadFile(filepath.Join(root, captionName))
		if err != nil {
			// Unlabeled image, nothing to train on.
			continue
		}
		answer := strings.TrimSpace(string(caption))
		if answer == "" || countTokens(answer) > maxCaptionTokens {
			continue
		}
		img, err := os.ReadFile(filepath.Join(root, e.Name()))
		if err != nil {
			return nil, nil, nil, fmt.Errorf("read image %s: %w", e.Name(), err)
		}
		prompts = append(prompts, CaptionTask)
		answers = append(answers, answer)
		images = append(images, img)
	}

	if len(prompts) == 0 {
		return nil, nil, nil, fmt.Errorf("no captioned images found under %s", root)
	}
	return prompts, answers, images, nil
}
