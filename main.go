package main

import (
	"flag"
	"log"
	"os"

	torch "github.com/wangkuiyi/gotorch"
	"github.com/wangkuiyi/gotorch/nn/initializer"
	"gocv.io/x/gocv"

	"grabtune/data"
	"grabtune/ml"
	"grabtune/train"
	"grabtune/util"
)

var device torch.Device

func main() {
	if torch.IsCUDAAvailable() {
		log.Println("CUDA is valid")
		device = torch.NewDevice("cuda")
	} else {
		log.Println("No CUDA found; CPU only")
		device = torch.NewDevice("cpu")
	}
	initializer.ManualSeed(1)
	defer torch.FinishGC()

	cfg := train.DefaultConfig()
	trainCmd := flag.NewFlagSet("train", flag.ExitOnError)
	label := trainCmd.String("dataset", "Grabber", "dataset label under ./data")
	modelDir := trainCmd.String("model", "./pretrained", "converted pretrained model directory")
	probePath := trainCmd.String("probe", "test.jpg", "probe image for token counting")
	trainCmd.IntVar(&cfg.Epochs, "epochs", cfg.Epochs, "number of epochs")
	trainCmd.Float64Var(&cfg.LearningRate, "lr", cfg.LearningRate, "learning rate")
	trainCmd.IntVar(&cfg.BatchSize, "batch", cfg.BatchSize, "batch size")
	trainCmd.IntVar(&cfg.Workers, "workers", cfg.Workers, "prefetched batches, 0 for synchronous loading")
	trainCmd.StringVar(&cfg.CheckpointDir, "save", cfg.CheckpointDir, "checkpoint root directory")
	trainCmd.Parse(os.Args[1:])

	proc, err := ml.LoadProcessor(*modelDir, device)
	if err != nil {
		log.Fatalf("Cannot load processor: %v", err)
	}
	model, err := ml.LoadCaptioner(*modelDir, device)
	if err != nil {
		log.Fatalf("Cannot load model: %v", err)
	}

	// The probe image checks the full encode path once before training; a
	// missing or unreadable probe is fatal up front.
	probe := gocv.IMRead(*probePath, gocv.IMReadColor)
	if probe.Empty() {
		log.Fatalf("Cannot read probe image %s", *probePath)
	}
	defer probe.Close()
	if _, err := proc.EncodeBatch([]string{data.CaptionTask}, []gocv.Mat{probe}); err != nil {
		log.Fatalf("Cannot encode probe image: %v", err)
	}
	// Token counts must not truncate: bos and eos are counted on top of the
	// raw tokenization so over-length captions are dropped, never clipped.
	countTokens := func(text string) int {
		return len(proc.Tokenize(text)) + 2
	}

	prompts, answers, images, err := data.Generate(*label, countTokens)
	if err != nil {
		log.Fatalf("Cannot generate dataset: %v", err)
	}
	ds, err := data.NewGrabberDataset(prompts, answers, images)
	if err != nil {
		log.Fatalf("Cannot build dataset: %v", err)
	}
	trainDS, valDS := data.Split(ds)

	trainLoader := data.NewLoader(trainDS, proc, data.LoaderConfig{
		BatchSize: cfg.BatchSize,
		Shuffle:   true,
		Workers:   cfg.Workers,
	})
	valLoader := data.NewLoader(valDS, proc, data.LoaderConfig{
		BatchSize: cfg.BatchSize,
		Workers:   cfg.Workers,
	})

	trainer, err := train.NewTrainer(cfg, model, proc)
	if err != nil {
		log.Fatalf("Cannot create trainer: %v", err)
	}
	util.InitLogger(trainer.RunID())
	util.Logger.Printf("training on %d samples, validating on %d", trainDS.Len(), valDS.Len())

	if err := trainer.Run(trainLoader, valLoader); err != nil {
		log.Fatalf("Training failed: %v", err)
	}
}
