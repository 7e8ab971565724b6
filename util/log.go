package util

import (
	"fmt"
	"io"
	"log"
	"os"
)

var Logger *log.Logger = log.Default()

// InitLogger points the package logger at stderr plus a per-run log file.
// The file is best effort; if it cannot be created we keep logging to stderr.
func InitLogger(runID string) {
	fname := fmt.Sprintf("train_logs_%s.txt", runID)
	file, err := os.Create(fname)
	if err != nil {
		Logger = log.New(os.Stderr, "", log.LstdFlags)
		return
	}
	mw := io.MultiWriter(os.Stderr, file)
	Logger = log.New(mw, "", log.LstdFlags)
}
