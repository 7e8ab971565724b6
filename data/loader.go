package data

import (
	"math/rand"
	"time"

	"gocv.io/x/gocv"

	"grabtune/ml"
)

// Batch is one collated minibatch: encoded inputs on the compute device
// plus the raw answer strings in sample order.
type Batch struct {
	In      ml.Inputs
	Answers []string
}

// LoaderConfig configures a Loader.
type LoaderConfig struct {
	BatchSize int
	Shuffle   bool  // reshuffle sample order on every Reset
	Workers   int   // prefetched batches; 0 collates synchronously
	Seed      int64 // 0 seeds from the clock
}

// Dataset is the indexable sample collection a Loader iterates.
type Dataset interface {
	Len() int
	GetItem(i int) (Sample, error)
}

// Loader iterates a dataset in minibatches, collating each batch through
// the processor. Iteration follows the Scan/Minibatch pattern:
//
//	loader.Reset()
//	for loader.Scan() {
//		b := loader.Minibatch()
//		...
//	}
//	if err := loader.Err(); err != nil { ... }
type Loader struct {
	ds        Dataset
	proc      ml.Processor
	batchSize int
	shuffle   bool
	workers   int
	rng       *rand.Rand

	indices []int
	pos     int
	cur     Batch
	err     error

	prefetch chan prefetched
	quit     chan struct{}
}

type prefetched struct {
	batch Batch
	err   error
}

// NewLoader creates a loader over the dataset. A zero batch size defaults
// to 1.
func NewLoader(ds Dataset, proc ml.Processor, cfg LoaderConfig) *Loader {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	indices := make([]int, ds.Len())
	for i := range indices {
		indices[i] = i
	}
	l := &Loader{
		ds:        ds,
		proc:      proc,
		batchSize: cfg.BatchSize,
		shuffle:   cfg.Shuffle,
		workers:   cfg.Workers,
		rng:       rand.New(rand.NewSource(seed)),
		indices:   indices,
	}
	l.Reset()
	return l
}

// Len returns the number of batches in one pass over the dataset.
func (l *Loader) Len() int {
	return (l.ds.Len() + l.batchSize - 1) / l.batchSize
}

// Reset rewinds the loader and, for shuffling loaders, reshuffles the
// sample order. It must be called between epochs.
func (l *Loader) Reset() {
	if l.quit != nil {
		close(l.quit)
	}
	if l.shuffle {
		l.rng.Shuffle(len(l.indices), func(i, j int) {
			l.indices[i], l.indices[j] = l.indices[j], l.indices[i]
		})
	}
	l.pos = 0
	l.err = nil
	l.prefetch = nil
	l.quit = nil
	if l.workers > 0 {
		l.startPrefetch()
	}
}

func (l *Loader) startPrefetch() {
	ch := make(chan prefetched, l.workers)
	quit := make(chan struct{})
	// The goroutine gets its own copy of the order; a mid-pass Reset
	// reshuffles l.indices in place while the old goroutine may still be
	// collating its current batch.
	indices := append([]int(nil), l.indices...)
	go func() {
		defer close(ch)
		for pos := 0; pos < len(indices); pos += l.batchSize {
			end := pos + l.batchSize
			if end > len(indices) {
				end = len(indices)
			}
			b, err := l.collate(indices[pos:end])
			select {
			case ch <- prefetched{batch: b, err: err}:
			case <-quit:
				return
			}
			if err != nil {
				return
			}
		}
	}()
	l.prefetch = ch
	l.quit = quit
}

// Scan advances to the next batch. It returns false at the end of the pass
// or on a collate error; Err distinguishes the two.
func (l *Loader) Scan() bool {
	if l.err != nil {
		return false
	}
	if l.prefetch != nil {
		p, ok := <-l.prefetch
		if !ok {
			return false
		}
		if p.err != nil {
			l.err = p.err
			return false
		}
		l.cur = p.batch
		return true
	}

	if l.pos >= len(l.indices) {
		return false
	}
	end := l.pos + l.batchSize
	if end > len(l.indices) {
		end = len(l.indices)
	}
	b, err := l.collate(l.indices[l.pos:end])
	if err != nil {
		l.err = err
		return false
	}
	l.pos = end
	l.cur = b
	return true
}

// Minibatch returns the batch the last successful Scan produced.
func (l *Loader) Minibatch() Batch { return l.cur }

// Err reports the error that stopped iteration, if any.
func (l *Loader) Err() error { return l.err }

func (l *Loader) collate(idxs []int) (Batch, error) {
	prompts := make([]string, 0, len(idxs))
	answers := make([]string, 0, len(idxs))
	mats := make([]gocv.Mat, 0, len(idxs))
	defer func() {
		for _, m := range mats {
			m.Close()
		}
	}()

	for _, i := range idxs {
		s, err := l.ds.GetItem(i)
		if err != nil {
			return Batch{}, err
		}
		prompts = append(prompts, s.Prompt)
		answers = append(answers, s.Answer)
		mats = append(mats, s.Image)
	}

	in, err := l.proc.EncodeBatch(prompts, mats)
	if err != nil {
		return Batch{}, err
	}
	return Batch{In: in, Answers: answers}, nil
}
