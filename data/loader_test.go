package data

import (
	"fmt"
	"reflect"
	"testing"

	torch "github.com/wangkuiyi/gotorch"
	"gocv.io/x/gocv"

	"grabtune/ml"
)

// fakeDataset serves samples without image decoding so loader behavior can
// be tested on its own.
type fakeDataset struct {
	n    int
	fail int // index whose lookup fails, -1 for none
}

func (d *fakeDataset) Len() int { return d.n }

func (d *fakeDataset) GetItem(i int) (Sample, error) {
	if i < 0 || i >= d.n {
		return Sample{}, fmt.Errorf("index %d out of range", i)
	}
	if i == d.fail {
		return Sample{}, fmt.Errorf("sample %d is broken", i)
	}
	return Sample{Prompt: CaptionTask, Answer: fmt.Sprintf("answer %d", i)}, nil
}

// fakeProcessor collates without touching tensors.
type fakeProcessor struct {
	batches [][]string
}

func (p *fakeProcessor) EncodeBatch(prompts []string, images []gocv.Mat) (ml.Inputs, error) {
	p.batches = append(p.batches, append([]string(nil), prompts...))
	return ml.Inputs{}, nil
}

func (p *fakeProcessor) EncodeText(texts []string) (torch.Tensor, error) {
	return torch.Tensor{}, nil
}

func (p *fakeProcessor) Decode(ids [][]int64) []string { return make([]string, len(ids)) }

func (p *fakeProcessor) PostProcess(text, task string) map[string]string {
	return map[string]string{task: text}
}

func (p *fakeProcessor) Save(dir string) error { return nil }

func drain(l *Loader) []string {
	var answers []string
	for l.Scan() {
		answers = append(answers, l.Minibatch().Answers...)
	}
	return answers
}

func TestLoaderLen(t *testing.T) {
	cases := []struct {
		samples, batchSize, batches int
	}{
		{10, 1, 10},
		{10, 4, 3},
		{9, 3, 3},
		{1, 8, 1},
	}
	for _, c := range cases {
		l := NewLoader(&fakeDataset{n: c.samples, fail: -1}, &fakeProcessor{}, LoaderConfig{BatchSize: c.batchSize})
		if got := l.Len(); got != c.batches {
			t.Errorf("Len() with %d samples, batch %d = %d, want %d", c.samples, c.batchSize, got, c.batches)
		}
	}
}

func TestLoaderKeepsOrderWithoutShuffle(t *testing.T) {
	l := NewLoader(&fakeDataset{n: 5, fail: -1}, &fakeProcessor{}, LoaderConfig{BatchSize: 2})
	want := []string{"answer 0", "answer 1", "answer 2", "answer 3", "answer 4"}
	if got := drain(l); !reflect.DeepEqual(got, want) {
		t.Errorf("answers = %v, want %v", got, want)
	}

	// A second pass repeats the order.
	l.Reset()
	if got := drain(l); !reflect.DeepEqual(got, want) {
		t.Errorf("answers after Reset = %v, want %v", got, want)
	}
}

func TestLoaderReshufflesEachReset(t *testing.T) {
	l := NewLoader(&fakeDataset{n: 64, fail: -1}, &fakeProcessor{}, LoaderConfig{
		BatchSize: 1,
		Shuffle:   true,
		Seed:      7,
	})
	first := drain(l)
	l.Reset()
	second := drain(l)

	if len(first) != 64 || len(second) != 64 {
		t.Fatalf("passes saw %d and %d samples, want 64", len(first), len(second))
	}
	if reflect.DeepEqual(first, second) {
		t.Error("two shuffled passes produced the same order")
	}

	seen := make(map[string]bool, len(first))
	for _, a := range first {
		seen[a] = true
	}
	if len(seen) != 64 {
		t.Errorf("shuffled pass visited %d distinct samples, want 64", len(seen))
	}
}

func TestLoaderCollatesThroughProcessor(t *testing.T) {
	proc := &fakeProcessor{}
	l := NewLoader(&fakeDataset{n: 4, fail: -1}, proc, LoaderConfig{BatchSize: 2})
	drain(l)
	if len(proc.batches) != 2 {
		t.Fatalf("processor saw %d batches, want 2", len(proc.batches))
	}
	for i, b := range proc.batches {
		if len(b) != 2 {
			t.Errorf("batch %d has %d prompts, want 2", i, len(b))
		}
	}
}

func TestLoaderPropagatesLookupError(t *testing.T) {
	l := NewLoader(&fakeDataset{n: 5, fail: 3}, &fakeProcessor{}, LoaderConfig{BatchSize: 2})
	batches := 0
	for l.Scan() {
		batches++
	}
	if l.Err() == nil {
		t.Fatal("expected Err() after a broken sample")
	}
	if batches != 1 {
		t.Errorf("loader yielded %d batches before failing, want 1", batches)
	}
}

func TestLoaderPrefetchMatchesSynchronous(t *testing.T) {
	sync := NewLoader(&fakeDataset{n: 7, fail: -1}, &fakeProcessor{}, LoaderConfig{BatchSize: 2})
	pre := NewLoader(&fakeDataset{n: 7, fail: -1}, &fakeProcessor{}, LoaderConfig{BatchSize: 2, Workers: 2})
	if got, want := drain(pre), drain(sync); !reflect.DeepEqual(got, want) {
		t.Errorf("prefetching loader = %v, want %v", got, want)
	}
	if err := pre.Err(); err != nil {
		t.Errorf("prefetching loader error: %v", err)
	}
}

func TestLoaderPrefetchResetMidPass(t *testing.T) {
	l := NewLoader(&fakeDataset{n: 32, fail: -1}, &fakeProcessor{}, LoaderConfig{
		BatchSize: 1,
		Shuffle:   true,
		Workers:   2,
		Seed:      7,
	})

	// Abandon a pass after a few batches; the reshuffle must not disturb
	// the order the old prefetch goroutine is still reading.
	for i := 0; i < 5 && l.Scan(); i++ {
	}
	l.Reset()

	full := drain(l)
	if err := l.Err(); err != nil {
		t.Fatalf("pass after mid-pass Reset: %v", err)
	}
	seen := make(map[string]bool, len(full))
	for _, a := range full {
		seen[a] = true
	}
	if len(full) != 32 || len(seen) != 32 {
		t.Errorf("pass after Reset saw %d answers, %d distinct, want 32/32", len(full), len(seen))
	}
}

func TestLoaderPrefetchPropagatesError(t *testing.T) {
	l := NewLoader(&fakeDataset{n: 5, fail: 0}, &fakeProcessor{}, LoaderConfig{BatchSize: 1, Workers: 2})
	for l.Scan() {
	}
	if l.Err() == nil {
		t.Fatal("expected Err() from prefetching loader")
	}
}
