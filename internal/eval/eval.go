package eval

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/qinfer/internal/dataset"
	"github.com/samcharles93/qinfer/internal/logger"
	"github.com/samcharles93/qinfer/internal/model"
	"github.com/samcharles93/qinfer/internal/quant"
)

// Classifier is satisfied by *model.Network.
type Classifier interface {
	Classify(x []float64) (model.Prediction, error)
}

// Report counts how often each evaluator matched the label.
type Report struct {
	Samples int `json:"samples"`
	// Correct counts integer-engine predictions equal to the label.
	Correct int `json:"correct"`
	// ReferenceCorrect uses the reference output before softmax.
	ReferenceCorrect int `json:"reference_correct"`
	// ReferenceSoftmaxCorrect uses the reference softmax output.
	ReferenceSoftmaxCorrect int `json:"reference_softmax_correct"`
	// Agree counts samples where the engine and the reference logits pick
	// the same class.
	Agree int `json:"agree"`

	Saturation quant.Saturation `json:"saturation"`
}

func ratio(n, d int) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}

func (r Report) Accuracy() float64 { return ratio(r.Correct, r.Samples) }

func (r Report) ReferenceAccuracy() float64 { return ratio(r.ReferenceCorrect, r.Samples) }

func (r Report) ReferenceSoftmaxAccuracy() float64 { return ratio(r.ReferenceSoftmaxCorrect, r.Samples) }

func (r Report) Agreement() float64 { return ratio(r.Agree, r.Samples) }

// Result is the outcome for one sample.
type Result struct {
	Index      int
	Label      int
	Class      int
	Saturation quant.Saturation

	// -1 when no reference is configured.
	ReferenceClass        int
	ReferenceSoftmaxClass int
}

func (r *Report) add(res Result) {
	r.Samples++
	if res.Class == res.Label {
		r.Correct++
	}
	if res.ReferenceClass == res.Label {
		r.ReferenceCorrect++
	}
	if res.ReferenceSoftmaxClass == res.Label {
		r.ReferenceSoftmaxCorrect++
	}
	if res.ReferenceClass >= 0 && res.ReferenceClass == res.Class {
		r.Agree++
	}
	r.Saturation = r.Saturation.Add(res.Saturation)
}

type Options struct {
	// Workers bounds the samples classified concurrently; <= 0 means
	// GOMAXPROCS.
	Workers   int
	Reference Reference
	// Progress, if set, is called with the running report after every
	// ProgressEvery completed samples (default 1). Calls are serialized.
	Progress      func(Report)
	ProgressEvery int
}

// Run classifies every sample and aggregates the outcome. It stops at the
// first error or when ctx is cancelled.
func Run(ctx context.Context, clf Classifier, samples []dataset.Sample, opts Options) (Report, error) {
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	every := max(opts.ProgressEvery, 1)
	log := logger.FromContext(ctx)

	var (
		mu      sync.Mutex
		running Report
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for _, s := range samples {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res, err := classify(clf, opts.Reference, s)
			if err != nil {
				return err
			}
			if res.Saturation.Total() > 0 {
				log.Debug("sample saturated", "index", s.Index, "low", res.Saturation.Low, "high", res.Saturation.High)
			}

			mu.Lock()
			defer mu.Unlock()
			running.add(res)
			if opts.Progress != nil && running.Samples%every == 0 {
				opts.Progress(running)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return running, err
	}
	if err := ctx.Err(); err != nil {
		return running, err
	}
	return running, nil
}

func classify(clf Classifier, ref Reference, s dataset.Sample) (Result, error) {
	pred, err := clf.Classify(s.Pixels)
	if err != nil {
		return Result{}, fmt.Errorf("sample %d: %w", s.Index, err)
	}
	res := Result{
		Index:                 s.Index,
		Label:                 s.Label,
		Class:                 pred.Class,
		Saturation:            pred.Saturation,
		ReferenceClass:        -1,
		ReferenceSoftmaxClass: -1,
	}
	if ref == nil {
		return res, nil
	}
	out, err := ref.Outputs(s.Index)
	if err != nil {
		return Result{}, err
	}
	res.ReferenceClass = argmax(out.Logits)
	res.ReferenceSoftmaxClass = argmax(out.Softmax)
	return res, nil
}
