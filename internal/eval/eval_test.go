package eval

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/qinfer/internal/dataset"
	"github.com/samcharles93/qinfer/internal/model"
	"github.com/samcharles93/qinfer/internal/quant"
)

// firstPixel predicts the class stored in the first pixel, scaled by 10.
type firstPixel struct {
	calls atomic.Int64
	fail  int
}

func (c *firstPixel) Classify(x []float64) (model.Prediction, error) {
	c.calls.Add(1)
	class := int(math.Round(x[0] * 10))
	if c.fail > 0 && class == c.fail {
		return model.Prediction{}, errors.New("boom")
	}
	return model.Prediction{Class: class, Logits: []int32{int32(class)}, Saturation: quant.Saturation{High: class % 2}}, nil
}

func samples(classes []int, labels []int) []dataset.Sample {
	out := make([]dataset.Sample, len(classes))
	for i := range classes {
		out[i] = dataset.Sample{Index: i, Pixels: []float64{float64(classes[i]) / 10}, Label: labels[i]}
	}
	return out
}

func TestRunWithoutReference(t *testing.T) {
	t.Parallel()

	var progress []int
	rep, err := Run(context.Background(), &firstPixel{}, samples([]int{1, 2, 3, 4}, []int{1, 2, 0, 4}), Options{
		Workers:       2,
		ProgressEvery: 2,
		Progress:      func(r Report) { progress = append(progress, r.Samples) },
	})
	require.NoError(t, err)
	assert.Equal(t, 4, rep.Samples)
	assert.Equal(t, 3, rep.Correct)
	assert.Zero(t, rep.ReferenceCorrect)
	assert.Zero(t, rep.Agree)
	assert.Equal(t, quant.Saturation{High: 2}, rep.Saturation)
	assert.InDelta(t, 0.75, rep.Accuracy(), 1e-12)
	assert.Equal(t, []int{2, 4}, progress)
}

func TestRunWithReference(t *testing.T) {
	t.Parallel()

	ref, err := ParseReference([]byte(`{
		"model": "mnist",
		"samples": [
			{"index": 0, "logits": [0, 5, 1], "softmax": [0.1, 0.8, 0.1]},
			{"index": 1, "logits": [9, 5, 1], "softmax": [0.1, 0.1, 0.8]},
			{"index": 2, "logits": [3, 3, 3], "softmax": [0.2, 0.6, 0.2]}
		]
	}`))
	require.NoError(t, err)
	assert.Equal(t, 3, ref.Len())
	assert.Equal(t, "mnist", ref.Model)

	rep, err := Run(context.Background(), &firstPixel{}, samples([]int{1, 2, 0}, []int{1, 2, 1}), Options{Reference: ref})
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Samples)
	assert.Equal(t, 2, rep.Correct)
	// reference logits pick 1, 0, 0 (tie goes low)
	assert.Equal(t, 1, rep.ReferenceCorrect)
	// softmax picks 1, 2, 1
	assert.Equal(t, 3, rep.ReferenceSoftmaxCorrect)
	// engine 1, 2, 0 vs reference 1, 0, 0
	assert.Equal(t, 2, rep.Agree)
	assert.InDelta(t, 2.0/3, rep.Agreement(), 1e-12)
}

func TestRunMissingReference(t *testing.T) {
	t.Parallel()

	ref, err := ParseReference([]byte(`{"samples": [{"index": 0, "logits": [1]}]}`))
	require.NoError(t, err)

	_, err = Run(context.Background(), &firstPixel{}, samples([]int{0, 0}, []int{0, 0}), Options{Reference: ref, Workers: 1})
	require.ErrorIs(t, err, ErrNoReference)
}

func TestRunStopsOnError(t *testing.T) {
	t.Parallel()

	clf := &firstPixel{fail: 3}
	classes := make([]int, 100)
	for i := range classes {
		classes[i] = 3
	}
	_, err := Run(context.Background(), clf, samples(classes, classes), Options{Workers: 1})
	require.EqualError(t, err, "sample 0: boom")
	assert.Equal(t, int64(1), clf.calls.Load())
}

func TestRunCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	clf := &firstPixel{}
	_, err := Run(ctx, clf, samples([]int{1, 2, 3}, []int{1, 2, 3}), Options{})
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, clf.calls.Load())
}

func TestParseReferenceErrors(t *testing.T) {
	t.Parallel()

	for name, doc := range map[string]string{
		"invalid json": `{"samples": [`,
		"duplicate":    `{"samples": [{"index": 1, "logits": [1]}, {"index": 1, "logits": [2]}]}`,
		"empty logits": `{"samples": [{"index": 0, "logits": []}]}`,
	} {
		_, err := ParseReference([]byte(doc))
		assert.Error(t, err, name)
	}
}

func TestLoadReferenceFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "ref.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"samples": [{"index": 4, "logits": [1, 2]}]}`), 0o644))
	ref, err := LoadReferenceFile(path)
	require.NoError(t, err)

	out, err := ref.Outputs(4)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2}, out.Logits)
	assert.Empty(t, out.Softmax)
	assert.Equal(t, -1, argmax(out.Softmax))
}
