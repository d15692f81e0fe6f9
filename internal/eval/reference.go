// Package eval runs a classifier over a labelled dataset and compares it
// with the labels and, optionally, with a reference evaluator.
package eval

import (
	"errors"
	"fmt"
	"os"

	json "github.com/goccy/go-json"
)

var ErrNoReference = errors.New("no reference output for sample")

// Outputs are the reference evaluator's results for one sample: the output
// layer before softmax and the softmax output.
type Outputs struct {
	Logits  []float64 `json:"logits"`
	Softmax []float64 `json:"softmax,omitempty"`
}

// Reference yields reference outputs by sample index.
type Reference interface {
	Outputs(index int) (Outputs, error)
}

type referenceRecord struct {
	Index int `json:"index"`
	Outputs
}

type referenceDoc struct {
	Model   string            `json:"model,omitempty"`
	Samples []referenceRecord `json:"samples"`
}

// ReferenceFile holds reference outputs recorded ahead of time, one record
// per sample:
//
//	{"model": "...", "samples": [{"index": 0, "logits": [...], "softmax": [...]}]}
type ReferenceFile struct {
	Model   string
	samples map[int]Outputs
}

func LoadReferenceFile(path string) (*ReferenceFile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseReference(b)
}

func ParseReference(b []byte) (*ReferenceFile, error) {
	var doc referenceDoc
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("parse reference: %w", err)
	}
	rf := &ReferenceFile{Model: doc.Model, samples: make(map[int]Outputs, len(doc.Samples))}
	for _, r := range doc.Samples {
		if _, dup := rf.samples[r.Index]; dup {
			return nil, fmt.Errorf("parse reference: duplicate sample %d", r.Index)
		}
		if len(r.Logits) == 0 {
			return nil, fmt.Errorf("parse reference: sample %d has no logits", r.Index)
		}
		rf.samples[r.Index] = r.Outputs
	}
	return rf, nil
}

func (rf *ReferenceFile) Len() int { return len(rf.samples) }

func (rf *ReferenceFile) Outputs(index int) (Outputs, error) {
	o, ok := rf.samples[index]
	if !ok {
		return Outputs{}, fmt.Errorf("%w %d", ErrNoReference, index)
	}
	return o, nil
}

// argmax over reals; the lowest index wins ties.
func argmax(v []float64) int {
	if len(v) == 0 {
		return -1
	}
	best := 0
	for i := 1; i < len(v); i++ {
		if v[i] > v[best] {
			best = i
		}
	}
	return best
}
