// Package parallel splits independent index ranges across goroutines.
package parallel

import (
	"runtime"
	"sync"
)

// Config controls how For fans out work.
type Config struct {
	Workers      int // goroutines to use; <= 0 means GOMAXPROCS
	MinChunkSize int // ranges shorter than this run on the calling goroutine
}

// DefaultConfig uses every available CPU and keeps small ranges sequential.
func DefaultConfig() Config {
	return Config{
		Workers:      runtime.GOMAXPROCS(0),
		MinChunkSize: 16,
	}
}

// Sequential runs everything on the calling goroutine.
func Sequential() Config {
	return Config{Workers: 1}
}

// For calls fn(start, end) over disjoint sub-ranges covering [0, n).
// It returns once every call has finished.
func For(n int, cfg Config, fn func(start, end int)) {
	if n <= 0 {
		return
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	minChunk := max(cfg.MinChunkSize, 1)
	workers = min(workers, (n+minChunk-1)/minChunk)
	if workers <= 1 {
		fn(0, n)
		return
	}

	chunk := (n + workers - 1) / workers
	var wg sync.WaitGroup
	for start := 0; start < n; start += chunk {
		end := min(start+chunk, n)
		wg.Add(1)
		go func(s, e int) {
			defer wg.Done()
			fn(s, e)
		}(start, end)
	}
	wg.Wait()
}
