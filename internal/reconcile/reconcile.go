// Package reconcile stitches viewport captures taken at successive scroll
// offsets into one line sequence and removes content captured twice.
package reconcile

import (
	"hash/fnv"
	"sort"
	"strings"

	"leafcap/internal/logging"
)

// Options tunes the reconciliation heuristics. The defaults were tuned
// against the Overleaf CodeMirror viewport and are not invariants.
type Options struct {
	// OverlapWindow bounds the suffix/prefix search when stitching.
	OverlapWindow int `yaml:"overlap_window"`
	// BlockSize is the fingerprinted block length for duplicate-block removal.
	BlockSize int `yaml:"block_size"`
	// MinRun is the shortest repeated run the line-based pass removes.
	MinRun int `yaml:"min_run"`
	// MinLineLen is the trimmed length that makes a line substantial.
	MinLineLen int `yaml:"min_line_len"`
}

// DefaultOptions returns the stock heuristics.
func DefaultOptions() Options {
	return Options{
		OverlapWindow: 10,
		BlockSize:     20,
		MinRun:        5,
		MinLineLen:    3,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.OverlapWindow <= 0 {
		o.OverlapWindow = d.OverlapWindow
	}
	if o.BlockSize <= 0 {
		o.BlockSize = d.BlockSize
	}
	if o.MinRun <= 0 {
		o.MinRun = d.MinRun
	}
	if o.MinLineLen <= 0 {
		o.MinLineLen = d.MinLineLen
	}
	return o
}

// Chunk is the set of lines visible at one scroll offset.
type Chunk struct {
	Offset float64
	Lines  []string
}

// Stitch appends chunk to acc, dropping the longest prefix of chunk (at most
// window lines) that equals a suffix of acc. A chunk that is already the
// tail of acc adds nothing. With no overlap the whole chunk is appended.
func Stitch(acc, chunk []string, window int) []string {
	if len(chunk) == 0 {
		return acc
	}
	if len(acc) == 0 {
		return append(acc, chunk...)
	}
	if len(chunk) <= len(acc) && equalSlices(acc[len(acc)-len(chunk):], chunk) {
		return acc
	}

	limit := window
	if limit > len(acc) {
		limit = len(acc)
	}
	if limit > len(chunk) {
		limit = len(chunk)
	}
	for k := limit; k > 0; k-- {
		if equalSlices(acc[len(acc)-k:], chunk[:k]) {
			return append(acc, chunk[k:]...)
		}
	}
	return append(acc, chunk...)
}

// Reconciler accumulates chunks from one scroll-capture run.
type Reconciler struct {
	opts   Options
	chunks []Chunk
}

// New creates a Reconciler.
func New(opts Options) *Reconciler {
	return &Reconciler{opts: opts.withDefaults()}
}

// Add records the lines visible at offset.
func (r *Reconciler) Add(offset float64, lines []string) {
	cp := make([]string, len(lines))
	copy(cp, lines)
	r.chunks = append(r.chunks, Chunk{Offset: offset, Lines: cp})
}

// Len returns the number of chunks recorded.
func (r *Reconciler) Len() int { return len(r.chunks) }

// Lines stitches the recorded chunks in offset order and applies the
// cleanup pass. instrumented selects block fingerprinting over run removal.
func (r *Reconciler) Lines(instrumented bool) []string {
	return Merge(r.chunks, r.opts, instrumented)
}

// Merge stitches chunks ordered by offset, then removes repeated content.
func Merge(chunks []Chunk, opts Options, instrumented bool) []string {
	opts = opts.withDefaults()

	ordered := make([]Chunk, len(chunks))
	copy(ordered, chunks)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Offset < ordered[j].Offset })

	var acc []string
	for _, c := range ordered {
		acc = Stitch(acc, c.Lines, opts.OverlapWindow)
	}
	stitched := len(acc)

	if instrumented {
		acc = RemoveDuplicateBlocks(acc, opts.BlockSize, opts.MinLineLen)
	} else {
		acc = RemoveDuplicateRuns(acc, opts.MinRun, opts.MinLineLen)
	}
	logging.ReconcileDebug("merged %d chunks: %d stitched lines, %d after cleanup", len(chunks), stitched, len(acc))
	return acc
}

// RemoveDuplicateBlocks skips any blockSize-line block whose content was
// already emitted earlier as a non-overlapping block. Blocks made only of
// trivial lines are never treated as duplicates.
func RemoveDuplicateBlocks(lines []string, blockSize, minLineLen int) []string {
	n := len(lines)
	if blockSize <= 0 || n < 2*blockSize {
		return append([]string(nil), lines...)
	}

	hashes := windowHashes(lines, blockSize)
	seen := make(map[uint64][]int, len(hashes))
	out := make([]string, 0, n)

	i := 0
	for i < n {
		if i+blockSize <= n {
			h := hashes[i]
			if dupOf(lines, seen[h], i, blockSize) && hasSubstantial(lines[i:i+blockSize], minLineLen) {
				logging.ReconcileDebug("dropping repeated block at line %d", i)
				i += blockSize
				continue
			}
			seen[h] = append(seen[h], i)
		}
		out = append(out, lines[i])
		i++
	}
	return out
}

func dupOf(lines []string, starts []int, i, size int) bool {
	for _, j := range starts {
		if j+size <= i && equalSlices(lines[j:j+size], lines[i:i+size]) {
			return true
		}
	}
	return false
}

// windowHashes computes a rolling polynomial fingerprint over per-line FNV-1a
// hashes for every window of size lines.
func windowHashes(lines []string, size int) []uint64 {
	const base = 1099511628211

	lh := make([]uint64, len(lines))
	for i, l := range lines {
		h := fnv.New64a()
		h.Write([]byte(l))
		lh[i] = h.Sum64()
	}

	pow := uint64(1)
	for i := 1; i < size; i++ {
		pow *= base
	}

	out := make([]uint64, len(lines)-size+1)
	var h uint64
	for i := 0; i < size; i++ {
		h = h*base + lh[i]
	}
	out[0] = h
	for i := 1; i < len(out); i++ {
		h = (h-lh[i-1]*pow)*base + lh[i+size-1]
		out[i] = h
	}
	return out
}

// RemoveDuplicateRuns drops runs of at least minRun lines that immediately
// repeat the lines just emitted. A run qualifies only if it contains at least
// one substantial line, so blank padding is preserved.
func RemoveDuplicateRuns(lines []string, minRun, minLineLen int) []string {
	if minRun <= 0 {
		return append([]string(nil), lines...)
	}
	out := make([]string, 0, len(lines))
	i := 0
	for i < len(lines) {
		if run := repeatedRun(out, lines[i:], minRun, minLineLen); run > 0 {
			logging.ReconcileDebug("dropping %d repeated lines at %d", run, i)
			i += run
			continue
		}
		out = append(out, lines[i])
		i++
	}
	return out
}

// maxRunScan bounds how far back the run pass looks for a repeat.
const maxRunScan = 512

func repeatedRun(out, rest []string, minRun, minLineLen int) int {
	max := len(out)
	if max > maxRunScan {
		max = maxRunScan
	}
	if len(rest) < max {
		max = len(rest)
	}
	for l := max; l >= minRun; l-- {
		tail := out[len(out)-l:]
		if equalSlices(tail, rest[:l]) && hasSubstantial(tail, minLineLen) {
			return l
		}
	}
	return 0
}

func hasSubstantial(lines []string, minLen int) bool {
	for _, l := range lines {
		if len(strings.TrimSpace(l)) >= minLen {
			return true
		}
	}
	return false
}

func equalSlices(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
