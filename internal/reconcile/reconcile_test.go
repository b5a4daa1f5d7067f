package reconcile

import (
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
)

func numbered(prefix string, from, to int) []string {
	var out []string
	for i := from; i < to; i++ {
		out = append(out, fmt.Sprintf("%s%d", prefix, i))
	}
	return out
}

func TestStitch(t *testing.T) {
	tests := []struct {
		name  string
		acc   []string
		chunk []string
		want  []string
	}{
		{
			name:  "overlap",
			acc:   []string{"L1", "L2", "L3", "L4", "L5"},
			chunk: []string{"L4", "L5", "L6", "L7"},
			want:  []string{"L1", "L2", "L3", "L4", "L5", "L6", "L7"},
		},
		{
			name:  "no overlap appends everything",
			acc:   []string{"L1", "L2"},
			chunk: []string{"X", "Y"},
			want:  []string{"L1", "L2", "X", "Y"},
		},
		{
			name:  "chunk already at tail",
			acc:   []string{"a", "b", "c"},
			chunk: []string{"b", "c"},
			want:  []string{"a", "b", "c"},
		},
		{
			name:  "empty accumulator",
			acc:   nil,
			chunk: []string{"a"},
			want:  []string{"a"},
		},
		{
			name:  "longest overlap wins",
			acc:   []string{"x", "y", "x", "y"},
			chunk: []string{"x", "y", "x", "y", "z"},
			want:  []string{"x", "y", "x", "y", "z"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Stitch(append([]string(nil), tt.acc...), tt.chunk, 10)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Stitch mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestStitchRespectsWindow(t *testing.T) {
	acc := numbered("L", 0, 30)
	chunk := numbered("L", 15, 40) // 15-line overlap, beyond a 10-line window
	got := Stitch(append([]string(nil), acc...), chunk, 10)
	assert.Len(t, got, 30+25, "overlap past the window must not be detected")
}

func TestMergeIsIdempotent(t *testing.T) {
	chunks := []Chunk{
		{Offset: 0, Lines: numbered("L", 0, 12)},
		{Offset: 300, Lines: numbered("L", 8, 20)},
		{Offset: 600, Lines: numbered("L", 16, 28)},
	}
	first := Merge(chunks, DefaultOptions(), false)
	second := Merge(chunks, DefaultOptions(), false)
	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("merge not deterministic:\n%s", diff)
	}
	if diff := cmp.Diff(numbered("L", 0, 28), first); diff != "" {
		t.Errorf("unexpected merge (-want +got):\n%s", diff)
	}

	doubled := append(append([]Chunk(nil), chunks...), chunks...)
	if diff := cmp.Diff(first, Merge(doubled, DefaultOptions(), false)); diff != "" {
		t.Errorf("re-feeding the same chunks accumulated lines:\n%s", diff)
	}
}

func TestMergeSortsByOffset(t *testing.T) {
	r := New(Options{})
	r.Add(500, []string{"c", "d"})
	r.Add(0, []string{"a", "b", "c"})
	assert.Equal(t, 2, r.Len())
	assert.Equal(t, []string{"a", "b", "c", "d"}, r.Lines(false))
}

func TestRemoveDuplicateBlocks(t *testing.T) {
	block := numbered("line ", 0, 20)
	input := append(append(append([]string(nil), block...), block...), numbered("tail ", 0, 5)...)
	assert.Len(t, input, 45)

	got := RemoveDuplicateBlocks(input, 20, 3)

	want := append(append([]string(nil), block...), numbered("tail ", 0, 5)...)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("RemoveDuplicateBlocks mismatch (-want +got):\n%s", diff)
	}
}

func TestRemoveDuplicateBlocksKeepsBlankPadding(t *testing.T) {
	input := make([]string, 50)
	got := RemoveDuplicateBlocks(input, 20, 3)
	assert.Len(t, got, 50)
}

func TestRemoveDuplicateBlocksShortInput(t *testing.T) {
	input := numbered("x", 0, 10)
	assert.Equal(t, input, RemoveDuplicateBlocks(input, 20, 3))
}

func TestRemoveDuplicateRuns(t *testing.T) {
	head := numbered("\\item ", 0, 10)
	// Lines 4..9 repeated after the first pass of the viewport.
	input := append(append(append([]string(nil), head...), head[4:]...), "\\end{itemize}")
	got := RemoveDuplicateRuns(input, 5, 3)
	want := append(append([]string(nil), head...), "\\end{itemize}")
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("RemoveDuplicateRuns mismatch (-want +got):\n%s", diff)
	}
}

func TestRemoveDuplicateRunsIgnoresShortAndTrivialRuns(t *testing.T) {
	short := []string{"aaa", "bbb", "aaa", "bbb"}
	assert.Equal(t, short, RemoveDuplicateRuns(short, 5, 3))

	blank := []string{"", "", "", "", "", "", "", "", "", "", "}"}
	assert.Equal(t, blank, RemoveDuplicateRuns(blank, 5, 3))
}

func TestMergeInstrumentedUsesBlocks(t *testing.T) {
	block := numbered("row ", 0, 20)
	chunks := []Chunk{
		{Offset: 0, Lines: block},
		{Offset: 1, Lines: []string{"gap"}},
		{Offset: 2, Lines: block},
	}
	got := Merge(chunks, DefaultOptions(), true)
	assert.Equal(t, append(append([]string(nil), block...), "gap"), got)
}
