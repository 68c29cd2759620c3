package backend

import (
	"testing"

	"github.com/fenwick-ai/emberd/internal/batch"
	"github.com/fenwick-ai/emberd/internal/model"
)

func samplePaddedBatch() batch.PaddedBatch {
	return batch.PaddedBatch{
		InputIDs:      [][]int64{{1, 2, 3}, {4, 5, 0}},
		AttentionMask: [][]int64{{1, 1, 1}, {1, 1, 0}},
		TokenTypeIDs:  [][]int64{{0, 0, 0}, {0, 0, 0}},
		PositionIDs:   [][]int64{{2, 3, 4}, {2, 3, 4}}, // position_offset=2 baked in
		LMax:          3,
	}
}

func TestFlattenBatchFourInputIncludesTypesAndPositions(t *testing.T) {
	pb := samplePaddedBatch()
	fb, err := flattenBatch(pb, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	wantIDs := []int64{1, 2, 3, 4, 5, 0}
	wantMask := []int64{1, 1, 1, 1, 1, 0}
	wantTypes := []int64{0, 0, 0, 0, 0, 0}
	wantPos := []int64{2, 3, 4, 2, 3, 4}

	assertInt64Slice(t, "ids", fb.ids, wantIDs)
	assertInt64Slice(t, "mask", fb.mask, wantMask)
	assertInt64Slice(t, "types", fb.types, wantTypes)
	assertInt64Slice(t, "positions", fb.positions, wantPos)

	if fb.batchSize != 2 || fb.lMax != 3 {
		t.Fatalf("got batchSize=%d lMax=%d, want 2/3", fb.batchSize, fb.lMax)
	}
}

func TestFlattenBatchTwoInputOmitsTypesAndPositions(t *testing.T) {
	pb := samplePaddedBatch()
	// A 2-input session's PaddedBatch never has TokenTypeIDs/PositionIDs
	// populated (batch.padEntries skips them when !cfg.HasTokenType); nil
	// those fields here to simulate that path and confirm flattenBatch
	// never dereferences them when fourInput is false.
	pb.TokenTypeIDs = nil
	pb.PositionIDs = nil

	fb, err := flattenBatch(pb, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fb.types != nil || fb.positions != nil {
		t.Fatalf("expected nil types/positions for a 2-input session, got %v / %v", fb.types, fb.positions)
	}
	assertInt64Slice(t, "ids", fb.ids, []int64{1, 2, 3, 4, 5, 0})
	assertInt64Slice(t, "mask", fb.mask, []int64{1, 1, 1, 1, 1, 0})
}

func TestFlattenBatchEmptyBatchIsError(t *testing.T) {
	_, err := flattenBatch(batch.PaddedBatch{}, true)
	if err == nil {
		t.Fatal("expected an error for an empty batch")
	}
}

func assertInt64Slice(t *testing.T, name string, got, want []int64) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("%s: length mismatch, got %v want %v", name, got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("%s: mismatch at %d, got %v want %v", name, i, got, want)
		}
	}
}

func TestPoolRowCLSTakesFirstRow(t *testing.T) {
	// [B=1, L=2, D=2] hidden state.
	hidden := []float32{1, 2, 3, 4}
	mask := []int64{1, 1}
	got := poolRow(hidden, 0, 2, 2, mask, model.PoolingCLS)
	want := []float32{1, 2}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestPoolRowMeanIgnoresPaddedPositions(t *testing.T) {
	// row: token0=[1,1], token1=[3,3] (padded, mask=0) -> mean should be [1,1]
	hidden := []float32{1, 1, 3, 3}
	mask := []int64{1, 0}
	got := poolRow(hidden, 0, 2, 2, mask, model.PoolingMean)
	if got[0] != 1 || got[1] != 1 {
		t.Fatalf("expected mean to ignore padded token, got %v", got)
	}
}

func TestPoolRowLastTokenTakesLastNonPadded(t *testing.T) {
	hidden := []float32{1, 1, 2, 2, 3, 3}
	mask := []int64{1, 1, 0}
	got := poolRow(hidden, 0, 3, 2, mask, model.PoolingLastToken)
	if got[0] != 2 || got[1] != 2 {
		t.Fatalf("expected last non-padded token [2,2], got %v", got)
	}
}

func TestL2NormalizeProducesUnitVector(t *testing.T) {
	v := []float32{3, 4}
	l2Normalize(v)
	if got := v[0]*v[0] + v[1]*v[1]; got < 0.999 || got > 1.001 {
		t.Fatalf("expected unit vector, got squared norm %v", got)
	}
}

func TestL2NormalizeLeavesZeroVectorUntouched(t *testing.T) {
	v := []float32{0, 0}
	l2Normalize(v)
	if v[0] != 0 || v[1] != 0 {
		t.Fatalf("expected zero vector to stay zero, got %v", v)
	}
}
