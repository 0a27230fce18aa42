package cluster

import (
	"math"
	"testing"
)

func TestCutDendrogramEmpty(t *testing.T) {
	rows, err := CentroidLinkage(nil)
	if err != nil {
		t.Fatalf("CentroidLinkage: %v", err)
	}
	labels := CutDendrogram(rows, 0, 1.0)
	if labels != nil {
		t.Errorf("expected nil labels for empty input, got %v", labels)
	}
}

func TestCutDendrogramSingleSample(t *testing.T) {
	rows, err := CentroidLinkage([][]float64{{1, 0, 0}})
	if err != nil {
		t.Fatalf("CentroidLinkage: %v", err)
	}
	labels := CutDendrogram(rows, 1, 1.0)
	if len(labels) != 1 || labels[0] != 0 {
		t.Errorf("labels = %v, want [0]", labels)
	}
}

func TestAHCOrthogonalVectorsYieldSingletons(t *testing.T) {
	vectors := [][]float64{
		{1, 0, 0, 0},
		{0, 1, 0, 0},
		{0, 0, 1, 0},
		{0, 0, 0, 1},
	}
	normalized := L2Normalize(vectors)
	rows, err := CentroidLinkage(normalized)
	if err != nil {
		t.Fatalf("CentroidLinkage: %v", err)
	}
	cut := ThresholdToDistance(0.9)
	labels := CutDendrogram(rows, 4, cut)
	want := []int{0, 1, 2, 3}
	for i := range want {
		if labels[i] != want[i] {
			t.Errorf("labels = %v, want %v", labels, want)
			break
		}
	}
}

func TestAHCDuplicatesMergeAndOpposedStaysSeparate(t *testing.T) {
	v := []float64{1, 0, 0}
	neg := []float64{-1, 0, 0}
	vectors := [][]float64{v, v, v, neg}
	rows, err := CentroidLinkage(vectors)
	if err != nil {
		t.Fatalf("CentroidLinkage: %v", err)
	}
	cut := ThresholdToDistance(0.5)
	labels := CutDendrogram(rows, 4, cut)
	if labels[0] != labels[1] || labels[1] != labels[2] {
		t.Errorf("expected first three labels equal, got %v", labels)
	}
	if labels[3] == labels[0] {
		t.Errorf("expected opposed vector in a different cluster, got %v", labels)
	}
}

func TestAHCZeroCutYieldsAllSingletons(t *testing.T) {
	vectors := [][]float64{{1, 0}, {1, 0}, {1, 0}}
	rows, err := CentroidLinkage(vectors)
	if err != nil {
		t.Fatalf("CentroidLinkage: %v", err)
	}
	labels := CutDendrogram(rows, 3, -1) // cut below every possible merge distance
	seen := map[int]bool{}
	for _, l := range labels {
		seen[l] = true
	}
	if len(seen) != 3 {
		t.Errorf("expected 3 singleton labels, got %d distinct labels: %v", len(seen), labels)
	}
}

func TestAHCInfiniteCutYieldsOneCluster(t *testing.T) {
	vectors := [][]float64{{1, 0}, {0, 1}, {-1, 0}, {0, -1}}
	rows, err := CentroidLinkage(vectors)
	if err != nil {
		t.Fatalf("CentroidLinkage: %v", err)
	}
	labels := CutDendrogram(rows, 4, math.Inf(1))
	for _, l := range labels {
		if l != labels[0] {
			t.Errorf("expected one cluster for infinite cut, got %v", labels)
			break
		}
	}
}

func TestCentroidLinkageRejectsNaN(t *testing.T) {
	vectors := [][]float64{{1, 0}, {math.NaN(), 0}}
	if _, err := CentroidLinkage(vectors); err == nil {
		t.Error("expected error for NaN input")
	}
}

func TestThresholdToDistanceBounds(t *testing.T) {
	if d := ThresholdToDistance(1); d != 0 {
		t.Errorf("ThresholdToDistance(1) = %v, want 0", d)
	}
	if d := ThresholdToDistance(-1); math.Abs(d-2) > 1e-9 {
		t.Errorf("ThresholdToDistance(-1) = %v, want 2", d)
	}
}

func TestDendrogramRowCountIsNMinusOne(t *testing.T) {
	vectors := [][]float64{{1, 0}, {0, 1}, {1, 1}, {2, 2}, {0, 0}}
	rows, err := CentroidLinkage(vectors)
	if err != nil {
		t.Fatalf("CentroidLinkage: %v", err)
	}
	if len(rows) != len(vectors)-1 {
		t.Errorf("len(rows) = %d, want %d", len(rows), len(vectors)-1)
	}
}
