package blockhistory

import "testing"

func TestIsFinal(t *testing.T) {
	tests := []struct {
		height      uint64
		tip         uint64
		safetyDepth uint64
		want        bool
	}{
		{0, 0, 24, false},
		{10, 33, 24, false}, // 23 blocks on top, one short
		{10, 34, 24, true},  // exactly at depth
		{10, 100, 24, true},
		{50, 40, 24, false}, // above tip
		{5, 5, 0, true},     // zero depth: everything final
	}
	for _, tt := range tests {
		got := IsFinal(tt.height, tt.tip, tt.safetyDepth)
		if got != tt.want {
			t.Errorf("IsFinal(%d, %d, %d) = %v, want %v",
				tt.height, tt.tip, tt.safetyDepth, got, tt.want)
		}
	}
}

func TestPruneFloor(t *testing.T) {
	tests := []struct {
		tip       uint64
		keepDepth uint64
		want      uint64
	}{
		{100, 24, 76},
		{24, 24, 0},
		{10, 24, 0},
		{0, 0, 0},
	}
	for _, tt := range tests {
		got := PruneFloor(tt.tip, tt.keepDepth)
		if got != tt.want {
			t.Errorf("PruneFloor(%d, %d) = %d, want %d",
				tt.tip, tt.keepDepth, got, tt.want)
		}
	}
}
