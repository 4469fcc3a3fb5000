package assign

import "testing"

func TestHungarianSimple(t *testing.T) {
	cost := [][]float64{
		{4, 1, 3},
		{2, 0, 5},
		{3, 2, 2},
	}
	got := Hungarian(cost)
	// Optimal total is 5: row1→col1 (cost 0) is tempting but the optimum assigns
	// 0→1(1), 1→0(2), 2→2(2).
	want := []int{1, 0, 2}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("assignment = %v, want %v", got, want)
		}
	}
}

func TestHungarianRectangularWide(t *testing.T) {
	// More columns than rows: every row gets a distinct column.
	cost := [][]float64{
		{10, 1, 10, 10},
		{1, 10, 10, 10},
	}
	got := Hungarian(cost)
	if got[0] != 1 || got[1] != 0 {
		t.Fatalf("assignment = %v", got)
	}
}

func TestHungarianRectangularTall(t *testing.T) {
	// More rows than columns: excess rows stay unassigned.
	cost := [][]float64{
		{1},
		{2},
		{3},
	}
	got := Hungarian(cost)
	assigned := 0
	for i, col := range got {
		if col == 0 {
			assigned++
			if i != 0 {
				t.Errorf("row %d took the column; row 0 is cheaper", i)
			}
		}
	}
	if assigned != 1 {
		t.Fatalf("exactly one row should win the single column: %v", got)
	}
}

func TestHungarianForbidden(t *testing.T) {
	cost := [][]float64{
		{Forbidden, Forbidden},
		{1, Forbidden},
	}
	got := Hungarian(cost)
	if got[0] != -1 {
		t.Errorf("row 0 has only forbidden options: %v", got)
	}
	if got[1] != 0 {
		t.Errorf("row 1 should take column 0: %v", got)
	}
}

func TestHungarianUniqueColumns(t *testing.T) {
	cost := [][]float64{
		{1, 1, 1},
		{1, 1, 1},
		{1, 1, 1},
	}
	got := Hungarian(cost)
	seen := make(map[int]bool)
	for _, col := range got {
		if col == -1 {
			t.Fatalf("square all-feasible matrix must fully assign: %v", got)
		}
		if seen[col] {
			t.Fatalf("column %d assigned twice: %v", col, got)
		}
		seen[col] = true
	}
}

func TestHungarianEmpty(t *testing.T) {
	if got := Hungarian(nil); got != nil {
		t.Errorf("nil input: %v", got)
	}
	got := Hungarian([][]float64{{}})
	if len(got) != 1 || got[0] != -1 {
		t.Errorf("zero-column input: %v", got)
	}
}
