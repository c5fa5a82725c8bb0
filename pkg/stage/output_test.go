package stage

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/vnykmshr/stageflow/internal/testutil"
)

func TestOutputShapes(t *testing.T) {
	tests := []struct {
		name      string
		out       Output
		wantArgs  []Value
		wantValue Value
		wantStr   string
		none      bool
		single    bool
		multiple  bool
	}{
		{"none", None, nil, nil, "None", true, false, false},
		{"single scalar", Single(3), []Value{3}, 3, "Single(3)", false, true, false},
		{"single slice stays one value", Single([]int{1, 2}), []Value{[]int{1, 2}}, []int{1, 2}, "Single([1 2])", false, true, false},
		{"multiple", Multiple(3, 4), []Value{3, 4}, []Value{3, 4}, "Multiple[3 4]", false, false, true},
		{"empty multiple", Multiple(), []Value{}, []Value{}, "Multiple[]", false, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.wantArgs, tt.out.Args()); diff != "" {
				t.Errorf("Args() mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.wantValue, tt.out.Value()); diff != "" {
				t.Errorf("Value() mismatch (-want +got):\n%s", diff)
			}
			testutil.AssertEqual(t, tt.out.String(), tt.wantStr)
			testutil.AssertEqual(t, tt.out.IsNone(), tt.none)
			testutil.AssertEqual(t, tt.out.IsSingle(), tt.single)
			testutil.AssertEqual(t, tt.out.IsMultiple(), tt.multiple)
			testutil.AssertEqual(t, tt.out.Len(), len(tt.wantArgs))
		})
	}
}

func TestZeroOutputIsNone(t *testing.T) {
	var out Output
	testutil.AssertEqual(t, out.IsNone(), true)
	testutil.AssertEqual(t, Multiple().IsNone(), false)
	testutil.AssertEqual(t, Single(nil).IsNone(), false)
}
