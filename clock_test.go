package tandem

import "testing"

func TestVectorClockTickAndMerge(t *testing.T) {
	vc := NewVectorClock()
	if vc.Tick("dev-a") != 1 || vc.Tick("dev-a") != 2 {
		t.Fatal("tick did not increment")
	}
	vc.MergeMap(map[string]uint64{"dev-a": 1, "dev-b": 7})
	if vc.Get("dev-a") != 2 {
		t.Error("merge regressed a component")
	}
	if vc.Get("dev-b") != 7 {
		t.Error("merge dropped a component")
	}
}

func TestCompareClocks(t *testing.T) {
	cases := []struct {
		name string
		a, b map[string]uint64
		want int
	}{
		{"equal", map[string]uint64{"x": 1}, map[string]uint64{"x": 1}, 0},
		{"before", map[string]uint64{"x": 1}, map[string]uint64{"x": 2}, -1},
		{"after", map[string]uint64{"x": 2, "y": 1}, map[string]uint64{"x": 2}, 1},
		{"concurrent", map[string]uint64{"x": 1}, map[string]uint64{"y": 1}, 0},
	}
	for _, tc := range cases {
		if got := CompareClocks(tc.a, tc.b); got != tc.want {
			t.Errorf("%s: CompareClocks = %d, expected %d", tc.name, got, tc.want)
		}
	}
}

func TestFrontierCoversAndAdvance(t *testing.T) {
	f := Frontier{}
	if f.Covers("dev-a", 1) {
		t.Error("empty frontier covers seq 1")
	}
	f.Advance("dev-a", 3)
	if !f.Covers("dev-a", 3) || f.Covers("dev-a", 4) {
		t.Errorf("frontier after advance = %v", f)
	}
	// Advance never regresses.
	f.Advance("dev-a", 2)
	if f["dev-a"] != 3 {
		t.Errorf("advance regressed to %d", f["dev-a"])
	}
}

func TestFrontierMergeAndEqual(t *testing.T) {
	a := Frontier{"x": 2, "y": 1}
	b := Frontier{"x": 1, "z": 5}
	a.Merge(b)
	want := Frontier{"x": 2, "y": 1, "z": 5}
	if !a.Equal(want) {
		t.Errorf("merged frontier = %v", a)
	}
	if a.Equal(Frontier{"x": 2}) {
		t.Error("Equal ignored missing components")
	}
}

func TestFrontierBinaryRoundtrip(t *testing.T) {
	f := Frontier{"dev-a": 12, "dev-b": 3}
	data, err := f.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := UnmarshalFrontier(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !got.Equal(f) {
		t.Errorf("roundtrip = %v", got)
	}
}
