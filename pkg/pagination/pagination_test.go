package pagination

import "testing"

func TestNormalizeLimit(t *testing.T) {
	cases := map[int]int{0: DefaultLimit, -4: DefaultLimit, 10: 10, 500: MaxLimit}
	for in, want := range cases {
		if got := NormalizeLimit(in); got != want {
			t.Fatalf("NormalizeLimit(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestParamsOffset(t *testing.T) {
	if got := (Params{Page: 3, Limit: 20}).Offset(); got != 40 {
		t.Fatalf("expected offset 40, got %d", got)
	}
	if got := (Params{}).Offset(); got != 0 {
		t.Fatalf("expected offset 0 for defaults, got %d", got)
	}
}

func TestParse(t *testing.T) {
	p, err := Parse("", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Page != 1 || p.Limit != DefaultLimit {
		t.Fatalf("unexpected defaults %+v", p)
	}

	p, err = Parse("2", "1000")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Page != 2 || p.Limit != MaxLimit {
		t.Fatalf("expected clamped limit, got %+v", p)
	}

	for _, bad := range [][2]string{{"0", ""}, {"x", ""}, {"", "-1"}} {
		if _, err := Parse(bad[0], bad[1]); err == nil {
			t.Fatalf("expected error for %v", bad)
		}
	}
}
