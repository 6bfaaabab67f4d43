package eventlog

import "testing"

func TestCanonicalSortsKeys(t *testing.T) {
	a := map[string]any{"b": 1, "a": 2, "c": map[string]any{"z": 1, "y": 2}}
	got, err := Canonical(a)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"a":2,"b":1,"c":{"y":2,"z":1}}`
	if got != want {
		t.Fatalf("got %s want %s", got, want)
	}
}

func TestCanonicalDeterministic(t *testing.T) {
	a := map[string]any{"x": []any{1, 2, map[string]any{"n": 1, "m": 2}}}
	g1, _ := Canonical(a)
	g2, _ := Canonical(a)
	if g1 != g2 {
		t.Fatalf("expected deterministic output: %s vs %s", g1, g2)
	}
}
