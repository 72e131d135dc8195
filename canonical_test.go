package receipt

import "testing"

type canonExample struct {
	B int    `json:"b"`
	A string `json:"a"`
}

func TestCanonicalJSONSortsKeys(t *testing.T) {
	raw := []byte(`{"b":1,"a":"x"}`)
	got, err := CanonicalJSON(raw)
	if err != nil {
		t.Fatalf("CanonicalJSON: %v", err)
	}
	if string(got) != `{"a":"x","b":1}` {
		t.Fatalf("got %s, want sorted keys", got)
	}
}

func TestMarshalCanonicalFieldOrderIndependence(t *testing.T) {
	a := canonExample{A: "x", B: 1}
	b := struct {
		B int    `json:"b"`
		A string `json:"a"`
	}{B: 1, A: "x"}

	ca, err := MarshalCanonical(a)
	if err != nil {
		t.Fatalf("MarshalCanonical(a): %v", err)
	}
	cb, err := MarshalCanonical(b)
	if err != nil {
		t.Fatalf("MarshalCanonical(b): %v", err)
	}
	if string(ca) != string(cb) {
		t.Fatalf("canonical bytes differ despite equal fields: %s vs %s", ca, cb)
	}
}

func TestSHA256HexKnownVector(t *testing.T) {
	got := SHA256Hex([]byte("hello world"))
	want := "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"
	if got != want {
		t.Fatalf("SHA256Hex = %s, want %s", got, want)
	}
}

func TestSemanticDigestEmptyIsAllZero(t *testing.T) {
	got := SemanticDigest("")
	want := "0000000000000000"
	if got != want {
		t.Fatalf("SemanticDigest(\"\") = %s, want %s", got, want)
	}
}

func TestSemanticDigestSelfDistanceZero(t *testing.T) {
	d := SemanticDigest("the quick brown fox jumps over the lazy dog")
	if dist := SemanticDistance(d, d); dist != 0 {
		t.Fatalf("SemanticDistance(d, d) = %d, want 0", dist)
	}
}

func TestSemanticDistanceMalformedDigest(t *testing.T) {
	if dist := SemanticDistance("not-hex", "0000000000000000"); dist != -1 {
		t.Fatalf("SemanticDistance with malformed digest = %d, want -1", dist)
	}
}
