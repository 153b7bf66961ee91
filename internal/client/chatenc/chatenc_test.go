package chatenc

import "testing"

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []string{
		`100% sure, she said "go" and it's fine\nice`,
		"line one\nline two",
		`back\slash`,
	}
	for _, c := range cases {
		encoded := Encode(c)
		decoded := Decode(encoded)
		if decoded != c {
			t.Fatalf("round trip failed: %q -> %q -> %q", c, encoded, decoded)
		}
	}
}

func TestEncodeEscapesDelimiter(t *testing.T) {
	got := Encode("50%")
	if got != "50&percnt;" {
		t.Fatalf("got %q", got)
	}
}
