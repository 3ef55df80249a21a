package naringest

import "testing"

func TestBasename(t *testing.T) {
	cases := map[string]string{
		"/":            "",
		"/bin":         "bin",
		"/bin/arp":     "arp",
		"/share/man/man1": "man1",
	}
	for in, want := range cases {
		if got := basename(in); got != want {
			t.Errorf("basename(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCountingWriter(t *testing.T) {
	c := &countingWriter{}
	n, err := c.Write([]byte("hello"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != 5 {
		t.Fatalf("Write returned %d, want 5", n)
	}
	if _, err := c.Write([]byte(" world")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if c.n != 11 {
		t.Fatalf("countingWriter.n = %d, want 11", c.n)
	}
}
