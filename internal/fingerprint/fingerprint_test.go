package fingerprint

import "testing"

func TestComputeStableForSameInput(t *testing.T) {
	a := Compute("alice", "https://x.com/alice/status/1", "hello world")
	b := Compute("alice", "https://x.com/alice/status/1", "hello world")
	if a != b {
		t.Fatalf("expected stable fingerprint, got %q vs %q", a, b)
	}
}

func TestComputeDiffersByAuthor(t *testing.T) {
	a := Compute("alice", "https://x.com/p/1", "")
	b := Compute("bob", "https://x.com/p/1", "")
	if a == b {
		t.Fatal("expected different fingerprints for different authors")
	}
}

func TestComputeFallsBackToContentPrefix(t *testing.T) {
	a := Compute("alice", "", "identical content here")
	b := Compute("alice", "", "identical content here plus trailing noise that extends past")
	if a == b {
		t.Fatal("expected different fingerprints for different content")
	}

	long := make([]byte, 800)
	for i := range long {
		long[i] = 'x'
	}
	c := Compute("alice", "", string(long[:600]))
	d := Compute("alice", "", string(long[:700]))
	if c != d {
		t.Fatal("content beyond the first 500 chars must not affect the fingerprint")
	}
}

func TestComputePrefersLinkOverContent(t *testing.T) {
	a := Compute("alice", "https://x.com/p/1", "content A")
	b := Compute("alice", "https://x.com/p/1", "content B")
	if a != b {
		t.Fatal("expected canonical link to take precedence over content")
	}
}
