package terminal

import (
	"bytes"
	"testing"
)

func TestScrollbackAppendAndReplayOrder(t *testing.T) {
	sb := NewScrollback(1024)
	sb.Append([]byte("one"))
	sb.Append([]byte("two"))
	sb.Append([]byte("three"))

	var joined bytes.Buffer
	for _, c := range sb.Chunks() {
		joined.Write(c)
	}
	if got := joined.String(); got != "onetwothree" {
		t.Fatalf("replay = %q, want onetwothree", got)
	}
	if sb.Size() != len("onetwothree") {
		t.Fatalf("size = %d", sb.Size())
	}
}

func TestScrollbackEvictsWholeChunks(t *testing.T) {
	sb := NewScrollback(10)
	sb.Append([]byte("aaaa")) // 4
	sb.Append([]byte("bbbb")) // 8
	sb.Append([]byte("cccc")) // 12 -> evict "aaaa"

	if sb.Len() != 2 {
		t.Fatalf("chunk count = %d, want 2", sb.Len())
	}
	if string(sb.Chunks()[0]) != "bbbb" {
		t.Fatalf("front chunk = %q, want bbbb (oldest evicted first)", sb.Chunks()[0])
	}
	if sb.Size() != 8 {
		t.Fatalf("size = %d, want 8", sb.Size())
	}
}

func TestScrollbackNeverSplitsAChunk(t *testing.T) {
	sb := NewScrollback(4)
	sb.Append([]byte("0123456789"))

	if sb.Len() != 1 {
		t.Fatalf("chunk count = %d, want 1", sb.Len())
	}
	if string(sb.Chunks()[0]) != "0123456789" {
		t.Fatal("oversized chunk must be kept whole, not truncated")
	}
}

func TestScrollbackCopiesInput(t *testing.T) {
	sb := NewScrollback(64)
	data := []byte("abc")
	sb.Append(data)
	data[0] = 'z'

	if string(sb.Chunks()[0]) != "abc" {
		t.Fatal("append must copy, not alias, the caller's buffer")
	}
}

func TestScrollbackIgnoresEmptyAppend(t *testing.T) {
	sb := NewScrollback(64)
	sb.Append(nil)
	sb.Append([]byte{})
	if sb.Len() != 0 || sb.Size() != 0 {
		t.Fatal("empty appends must not create chunks")
	}
}
