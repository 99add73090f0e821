package dirtylog

import (
	"sync/atomic"
	"testing"
	"unsafe"

	"golang.org/x/sync/errgroup"
)

func collect(l *Log, first, last uint64) []uint64 {
	var pages []uint64
	l.Drain(first, last, func(pageAddr uint64) {
		pages = append(pages, pageAddr)
	})
	return pages
}

func TestAbsentLog(t *testing.T) {
	l := New(0)
	if l != nil {
		t.Fatalf("zero-size log is not absent: %+v", l)
	}
	if l.Len() != 0 || l.Base() != 0 {
		t.Fatalf("absent log has len %d base %#x", l.Len(), l.Base())
	}
}

func TestBaseIsStorageAddress(t *testing.T) {
	l := New(4)
	if l.Base() == 0 {
		t.Fatal("allocated log has zero base")
	}
	if want := uint64(uintptr(unsafe.Pointer(&l.words[0]))); l.Base() != want {
		t.Fatalf("base %#x is not the storage address %#x", l.Base(), want)
	}
	for i, w := range l.words {
		if w != 0 {
			t.Fatalf("word %d not zeroed: %#x", i, w)
		}
	}
}

func TestDrainReportsSetBits(t *testing.T) {
	l := New(4)
	l.words[0] = 0b1010

	got := collect(l, 0, 4*ChunkSize-1)
	want := []uint64{1 * PageSize, 3 * PageSize}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("drained %#v, want %#v", got, want)
	}

	// The words were cleared; a second drain sees nothing.
	if again := collect(l, 0, 4*ChunkSize-1); len(again) != 0 {
		t.Fatalf("second drain reported %#v", again)
	}
}

func TestDrainRespectsRange(t *testing.T) {
	l := New(4)
	l.words[0] = 1
	l.words[2] = 1

	got := collect(l, 2*ChunkSize, 3*ChunkSize-1)
	if len(got) != 1 || got[0] != 2*ChunkSize {
		t.Fatalf("drained %#v, want just %#x", got, uint64(2*ChunkSize))
	}

	// Word 0 was outside the range and must still be set.
	if l.words[0] != 1 {
		t.Fatalf("word outside drain range was cleared: %#x", l.words[0])
	}
}

func TestDrainPageAddresses(t *testing.T) {
	l := New(4)
	l.words[2] = 1 << 5

	got := collect(l, 0, 4*ChunkSize-1)
	want := uint64(2*ChunkSize + 5*PageSize)
	if len(got) != 1 || got[0] != want {
		t.Fatalf("drained %#v, want %#x", got, want)
	}
}

func TestDrainEmptyRange(t *testing.T) {
	l := New(4)
	l.words[0] = 1
	if got := collect(l, 8, 7); len(got) != 0 {
		t.Fatalf("inverted range drained %#v", got)
	}
}

func TestDrainOutOfRangePanics(t *testing.T) {
	l := New(2)
	defer func() {
		if recover() == nil {
			t.Fatal("drain beyond the log did not panic")
		}
	}()
	l.Drain(0, 2*ChunkSize, func(uint64) {})
}

// TestConcurrentWriter drains while another goroutine sets bits the way
// the kernel backend does, with word-atomic ORs. No bit may be lost.
func TestConcurrentWriter(t *testing.T) {
	const words = 64
	const rounds = 1000

	l := New(words)

	var eg errgroup.Group
	eg.Go(func() error {
		for i := 0; i < rounds; i++ {
			word := uint64(i) % words
			bit := uint(i*7) % BitsPerWord
			atomic.OrUint64(&l.words[word], 1<<bit)
		}
		return nil
	})

	seen := make(map[uint64]int)
	for i := 0; i < rounds; i++ {
		l.Drain(0, words*ChunkSize-1, func(pageAddr uint64) {
			seen[pageAddr]++
		})
	}
	if err := eg.Wait(); err != nil {
		t.Fatal(err)
	}
	// Final drain catches anything written after the loop above.
	l.Drain(0, words*ChunkSize-1, func(pageAddr uint64) {
		seen[pageAddr]++
	})

	for i := 0; i < rounds; i++ {
		word := uint64(i) % words
		bit := uint64(i*7) % BitsPerWord
		page := word*ChunkSize + bit*PageSize
		if seen[page] == 0 {
			t.Fatalf("bit for page %#x was never reported", page)
		}
	}
}
