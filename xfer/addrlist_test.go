package xfer

import (
	"math/rand"
	"testing"
)

type rectTuple struct {
	offset  uint64
	count0  uint64
	dim     int
	count1  uint64
	stride1 uint64
	count2  uint64
	stride2 uint64
}

func writeRect(t *testing.T, al *AddressList, r rectTuple) bool {
	t.Helper()
	slot := al.BeginNDEntry(r.dim)
	if slot == nil {
		return false
	}
	slot[0] = r.count0<<4 | uint64(r.dim)
	slot[1] = r.offset
	bytes := r.count0
	if r.dim >= 2 {
		slot[2] = r.count1
		slot[3] = r.stride1
		bytes *= r.count1
	}
	if r.dim >= 3 {
		slot[4] = r.count2
		slot[5] = r.stride2
		bytes *= r.count2
	}
	al.CommitNDEntry(r.dim, bytes)
	return true
}

func rectBytes(r rectTuple) uint64 {
	b := r.count0
	if r.dim >= 2 {
		b *= r.count1
	}
	if r.dim >= 3 {
		b *= r.count2
	}
	return b
}

// consume one whole entry via the cursor and check its fields against the
// rectangle that produced it.
func consumeRect(t *testing.T, cursor *AddressListCursor, r rectTuple) {
	t.Helper()
	if got := cursor.Dim(); got != r.dim {
		t.Fatalf("dim %d want %d", got, r.dim)
	}
	if got := cursor.Offset(); got != r.offset {
		t.Fatalf("offset %d want %d", got, r.offset)
	}
	if got := cursor.Remaining(0); got != r.count0 {
		t.Fatalf("count0 %d want %d", got, r.count0)
	}
	if r.dim >= 2 {
		if got := cursor.Remaining(1); got != r.count1 {
			t.Fatalf("count1 %d want %d", got, r.count1)
		}
		if got := cursor.Stride(1); got != r.stride1 {
			t.Fatalf("stride1 %d want %d", got, r.stride1)
		}
	}
	if r.dim >= 3 {
		if got := cursor.Remaining(2); got != r.count2 {
			t.Fatalf("count2 %d want %d", got, r.count2)
		}
		if got := cursor.Stride(2); got != r.stride2 {
			t.Fatalf("stride2 %d want %d", got, r.stride2)
		}
	}
	switch r.dim {
	case 1:
		cursor.Advance(0, r.count0)
	case 2:
		cursor.Advance(1, r.count1)
	case 3:
		cursor.Advance(2, r.count2)
	}
}

func TestAddressListRoundTrip(t *testing.T) {
	rects := []rectTuple{
		{offset: 0, count0: 64, dim: 1},
		{offset: 100, count0: 16, dim: 2, count1: 4, stride1: 32},
		{offset: 1000, count0: 8, dim: 3, count1: 2, stride1: 64, count2: 3, stride2: 256},
		{offset: 5000, count0: 4096, dim: 1},
	}

	var al AddressList
	var cursor AddressListCursor
	cursor.SetAddrList(&al)

	var want uint64
	for _, r := range rects {
		if !writeRect(t, &al, r) {
			t.Fatalf("ring refused rect %+v", r)
		}
		want += rectBytes(r)
	}
	if got := al.BytesPending(); got != want {
		t.Fatalf("bytes pending %d want %d", got, want)
	}

	for _, r := range rects {
		consumeRect(t, &cursor, r)
	}
	if got := al.BytesPending(); got != 0 {
		t.Fatalf("bytes pending after drain %d want 0", got)
	}
}

func TestAddressListPartialConsumption(t *testing.T) {
	var al AddressList
	var cursor AddressListCursor
	cursor.SetAddrList(&al)

	r := rectTuple{offset: 0, count0: 16, dim: 2, count1: 4, stride1: 64}
	if !writeRect(t, &al, r) {
		t.Fatal("ring refused rect")
	}

	// take half of the first line
	cursor.Advance(0, 8)
	if got := cursor.Dim(); got != 1 {
		t.Fatalf("partial dim %d want 1", got)
	}
	if got := cursor.Offset(); got != 8 {
		t.Fatalf("partial offset %d want 8", got)
	}
	if got := cursor.Remaining(0); got != 8 {
		t.Fatalf("partial remaining %d want 8", got)
	}

	// finish the line; the cursor carries into line 1
	cursor.Advance(0, 8)
	if got := cursor.Offset(); got != 64 {
		t.Fatalf("next line offset %d want 64", got)
	}

	// one full line at a time drains the entry
	cursor.Advance(0, 16)
	cursor.Advance(0, 16)
	cursor.Advance(0, 16)
	if got := al.BytesPending(); got != 0 {
		t.Fatalf("bytes pending %d want 0", got)
	}
}

func TestAddressListWrapFIFO(t *testing.T) {
	var al AddressList
	var cursor AddressListCursor
	cursor.SetAddrList(&al)

	rng := rand.New(rand.NewSource(7))
	var pending []rectTuple
	next := uint64(0)

	makeRect := func() rectTuple {
		r := rectTuple{offset: next, dim: 1 + rng.Intn(3)}
		r.count0 = uint64(rng.Intn(100) + 1)
		if r.dim >= 2 {
			r.count1 = uint64(rng.Intn(5) + 1)
			r.stride1 = r.count0
		}
		if r.dim >= 3 {
			r.count2 = uint64(rng.Intn(3) + 1)
			r.stride2 = r.count0 * r.count1
		}
		next += rectBytes(r)
		return r
	}

	// continuous enqueue/dequeue keeps wrapping the ring without deadlock
	// and preserves FIFO order
	for step := 0; step < 2000; step++ {
		if rng.Intn(2) == 0 {
			r := makeRect()
			if writeRect(t, &al, r) {
				pending = append(pending, r)
			} else {
				next -= rectBytes(r)
				if len(pending) == 0 {
					t.Fatalf("step %d: empty ring refused an entry", step)
				}
			}
		} else if len(pending) > 0 {
			consumeRect(t, &cursor, pending[0])
			pending = pending[1:]
		}
	}

	for len(pending) > 0 {
		consumeRect(t, &cursor, pending[0])
		pending = pending[1:]
	}
	if got := al.BytesPending(); got != 0 {
		t.Fatalf("bytes pending %d want 0", got)
	}
}

func TestAddressListFullRing(t *testing.T) {
	var al AddressList
	r := rectTuple{offset: 0, count0: 8, dim: 3, count1: 2, stride1: 16, count2: 2, stride2: 64}
	n := 0
	for writeRect(t, &al, r) {
		n++
		if n > addrListEntries {
			t.Fatal("ring accepted more entries than it has words")
		}
	}
	// 3-D entries occupy 6 words; one slot stays open to separate the
	// pointers
	if n < addrListEntries/6-1 {
		t.Fatalf("ring filled after only %d entries", n)
	}
}
