package xfer

import (
	"bytes"
	"testing"
)

// TestRemoteWriteMessageDelivery checks the acked payload variant: the
// receiver lands the bytes, delivers the piggybacked updates (including the
// optional final total), and acks non-empty payloads.
func TestRemoteWriteMessageDelivery(t *testing.T) {
	loopback := NewLoopbackTransport(0, nil)
	q1 := NewXferDesQueue(1, loopback, nil)
	loopback.RegisterQueue(1, q1)

	dstMem := NewLocalMemory(MemRegistered, 1, 1024)
	loopback.RegisterMemory(dstMem)
	dstAddr, ok := dstMem.RemoteAddr(256)
	if !ok {
		t.Fatal("registered memory not remotely addressable")
	}

	payload := make([]byte, 512)
	fillPattern(payload, 60)

	nextGUID := MakeGUID(1, 5)
	acked := 0
	loopback.SendRemoteWrite(1, RemoteWriteMessage{
		DstAddr:       dstAddr,
		NextXDGUID:    nextGUID,
		NextPortIdx:   0,
		SpanStart:     0,
		SpanSize:      512,
		PreBytesTotal: 512,
	}, PayloadSource{Gathered: payload}, func() { acked++ })

	if acked != 1 {
		t.Fatalf("non-empty payload acked %d times want 1", acked)
	}
	if !bytes.Equal(dstMem.buf[256:768], payload) {
		t.Fatal("payload did not land at the remote address")
	}

	q1.guidLock.RLock()
	entry := q1.guidToXD[nextGUID]
	q1.guidLock.RUnlock()
	if entry == nil {
		t.Fatal("updates were not buffered for the next descriptor")
	}
	if got := entry.seqPreWrite[0].SpanExists(0, 512); got != 512 {
		t.Fatalf("buffered span covers %d want 512", got)
	}
	if total := entry.preBytesTotal[0]; total != 512 {
		t.Fatalf("buffered total %d want 512", total)
	}

	// empty payloads update byte counts but are never acked
	ackedEmpty := 0
	loopback.SendRemoteWrite(1, RemoteWriteMessage{
		DstAddr:       dstAddr,
		NextXDGUID:    nextGUID,
		NextPortIdx:   0,
		SpanStart:     512,
		SpanSize:      0,
		PreBytesTotal: noLimit,
	}, PayloadSource{}, func() { ackedEmpty++ })
	if ackedEmpty != 0 {
		t.Fatalf("empty payload acked %d times want 0", ackedEmpty)
	}
}

// TestControlWordCodec round-trips the 4-byte control word format.
func TestControlWordCodec(t *testing.T) {
	cases := []struct {
		count uint64
		port  int
		eos   bool
	}{
		{0, -1, true},
		{100, 0, false},
		{200, 1, false},
		{50, 2, true},
		{1<<24 - 1, 126, true},
	}
	for _, c := range cases {
		w := EncodeControlWord(c.count, c.port, c.eos)
		count, port, eos := decodeControlWord(w)
		if count != c.count || port != c.port || eos != c.eos {
			t.Fatalf("round trip (%d,%d,%v) -> (%d,%d,%v)",
				c.count, c.port, c.eos, count, port, eos)
		}
	}
}
