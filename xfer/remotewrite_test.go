package xfer

import (
	"bytes"
	"testing"
)

// countingTransport wraps a transport and records the payload messages it
// carries.
type countingTransport struct {
	Transport
	write1DCount int
	lastMsg      Write1DMessage
	lastPayload  []byte
}

func (c *countingTransport) SendWrite1D(target NodeID, msg Write1DMessage, payload PayloadSource, onLocal, onRemote func()) {
	c.write1DCount++
	c.lastMsg = msg
	c.lastPayload = append([]byte(nil), payload.linearize()...)
	c.Transport.SendWrite1D(target, msg, payload, onLocal, onRemote)
}

func TestRemoteWrite1D(t *testing.T) {
	const size = 4096

	loopback := NewLoopbackTransport(0, nil)
	transport := &countingTransport{Transport: loopback}

	q0 := NewXferDesQueue(0, transport, nil)
	q1 := NewXferDesQueue(1, transport, nil)
	loopback.RegisterQueue(0, q0)
	loopback.RegisterQueue(1, q1)

	srcMem := NewLocalMemory(MemRegistered, 0, size)
	fillPattern(srcMem.buf, 6)
	dstMem := NewLocalMemory(MemRegistered, 1, size)
	loopback.RegisterMemory(srcMem)
	loopback.RegisterMemory(dstMem)

	ch := NewRemoteWriteChannel(0, transport, nil)

	guid := q0.NewGUID()
	consumerGUID := MakeGUID(1, 42) // runs on node 1, not yet registered
	upstreamGUID := MakeGUID(0, 43) // pretend producer; acks are dropped

	xd := NewRemoteWriteXferDes(XferDesConfig{
		Queue:      q0,
		LaunchNode: 0,
		GUID:       guid,
		Inputs: []PortInfo{{
			Mem: srcMem, Iter: NewContigIterator(0, size),
			PeerGUID: upstreamGUID, PeerPortIdx: 0,
			IBOffset: 0, IBSize: size,
			IndirectPortIdx: -1,
		}},
		Outputs: []PortInfo{{
			Mem: dstMem, Iter: NewContigIterator(0, size),
			PeerGUID: consumerGUID, PeerPortIdx: 0,
			IBOffset: 0, IBSize: size,
			IndirectPortIdx: -1,
		}},
		CompleteFence: NewFence(),
	}, ch)
	q0.EnqueueLocal(xd)

	// the upstream produced the whole input
	q0.UpdatePreBytesWrite(guid, 0, 0, size)
	q0.UpdatePreBytesTotal(guid, 0, size)

	driveToCompletion(t, 100, xd)

	if transport.write1DCount != 1 {
		t.Fatalf("sent %d payload messages, want exactly 1", transport.write1DCount)
	}
	if transport.lastMsg.SpanStart != 0 {
		t.Fatalf("span_start %d want 0", transport.lastMsg.SpanStart)
	}
	if transport.lastMsg.NextXDGUID != consumerGUID {
		t.Fatalf("next_xd_guid %x want %x", uint64(transport.lastMsg.NextXDGUID), uint64(consumerGUID))
	}
	if len(transport.lastPayload) != size {
		t.Fatalf("payload %d bytes want %d", len(transport.lastPayload), size)
	}
	if !bytes.Equal(dstMem.buf, srcMem.buf) {
		t.Fatal("destination bytes differ from source")
	}

	// local completion acked the read exactly once
	if got := xd.InputPorts[0].SeqLocal.SpanExists(0, size); got != size {
		t.Fatalf("read completion covers %d want %d", got, size)
	}
	// remote completion acked the write exactly once
	if got := xd.OutputPorts[0].SeqLocal.SpanExists(0, size); got != size {
		t.Fatalf("write completion covers %d want %d", got, size)
	}

	// the receiving node buffered the piggybacked update for the not yet
	// registered consumer
	q1.guidLock.RLock()
	entry := q1.guidToXD[consumerGUID]
	q1.guidLock.RUnlock()
	if entry == nil || entry.seqPreWrite == nil {
		t.Fatal("consumer node did not buffer the produced span")
	}
	if got := entry.seqPreWrite[0].SpanExists(0, size); got != size {
		t.Fatalf("buffered span covers %d want %d", got, size)
	}
	if total, ok := entry.preBytesTotal[0]; !ok || total != size {
		t.Fatalf("buffered pre_bytes_total %d (present=%v) want %d", total, ok, size)
	}
}

func TestRemoteWriteGatherAssembly(t *testing.T) {
	loopback := NewLoopbackTransport(0, nil)
	transport := &countingTransport{Transport: loopback}

	q0 := NewXferDesQueue(0, transport, nil)
	q1 := NewXferDesQueue(1, transport, nil)
	loopback.RegisterQueue(0, q0)
	loopback.RegisterQueue(1, q1)

	// a 3-D source with tiny lines makes both the 1-D and 2-D shapes poor,
	// so the payload is gather-assembled
	const (
		chunk       = 8
		lines       = 4
		planes      = 64
		lineStride  = 16
		planeStride = 64
		total       = chunk * lines * planes
	)
	srcMem := NewLocalMemory(MemRegistered, 0, planeStride*planes)
	fillPattern(srcMem.buf, 8)
	dstMem := NewLocalMemory(MemRegistered, 1, total)
	loopback.RegisterMemory(srcMem)
	loopback.RegisterMemory(dstMem)

	ch := NewRemoteWriteChannel(0, transport, nil)

	xd := NewRemoteWriteXferDes(XferDesConfig{
		Queue:      q0,
		LaunchNode: 0,
		GUID:       q0.NewGUID(),
		Inputs: []PortInfo{{
			Mem:      srcMem,
			Iter:     NewBlockIterator(0, [MaxAddrDim]uint64{chunk, lines, planes}, lineStride, planeStride),
			PeerGUID: NoGUID, IndirectPortIdx: -1,
		}},
		Outputs: []PortInfo{{
			Mem: dstMem, Iter: NewContigIterator(0, total),
			PeerGUID: NoGUID, IndirectPortIdx: -1,
		}},
		CompleteFence: NewFence(),
	}, ch)
	q0.EnqueueLocal(xd)

	driveToCompletion(t, 1000, xd)

	for p := 0; p < planes; p++ {
		for l := 0; l < lines; l++ {
			src := srcMem.buf[p*planeStride+l*lineStride : p*planeStride+l*lineStride+chunk]
			dst := dstMem.buf[(p*lines+l)*chunk : (p*lines+l+1)*chunk]
			if !bytes.Equal(src, dst) {
				t.Fatalf("plane %d line %d differs", p, l)
			}
		}
	}
}
