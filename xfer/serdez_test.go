package xfer

import (
	"bytes"
	"encoding/binary"
	"testing"
)

// testSerdez encodes 8-byte elements as a length byte, the raw element, and
// value-dependent padding, so serialized sizes vary per element up to the
// declared maximum of 32 bytes.
func testSerdez() *SerdezOp {
	return &SerdezOp{
		FieldSize:         8,
		MaxSerializedSize: 32,
		SerializeOne: func(src, dst []byte) uint64 {
			v := binary.LittleEndian.Uint64(src)
			pad := v % 23
			n := 1 + 8 + pad
			dst[0] = byte(n)
			copy(dst[1:9], src[:8])
			for i := uint64(9); i < n; i++ {
				dst[i] = 0
			}
			return n
		},
		DeserializeOne: func(dst, src []byte) uint64 {
			n := uint64(src[0])
			copy(dst[:8], src[1:9])
			return n
		},
	}
}

func TestSerializeThroughUndersizedIB(t *testing.T) {
	rig := newTestRig(t)

	const (
		numElems  = 1000
		fieldSize = 8
		maxSer    = 32
		ibSize    = 256
		totalSrc  = numElems * fieldSize
	)

	srcMem := NewLocalMemory(MemSystem, 0, totalSrc)
	for i := 0; i < numElems; i++ {
		binary.LittleEndian.PutUint64(srcMem.buf[i*fieldSize:], uint64(i*37+5))
	}
	dstMem := NewLocalMemory(MemSystem, 0, totalSrc)
	ibMem := NewLocalMemory(MemSystem, 0, ibSize)

	op := testSerdez()
	guidA := rig.queue.NewGUID()
	guidB := rig.queue.NewGUID()

	// A serializes raw elements into the undersized ring
	xdA := NewMemcpyXferDes(XferDesConfig{
		Queue:      rig.queue,
		LaunchNode: 0,
		GUID:       guidA,
		Inputs: []PortInfo{{
			Mem: srcMem, Iter: NewContigIterator(0, totalSrc),
			Serdez: op, PeerGUID: NoGUID, IndirectPortIdx: -1,
		}},
		Outputs: []PortInfo{{
			Mem: ibMem, Iter: NewWrappingFIFOIterator(0, ibSize),
			PeerGUID: guidB, PeerPortIdx: 0,
			IBOffset: 0, IBSize: ibSize,
			IndirectPortIdx: -1,
		}},
		CompleteFence: NewFence(),
	}, rig.memcpyCh)

	// B deserializes the ring back into raw elements
	xdB := NewMemcpyXferDes(XferDesConfig{
		Queue:      rig.queue,
		LaunchNode: 0,
		GUID:       guidB,
		Inputs: []PortInfo{{
			Mem: ibMem, Iter: NewWrappingFIFOIterator(0, ibSize),
			PeerGUID: guidA, PeerPortIdx: 0,
			IBOffset: 0, IBSize: ibSize,
			IndirectPortIdx: -1,
		}},
		Outputs: []PortInfo{{
			Mem: dstMem, Iter: NewContigIterator(0, totalSrc),
			Serdez: op, PeerGUID: NoGUID, IndirectPortIdx: -1,
		}},
		CompleteFence: NewFence(),
	}, rig.memcpyCh)

	rig.queue.EnqueueLocal(xdA)
	rig.queue.EnqueueLocal(xdB)

	for i := 0; i < 100000; i++ {
		if xdA.XD().IsCompleted() && xdB.XD().IsCompleted() {
			break
		}
		if !xdA.XD().IsCompleted() {
			xdA.Progress(NoTimeLimit())
		}
		if !xdB.XD().IsCompleted() {
			xdB.Progress(NoTimeLimit())
		}

		// conservative reservations never let the producer overrun the
		// ring: at most ibSize/maxSer elements are in flight per step
		produced := xdA.OutputPorts[0].LocalBytesCons()
		freed := xdB.InputPorts[0].SeqLocal.ContigAmount()
		if produced > freed+ibSize {
			t.Fatalf("ring overrun: reserved %d freed %d", produced, freed)
		}
	}

	if !xdA.XD().IsCompleted() || !xdB.XD().IsCompleted() {
		t.Fatal("serdez pipeline did not complete")
	}

	if !bytes.Equal(srcMem.buf, dstMem.buf) {
		t.Fatal("deserialized bytes differ from source")
	}

	outA := &xdA.OutputPorts[0]
	if outA.LocalBytesTotal > numElems*maxSer {
		t.Fatalf("serialized %d bytes, beyond the worst case %d",
			outA.LocalBytesTotal, numElems*maxSer)
	}
	// the over-reservation is refunded to zero by completion
	if outA.LocalBytesCons() != outA.LocalBytesTotal {
		t.Fatalf("reservation not refunded: cons %d total %d",
			outA.LocalBytesCons(), outA.LocalBytesTotal)
	}
	if got := xdB.InputPorts[0].RemoteBytesTotal(); got != outA.LocalBytesTotal {
		t.Fatalf("consumer total %d want %d", got, outA.LocalBytesTotal)
	}
}
