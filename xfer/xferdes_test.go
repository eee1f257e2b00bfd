package xfer

import (
	"bytes"
	"encoding/binary"
	"math/rand"
	"testing"
)

// testRig assembles the single-node plumbing the descriptor tests drive by
// hand: channels exist but their workers are never started, so every
// Progress call is explicit and deterministic.
type testRig struct {
	transport *LoopbackTransport
	queue     *XferDesQueue
	memcpyCh  *MemcpyChannel
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	transport := NewLoopbackTransport(0, nil)
	queue := NewXferDesQueue(0, transport, nil)
	transport.RegisterQueue(0, queue)
	return &testRig{
		transport: transport,
		queue:     queue,
		memcpyCh:  NewMemcpyChannel(0, nil),
	}
}

func fillPattern(buf []byte, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	for i := range buf {
		buf[i] = byte(rng.Intn(256))
	}
}

func driveToCompletion(t *testing.T, limit int, xds ...ReadyXD) {
	t.Helper()
	for i := 0; i < limit; i++ {
		allDone := true
		for _, ready := range xds {
			if !ready.XD().IsCompleted() {
				ready.Progress(NoTimeLimit())
				allDone = allDone && ready.XD().IsCompleted()
			}
		}
		if allDone {
			return
		}
	}
	for _, ready := range xds {
		if !ready.XD().IsCompleted() {
			t.Fatalf("xd %x did not complete within %d rounds", uint64(ready.XD().GUID), limit)
		}
	}
}

func TestMemcpy1DAligned(t *testing.T) {
	rig := newTestRig(t)

	const size = 1 << 20
	srcMem := NewLocalMemory(MemSystem, 0, size)
	dstMem := NewLocalMemory(MemSystem, 0, size)
	fillPattern(srcMem.buf, 1)

	xd := NewMemcpyXferDes(XferDesConfig{
		Queue:      rig.queue,
		LaunchNode: 0,
		GUID:       rig.queue.NewGUID(),
		Inputs: []PortInfo{{
			Mem: srcMem, Iter: NewContigIterator(0, size),
			PeerGUID: NoGUID, IndirectPortIdx: -1,
		}},
		Outputs: []PortInfo{{
			Mem: dstMem, Iter: NewContigIterator(0, size),
			PeerGUID: NoGUID, IndirectPortIdx: -1,
		}},
		CompleteFence: NewFence(),
	}, rig.memcpyCh)
	rig.queue.EnqueueLocal(xd)

	// a single unbounded progress call moves the whole megabyte
	if !xd.Progress(NoTimeLimit()) {
		t.Fatal("progress did no work")
	}
	if !xd.XD().IsCompleted() {
		t.Fatal("transfer not completed after one progress call")
	}
	if !bytes.Equal(srcMem.buf, dstMem.buf) {
		t.Fatal("destination bytes differ from source")
	}
}

func TestMemcpy3DStrided(t *testing.T) {
	rig := newTestRig(t)

	// 3-D block: 64-byte chunks, 4 lines at stride 128, 2 planes at 1024
	srcMem := NewLocalMemory(MemSystem, 0, 4096)
	dstMem := NewLocalMemory(MemSystem, 0, 4096)
	fillPattern(srcMem.buf, 3)

	extents := [MaxAddrDim]uint64{64, 4, 2}
	xd := NewMemcpyXferDes(XferDesConfig{
		Queue:      rig.queue,
		LaunchNode: 0,
		GUID:       rig.queue.NewGUID(),
		Inputs: []PortInfo{{
			Mem: srcMem, Iter: NewBlockIterator(0, extents, 128, 1024),
			PeerGUID: NoGUID, IndirectPortIdx: -1,
		}},
		Outputs: []PortInfo{{
			Mem: dstMem, Iter: NewBlockIterator(0, extents, 128, 1024),
			PeerGUID: NoGUID, IndirectPortIdx: -1,
		}},
		CompleteFence: NewFence(),
	}, rig.memcpyCh)
	rig.queue.EnqueueLocal(xd)

	driveToCompletion(t, 100, xd)

	for plane := uint64(0); plane < 2; plane++ {
		for line := uint64(0); line < 4; line++ {
			ofs := plane*1024 + line*128
			if !bytes.Equal(srcMem.buf[ofs:ofs+64], dstMem.buf[ofs:ofs+64]) {
				t.Fatalf("plane %d line %d differs", plane, line)
			}
		}
	}
}

func TestIBChainedMemcpy(t *testing.T) {
	rig := newTestRig(t)

	const (
		totalSize = 16 << 20
		ibSize    = 64 << 10
	)
	srcMem := NewLocalMemory(MemSystem, 0, totalSize)
	dstMem := NewLocalMemory(MemSystem, 0, totalSize)
	ibMem := NewLocalMemory(MemSystem, 0, ibSize)
	fillPattern(srcMem.buf, 2)

	guidA := rig.queue.NewGUID()
	guidB := rig.queue.NewGUID()

	xdA := NewMemcpyXferDes(XferDesConfig{
		Queue:      rig.queue,
		LaunchNode: 0,
		GUID:       guidA,
		Inputs: []PortInfo{{
			Mem: srcMem, Iter: NewContigIterator(0, totalSize),
			PeerGUID: NoGUID, IndirectPortIdx: -1,
		}},
		Outputs: []PortInfo{{
			Mem: ibMem, Iter: NewWrappingFIFOIterator(0, ibSize),
			PeerGUID: guidB, PeerPortIdx: 0,
			IBOffset: 0, IBSize: ibSize,
			IndirectPortIdx: -1,
		}},
		CompleteFence: NewFence(),
	}, rig.memcpyCh)

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
			Mem: dstMem, Iter: NewContigIterator(0, totalSize),
			PeerGUID: NoGUID, IndirectPortIdx: -1,
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

		// the producer never runs more than one IB window ahead of the
		// consumer's acknowledged reads
		produced := xdA.OutputPorts[0].LocalBytesTotal
		freed := xdB.InputPorts[0].SeqLocal.ContigAmount()
		if produced > freed+ibSize {
			t.Fatalf("flow control violated: produced %d freed %d", produced, freed)
		}
	}

	if !xdA.XD().IsCompleted() || !xdB.XD().IsCompleted() {
		t.Fatal("chained transfer did not complete")
	}
	if !bytes.Equal(srcMem.buf, dstMem.buf) {
		t.Fatal("destination bytes differ from source")
	}
	if got := xdB.InputPorts[0].RemoteBytesTotal(); got != totalSize {
		t.Fatalf("consumer saw pre_bytes_total %d want %d", got, totalSize)
	}
}

func TestGatherWithControlPort(t *testing.T) {
	rig := newTestRig(t)

	counts := []uint64{100, 200, 50}
	total := uint64(350)

	srcMems := make([]*LocalMemory, 3)
	for i := range srcMems {
		srcMems[i] = NewLocalMemory(MemSystem, 0, counts[i])
		fillPattern(srcMems[i].buf, int64(10+i))
	}
	dstMem := NewLocalMemory(MemSystem, 0, total)

	// three control words multiplex the three sources onto the output
	ctrlMem := NewLocalMemory(MemSystem, 0, 12)
	binary.LittleEndian.PutUint32(ctrlMem.buf[0:], EncodeControlWord(100, 0, false))
	binary.LittleEndian.PutUint32(ctrlMem.buf[4:], EncodeControlWord(200, 1, false))
	binary.LittleEndian.PutUint32(ctrlMem.buf[8:], EncodeControlWord(50, 2, true))

	guid := rig.queue.NewGUID()
	controlProducer := MakeGUID(0, 9999) // never registered; its acks are dropped

	inputs := []PortInfo{
		{Mem: srcMems[0], Iter: NewContigIterator(0, counts[0]), PeerGUID: NoGUID, IndirectPortIdx: -1},
		{Mem: srcMems[1], Iter: NewContigIterator(0, counts[1]), PeerGUID: NoGUID, IndirectPortIdx: -1},
		{Mem: srcMems[2], Iter: NewContigIterator(0, counts[2]), PeerGUID: NoGUID, IndirectPortIdx: -1},
		{Mem: ctrlMem, Iter: NewContigIterator(0, 12),
			PeerGUID: controlProducer, PeerPortIdx: 0, IndirectPortIdx: -1,
			Type: PortGatherControl},
	}
	outputs := []PortInfo{
		{Mem: dstMem, Iter: NewContigIterator(0, total), PeerGUID: NoGUID, IndirectPortIdx: -1},
	}

	xd := NewMemcpyXferDes(XferDesConfig{
		Queue:         rig.queue,
		LaunchNode:    0,
		GUID:          guid,
		Inputs:        inputs,
		Outputs:       outputs,
		CompleteFence: NewFence(),
	}, rig.memcpyCh)
	rig.queue.EnqueueLocal(xd)

	// the control stream "arrives" from its producer
	rig.queue.UpdatePreBytesWrite(guid, 3, 0, 12)

	driveToCompletion(t, 1000, xd)

	if !bytes.Equal(dstMem.buf[0:100], srcMems[0].buf) {
		t.Fatal("first 100 bytes do not come from input 0")
	}
	if !bytes.Equal(dstMem.buf[100:300], srcMems[1].buf) {
		t.Fatal("next 200 bytes do not come from input 1")
	}
	if !bytes.Equal(dstMem.buf[300:350], srcMems[2].buf) {
		t.Fatal("last 50 bytes do not come from input 2")
	}
	if !xd.XD().IterationCompleted() {
		t.Fatal("iteration not completed")
	}
}

func TestLateArrivingXD(t *testing.T) {
	rig := newTestRig(t)

	guid := rig.queue.NewGUID()

	// the producer's update lands before the descriptor exists
	rig.queue.UpdatePreBytesWrite(guid, 0, 0, 1024)
	rig.queue.UpdatePreBytesTotal(guid, 0, 1024)

	ibMem := NewLocalMemory(MemSystem, 0, 1024)
	fillPattern(ibMem.buf, 4)
	dstMem := NewLocalMemory(MemSystem, 0, 1024)

	xd := NewMemcpyXferDes(XferDesConfig{
		Queue:      rig.queue,
		LaunchNode: 0,
		GUID:       guid,
		Inputs: []PortInfo{{
			Mem: ibMem, Iter: NewWrappingFIFOIterator(0, 1024),
			PeerGUID: MakeGUID(0, 8888), PeerPortIdx: 0,
			IBOffset: 0, IBSize: 1024,
			IndirectPortIdx: -1,
		}},
		Outputs: []PortInfo{{
			Mem: dstMem, Iter: NewContigIterator(0, 1024),
			PeerGUID: NoGUID, IndirectPortIdx: -1,
		}},
		CompleteFence: NewFence(),
	}, rig.memcpyCh)
	rig.queue.EnqueueLocal(xd)

	// the buffered span is visible without any further message
	if got := xd.InputPorts[0].SeqRemote.SpanExists(0, 1024); got != 1024 {
		t.Fatalf("buffered span reports %d want 1024", got)
	}
	if got := xd.InputPorts[0].RemoteBytesTotal(); got != 1024 {
		t.Fatalf("buffered total reports %d want 1024", got)
	}

	driveToCompletion(t, 100, xd)
	if !bytes.Equal(ibMem.buf, dstMem.buf) {
		t.Fatal("destination bytes differ from buffered input")
	}
}

func TestFenceResolvesOnCompletion(t *testing.T) {
	rig := newTestRig(t)

	srcMem := NewLocalMemory(MemSystem, 0, 4096)
	dstMem := NewLocalMemory(MemSystem, 0, 4096)
	fillPattern(srcMem.buf, 5)

	fence := NewFence()
	xd := NewMemcpyXferDes(XferDesConfig{
		Queue:      rig.queue,
		LaunchNode: 0,
		GUID:       rig.queue.NewGUID(),
		Inputs: []PortInfo{{
			Mem: srcMem, Iter: NewContigIterator(0, 4096),
			PeerGUID: NoGUID, IndirectPortIdx: -1,
		}},
		Outputs: []PortInfo{{
			Mem: dstMem, Iter: NewContigIterator(0, 4096),
			PeerGUID: NoGUID, IndirectPortIdx: -1,
		}},
		CompleteFence: fence,
	}, rig.memcpyCh)
	rig.queue.EnqueueLocal(xd)

	driveToCompletion(t, 100, xd)
	xd.XD().MarkCompleted()

	select {
	case <-fence.Done():
	default:
		t.Fatal("fence not resolved after MarkCompleted")
	}
}
