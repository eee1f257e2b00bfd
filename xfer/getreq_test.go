package xfer

import (
	"bytes"
	"testing"
)

// TestDirectModeDimensionPromotion checks the request builder's dimension
// reconciliation: a strided 2-D source against a contiguous destination must
// agree on chunk size by promoting the coarser side.
func TestDirectModeDimensionPromotion(t *testing.T) {
	rig := newTestRig(t)

	const (
		chunk  = 64
		lines  = 4
		stride = 128
		total  = chunk * lines
	)
	srcMem := NewLocalMemory(MemSystem, 0, stride*lines)
	dstMem := NewLocalMemory(MemSystem, 0, total)
	fillPattern(srcMem.buf, 40)

	xd := NewMemcpyXferDes(XferDesConfig{
		Queue:      rig.queue,
		LaunchNode: 0,
		GUID:       rig.queue.NewGUID(),
		Inputs: []PortInfo{{
			Mem:      srcMem,
			Iter:     NewBlockIterator(0, [MaxAddrDim]uint64{chunk, lines, 1}, stride, 0),
			PeerGUID: NoGUID, IndirectPortIdx: -1,
		}},
		Outputs: []PortInfo{{
			Mem: dstMem, Iter: NewContigIterator(0, total),
			PeerGUID: NoGUID, IndirectPortIdx: -1,
		}},
		CompleteFence: NewFence(),
	}, rig.memcpyCh)
	rig.queue.EnqueueLocal(xd)

	reqs := make([]*Request, 1)
	policy := stepPolicy{src: StepLinesOK | StepPlanesOK, dst: StepLinesOK | StepPlanesOK}
	count := xd.defaultGetRequests(reqs, policy)
	if count != 1 {
		t.Fatalf("built %d requests want 1", count)
	}
	req := reqs[0]
	if req.Dim != Dim2D {
		t.Fatalf("request dim %v want %v", req.Dim, Dim2D)
	}
	if req.NBytes != chunk || req.NLines != lines {
		t.Fatalf("request shape %dx%d want %dx%d", req.NBytes, req.NLines, chunk, lines)
	}
	if req.SrcStr != stride {
		t.Fatalf("source stride %d want %d", req.SrcStr, stride)
	}
	// the contiguous side was split into lines of the source's chunk size
	if req.DstStr != chunk {
		t.Fatalf("destination stride %d want %d", req.DstStr, chunk)
	}

	rig.memcpyCh.submit(reqs[:1])

	for line := 0; line < lines; line++ {
		src := srcMem.buf[line*stride : line*stride+chunk]
		dst := dstMem.buf[line*chunk : (line+1)*chunk]
		if !bytes.Equal(src, dst) {
			t.Fatalf("line %d differs", line)
		}
	}
	if !xd.XD().IterationCompleted() {
		t.Fatal("iteration not completed after the final request")
	}
}
