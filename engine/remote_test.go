package engine

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/rocketbitz/dmaengine-go/xfer"
)

// TestEngineRemoteDescriptorCreation launches a descriptor on another node
// through a create message and waits for the completion notification to
// cross back.
func TestEngineRemoteDescriptorCreation(t *testing.T) {
	shared := xfer.NewLoopbackTransport(0, nil)

	e0 := newTestEngine(t, Config{Node: 0, Transport: shared})
	newTestEngine(t, Config{Node: 1, Transport: shared})

	const size = 1 << 16
	srcMem := xfer.NewLocalMemory(xfer.MemSystem, 1, size)
	dstMem := xfer.NewLocalMemory(xfer.MemSystem, 1, size)
	srcView := srcMem.DirectPtr(0, size)
	fillPattern(srcView[:size], 50)

	// the GUID places the descriptor on node 1, while node 0 launches it
	op, err := e0.Submit(CopyPlan{XDs: []XDSpec{{
		Kind: xfer.KindMemcpy,
		GUID: xfer.MakeGUID(1, 7),
		Inputs: []xfer.PortInfo{{
			Mem: srcMem, Iter: xfer.NewContigIterator(0, size),
			PeerGUID: xfer.NoGUID, IndirectPortIdx: -1,
		}},
		Outputs: []xfer.PortInfo{{
			Mem: dstMem, Iter: xfer.NewContigIterator(0, size),
			PeerGUID: xfer.NoGUID, IndirectPortIdx: -1,
		}},
	}}})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := op.Await(ctx); err != nil {
		t.Fatalf("Await failed: %v", err)
	}

	dstView := dstMem.DirectPtr(0, size)
	if !bytes.Equal(srcView[:size], dstView[:size]) {
		t.Fatal("destination bytes differ from source")
	}
}
