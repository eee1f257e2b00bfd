package xfer

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestGlobalWriteThenRead(t *testing.T) {
	rig := newTestRig(t)
	writeCh := NewGlobalChannel(0, KindGlobalWrite, nil)
	readCh := NewGlobalChannel(0, KindGlobalRead, nil)

	const size = 1 << 16
	srcMem := NewLocalMemory(MemSystem, 0, size)
	globMem := NewGlobalMemory(0, size)
	dstMem := NewLocalMemory(MemSystem, 0, size)
	fillPattern(srcMem.buf, 20)

	up := NewGlobalXferDes(XferDesConfig{
		Queue:      rig.queue,
		LaunchNode: 0,
		GUID:       rig.queue.NewGUID(),
		Inputs: []PortInfo{{
			Mem: srcMem, Iter: NewContigIterator(0, size),
			PeerGUID: NoGUID, IndirectPortIdx: -1,
		}},
		Outputs: []PortInfo{{
			Mem: globMem, Iter: NewContigIterator(0, size),
			PeerGUID: NoGUID, IndirectPortIdx: -1,
		}},
		CompleteFence: NewFence(),
	}, readCh, writeCh)
	if up.Kind != KindGlobalWrite {
		t.Fatalf("upload kind %v want %v", up.Kind, KindGlobalWrite)
	}
	rig.queue.EnqueueLocal(up)
	driveToCompletion(t, 1000, up)

	down := NewGlobalXferDes(XferDesConfig{
		Queue:      rig.queue,
		LaunchNode: 0,
		GUID:       rig.queue.NewGUID(),
		Inputs: []PortInfo{{
			Mem: globMem, Iter: NewContigIterator(0, size),
			PeerGUID: NoGUID, IndirectPortIdx: -1,
		}},
		Outputs: []PortInfo{{
			Mem: dstMem, Iter: NewContigIterator(0, size),
			PeerGUID: NoGUID, IndirectPortIdx: -1,
		}},
		CompleteFence: NewFence(),
	}, readCh, writeCh)
	if down.Kind != KindGlobalRead {
		t.Fatalf("download kind %v want %v", down.Kind, KindGlobalRead)
	}
	rig.queue.EnqueueLocal(down)
	driveToCompletion(t, 1000, down)

	if !bytes.Equal(srcMem.buf, dstMem.buf) {
		t.Fatal("bytes did not survive the global bounce")
	}
}

func TestFileWriteThenRead(t *testing.T) {
	rig := newTestRig(t)
	ch := NewFileChannel(0, nil)

	const size = 1 << 14
	path := filepath.Join(t.TempDir(), "payload.bin")
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		t.Fatalf("create backing file: %v", err)
	}
	t.Cleanup(func() { _ = file.Close() })
	if err := file.Truncate(size); err != nil {
		t.Fatalf("size backing file: %v", err)
	}

	srcMem := NewLocalMemory(MemSystem, 0, size)
	fileMem := NewFileMemory(0, file, size)
	dstMem := NewLocalMemory(MemSystem, 0, size)
	fillPattern(srcMem.buf, 21)

	write := NewFileXferDes(XferDesConfig{
		Queue:      rig.queue,
		LaunchNode: 0,
		GUID:       rig.queue.NewGUID(),
		Inputs: []PortInfo{{
			Mem: srcMem, Iter: NewContigIterator(0, size),
			PeerGUID: NoGUID, IndirectPortIdx: -1,
		}},
		Outputs: []PortInfo{{
			Mem: fileMem, Iter: NewContigIterator(0, size),
			PeerGUID: NoGUID, IndirectPortIdx: -1,
		}},
		CompleteFence: NewFence(),
	}, ch)
	if write.Kind != KindFileWrite {
		t.Fatalf("write kind %v want %v", write.Kind, KindFileWrite)
	}
	rig.queue.EnqueueLocal(write)
	driveToCompletion(t, 1000, write)
	write.Flush()

	read := NewFileXferDes(XferDesConfig{
		Queue:      rig.queue,
		LaunchNode: 0,
		GUID:       rig.queue.NewGUID(),
		Inputs: []PortInfo{{
			Mem: fileMem, Iter: NewContigIterator(0, size),
			PeerGUID: NoGUID, IndirectPortIdx: -1,
		}},
		Outputs: []PortInfo{{
			Mem: dstMem, Iter: NewContigIterator(0, size),
			PeerGUID: NoGUID, IndirectPortIdx: -1,
		}},
		CompleteFence: NewFence(),
	}, ch)
	if read.Kind != KindFileRead {
		t.Fatalf("read kind %v want %v", read.Kind, KindFileRead)
	}
	rig.queue.EnqueueLocal(read)
	driveToCompletion(t, 1000, read)

	if !bytes.Equal(srcMem.buf, dstMem.buf) {
		t.Fatal("bytes did not survive the file bounce")
	}
}

func TestIBPoolRecycling(t *testing.T) {
	mem := NewLocalMemory(MemSystem, 0, 4*1024)
	pool, err := NewIBPool(mem, 1024)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}

	offsets := make(map[uint64]bool)
	for i := 0; i < 4; i++ {
		off, err := pool.Acquire()
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		if offsets[off] {
			t.Fatalf("offset %d dispensed twice", off)
		}
		offsets[off] = true
	}
	if _, err := pool.Acquire(); err != ErrPoolExhausted {
		t.Fatalf("exhausted pool returned %v", err)
	}

	pool.Release(1024)
	off, err := pool.Acquire()
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	if off != 1024 {
		t.Fatalf("recycled offset %d want 1024", off)
	}
}
