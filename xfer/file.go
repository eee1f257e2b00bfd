package xfer

import (
	"go.uber.org/zap"
)

// FileChannel bounces data between CPU-addressable memory and file-backed
// memory, one request at a time.
type FileChannel struct {
	xdqChannel
}

var (
	_ Channel = (*FileChannel)(nil)
	_ ReadyXD = (*FileXferDes)(nil)
	_ xdOps   = (*FileXferDes)(nil)
)

// NewFileChannel builds the channel and registers both directions.
func NewFileChannel(node NodeID, log *zap.Logger) *FileChannel {
	c := &FileChannel{}
	c.init(KindFileRead, "file", node, log)
	for _, cpu := range cpuMemKinds {
		c.AddPathKinds(MemFile, false, cpu, false, 0, 0, false, false, KindFileRead)
		c.AddPathKinds(cpu, false, MemFile, false, 0, 0, false, false, KindFileWrite)
		c.AddPathKinds(MemDisk, false, cpu, false, 0, 0, false, false, KindFileRead)
		c.AddPathKinds(cpu, false, MemDisk, false, 0, 0, false, false, KindFileWrite)
	}
	return c
}

// submit executes requests synchronously against the backing file.
func (c *FileChannel) submit(reqs []*Request) {
	for _, req := range reqs {
		xd := req.XD
		inPort := &xd.InputPorts[req.SrcPortIdx]
		outPort := &xd.OutputPorts[req.DstPortIdx]
		if inPort.Serdez != nil || outPort.Serdez != nil {
			panic("xfer: file channel does not support serdez")
		}

		switch xd.Kind {
		case KindFileRead:
			dst := outPort.Mem.DirectPtr(req.DstOff, req.NBytes)
			if dst == nil {
				panic("xfer: file read into non-addressable memory")
			}
			if err := inPort.Mem.GetBytes(req.SrcOff, dst[:req.NBytes]); err != nil {
				panic(err)
			}
		case KindFileWrite:
			src := inPort.Mem.DirectPtr(req.SrcOff, req.NBytes)
			if src == nil {
				panic("xfer: file write from non-addressable memory")
			}
			if err := outPort.Mem.PutBytes(req.DstOff, src[:req.NBytes]); err != nil {
				panic(err)
			}
		default:
			panic("xfer: file channel descriptor kind misconfigured")
		}

		xd.NotifyRequestReadDone(req)
		xd.NotifyRequestWriteDone(req)
	}
}

// FileXferDes issues one request at a time against the file; the direction
// is chosen by which side holds the file memory.
type FileXferDes struct {
	XferDes
	channel *FileChannel
	fileMem *FileMemory
}

// NewFileXferDes builds a descriptor bound to the channel.
func NewFileXferDes(cfg XferDesConfig, ch *FileChannel) *FileXferDes {
	xd := &FileXferDes{channel: ch}
	isFileKind := func(k MemoryKind) bool { return k == MemFile || k == MemDisk }
	var kind XferDesKind
	switch {
	case len(cfg.Inputs) == 1 && isFileKind(cfg.Inputs[0].Mem.Kind()):
		kind = KindFileRead
		xd.fileMem, _ = cfg.Inputs[0].Mem.(*FileMemory)
	case len(cfg.Outputs) == 1 && isFileKind(cfg.Outputs[0].Mem.Kind()):
		kind = KindFileWrite
		xd.fileMem, _ = cfg.Outputs[0].Mem.(*FileMemory)
	default:
		panic("xfer: neither side of file descriptor is file memory")
	}
	xd.initXferDes(cfg, kind)
	xd.seedRequests(4)
	xd.bind(xd, xd, ch)
	return xd
}

// XD exposes the base state machine.
func (xd *FileXferDes) XD() *XferDes { return &xd.XferDes }

// UpdateBytesWrite uses the default peer accounting.
func (xd *FileXferDes) UpdateBytesWrite(portIdx int, offset, size uint64) {
	xd.defaultUpdateBytesWrite(portIdx, offset, size)
}

// Flush pushes written data to stable storage when writing.
func (xd *FileXferDes) Flush() {
	if xd.Kind == KindFileWrite && xd.fileMem != nil {
		_ = xd.fileMem.Sync()
	}
}

// Progress issues requests one at a time until the budget expires.
func (xd *FileXferDes) Progress(workUntil TimeLimit) bool {
	reqs := make([]*Request, 1)
	didWork := false
	for {
		count := xd.defaultGetRequests(reqs, stepPolicy{})
		if count == 0 {
			break
		}
		xd.channel.submit(reqs[:count])
		didWork = true
		if workUntil.Expired() {
			break
		}
	}
	return didWork
}
