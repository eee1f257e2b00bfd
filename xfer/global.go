package xfer

import (
	"go.uber.org/zap"
)

// GlobalChannel bounces data between CPU-addressable memory and a global
// memory segment that only exposes get/put. One channel instance serves one
// direction.
type GlobalChannel struct {
	xdqChannel
}

var (
	_ Channel = (*GlobalChannel)(nil)
	_ ReadyXD = (*GlobalXferDes)(nil)
)

// NewGlobalChannel builds the channel for the given direction (KindGlobalRead
// or KindGlobalWrite).
func NewGlobalChannel(node NodeID, kind XferDesKind, log *zap.Logger) *GlobalChannel {
	name := "global_read"
	if kind == KindGlobalWrite {
		name = "global_write"
	}
	c := &GlobalChannel{}
	c.init(kind, name, node, log)
	for _, cpu := range cpuMemKinds {
		if kind == KindGlobalRead {
			c.AddPathKinds(MemGlobal, true, cpu, false, 0, 0, false, false, KindGlobalRead)
		} else {
			c.AddPathKinds(cpu, false, MemGlobal, true, 0, 0, false, false, KindGlobalWrite)
		}
	}
	return c
}

// submit executes requests synchronously against the global segment.
func (c *GlobalChannel) submit(reqs []*Request) {
	for _, req := range reqs {
		xd := req.XD
		inPort := &xd.InputPorts[req.SrcPortIdx]
		outPort := &xd.OutputPorts[req.DstPortIdx]
		if inPort.Serdez != nil || outPort.Serdez != nil {
			panic("xfer: global channel does not support serdez")
		}

		switch c.kind {
		case KindGlobalRead:
			dst := outPort.Mem.DirectPtr(req.DstOff, req.NBytes)
			if dst == nil {
				panic("xfer: global read into non-addressable memory")
			}
			if err := inPort.Mem.GetBytes(req.SrcOff, dst[:req.NBytes]); err != nil {
				panic(err)
			}
		case KindGlobalWrite:
			src := inPort.Mem.DirectPtr(req.SrcOff, req.NBytes)
			if src == nil {
				panic("xfer: global write from non-addressable memory")
			}
			if err := outPort.Mem.PutBytes(req.DstOff, src[:req.NBytes]); err != nil {
				panic(err)
			}
		default:
			panic("xfer: global channel kind misconfigured")
		}

		xd.NotifyRequestReadDone(req)
		xd.NotifyRequestWriteDone(req)
	}
}

// GlobalXferDes issues one request at a time against the global segment.
type GlobalXferDes struct {
	XferDes
	channel *GlobalChannel
}

// NewGlobalXferDes builds a descriptor for the channel's direction, chosen
// by which side holds the global memory.
func NewGlobalXferDes(cfg XferDesConfig, readCh, writeCh *GlobalChannel) *GlobalXferDes {
	xd := &GlobalXferDes{}
	var kind XferDesKind
	switch {
	case len(cfg.Inputs) >= 1 && cfg.Inputs[0].Mem.Kind() == MemGlobal:
		kind = KindGlobalRead
		xd.channel = readCh
	case len(cfg.Outputs) >= 1 && cfg.Outputs[0].Mem.Kind() == MemGlobal:
		kind = KindGlobalWrite
		xd.channel = writeCh
	default:
		panic("xfer: neither side of global descriptor is global memory")
	}
	xd.initXferDes(cfg, kind)
	xd.seedRequests(4)
	xd.bind(xd, nil, xd.channel)
	return xd
}

// XD exposes the base state machine.
func (xd *GlobalXferDes) XD() *XferDes { return &xd.XferDes }

// Progress issues requests one at a time until the budget expires.
func (xd *GlobalXferDes) Progress(workUntil TimeLimit) bool {
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
