package xfer

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// RequestDim is the dimensionality of a single transfer request.
type RequestDim int

const (
	Dim1D RequestDim = iota
	Dim2D
	Dim3D
)

// Request is one concrete memory operation emitted by a descriptor and
// executed by its channel.
type Request struct {
	XD *XferDes

	SrcPortIdx int
	DstPortIdx int

	ReadSeqPos    uint64
	ReadSeqCount  uint64
	WriteSeqPos   uint64
	WriteSeqCount uint64

	Dim     RequestDim
	SrcOff  uint64
	DstOff  uint64
	NBytes  uint64
	NLines  uint64
	SrcStr  uint64
	DstStr  uint64
	NPlanes uint64
	SrcPStr uint64
	DstPStr uint64

	SrcBase []byte
	DstBase []byte
}

// scheduling states for the per-descriptor run flag
const (
	xdIdle int32 = iota
	xdQueued
	xdRunning
	xdRunningDirty
)

// ReadyXD is what channels schedule: a concrete descriptor kind wrapping the
// base state machine.
type ReadyXD interface {
	// Progress makes best-effort forward progress within the limit and
	// reports whether any work was done. It never blocks indefinitely.
	Progress(until TimeLimit) bool

	XD() *XferDes
}

// xdOps is the small set of operations a descriptor kind may override.
type xdOps interface {
	UpdateBytesWrite(portIdx int, offset, size uint64)
	Flush()
}

// XferDesConfig carries the construction parameters shared by every
// descriptor kind.
type XferDesConfig struct {
	Queue         *XferDesQueue
	LaunchNode    NodeID
	GUID          XferDesID
	Inputs        []PortInfo
	Outputs       []PortInfo
	MaxReqSize    uint64
	Priority      int
	CompleteFence *Fence
	Log           *zap.Logger
}

// XferDes is the base transfer-descriptor state machine: per-port iteration
// of structured address spaces, flow-controlled production and consumption
// of byte streams, control-port-driven gather/scatter, and completion
// detection. Concrete kinds embed it and drain its addresses into
// channel-specific operations.
type XferDes struct {
	Queue      *XferDesQueue
	LaunchNode NodeID
	GUID       XferDesID

	InputPorts  []XferPort
	OutputPorts []XferPort

	inputControl  controlState
	outputControl controlState

	MaxReqSize uint64
	Priority   int
	Kind       XferDesKind

	channel       Channel
	self          ReadyXD
	ops           xdOps
	CompleteFence *Fence

	// ReleaseIB, when set, is invoked once per input IB when the descriptor
	// retires, so the owner can recycle the window.
	ReleaseIB func(mem Memory, ibOffset, ibSize uint64)

	iterationCompleted atomic.Bool
	transferCompleted  atomic.Bool
	sched              atomic.Int32

	reqMu         sync.Mutex
	availableReqs []*Request

	log *zap.Logger
}

// initXferDes fills in the embedded base state machine in place, so that
// the overridable-hook pointers refer to the final location.
func (xd *XferDes) initXferDes(cfg XferDesConfig, kind XferDesKind) {
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	xd.Queue = cfg.Queue
	xd.LaunchNode = cfg.LaunchNode
	xd.GUID = cfg.GUID
	xd.MaxReqSize = cfg.MaxReqSize
	xd.Priority = cfg.Priority
	xd.Kind = kind
	xd.CompleteFence = cfg.CompleteFence
	xd.log = log
	if xd.MaxReqSize == 0 {
		xd.MaxReqSize = 4 << 20
	}

	xd.InputPorts = make([]XferPort, len(cfg.Inputs))
	gatherControlPort := -1
	scatterControlPort := -1
	for i := range cfg.Inputs {
		p := &xd.InputPorts[i]
		ii := &cfg.Inputs[i]
		p.Mem = ii.Mem
		p.Iter = ii.Iter
		p.Serdez = ii.Serdez
		p.PeerGUID = ii.PeerGUID
		p.PeerPortIdx = ii.PeerPortIdx
		p.IndirectPortIdx = ii.IndirectPortIdx
		p.remoteBytesTotal.Store(noLimit)
		p.IBOffset = ii.IBOffset
		p.IBSize = ii.IBSize
		p.SeqLocal.init()
		p.SeqRemote.init()
		p.AddrCursor.SetAddrList(&p.AddrList)
		switch ii.Type {
		case PortGatherControl:
			gatherControlPort = i
		case PortScatterControl:
			scatterControlPort = i
		}
	}
	// wire indirect input ports in a second pass
	for i := range xd.InputPorts {
		p := &xd.InputPorts[i]
		if p.IndirectPortIdx >= 0 {
			p.Iter.SetIndirectInputPort(xd, p.IndirectPortIdx, xd.InputPorts[p.IndirectPortIdx].Iter)
			xd.InputPorts[p.IndirectPortIdx].IsIndirectPort = true
		}
	}

	if gatherControlPort >= 0 {
		xd.inputControl = controlState{controlPortIdx: gatherControlPort}
	} else {
		xd.inputControl = controlState{controlPortIdx: -1, remainingCount: noLimit}
	}

	xd.OutputPorts = make([]XferPort, len(cfg.Outputs))
	for i := range cfg.Outputs {
		p := &xd.OutputPorts[i]
		oi := &cfg.Outputs[i]
		p.Mem = oi.Mem
		p.Iter = oi.Iter
		p.Serdez = oi.Serdez
		p.PeerGUID = oi.PeerGUID
		p.PeerPortIdx = oi.PeerPortIdx
		p.IndirectPortIdx = oi.IndirectPortIdx
		if oi.IndirectPortIdx >= 0 {
			p.Iter.SetIndirectInputPort(xd, oi.IndirectPortIdx, xd.InputPorts[oi.IndirectPortIdx].Iter)
			xd.InputPorts[oi.IndirectPortIdx].IsIndirectPort = true
		}
		p.needsPBTUpdate.Store(oi.PeerGUID != NoGUID)
		p.remoteBytesTotal.Store(noLimit)
		p.IBOffset = oi.IBOffset
		p.IBSize = oi.IBSize
		p.SeqLocal.init()
		p.SeqRemote.init()
		p.AddrCursor.SetAddrList(&p.AddrList)

		// a downstream IB starts with its whole window writable
		if p.IBSize > 0 {
			p.SeqRemote.AddSpan(0, p.IBSize)
		}
	}

	if scatterControlPort >= 0 {
		xd.outputControl = controlState{controlPortIdx: scatterControlPort}
	} else {
		xd.outputControl = controlState{controlPortIdx: -1, remainingCount: noLimit}
	}

	xd.ops = (*defaultXDOps)(xd)
}

// defaultXDOps provides the base implementations of the overridable hooks.
type defaultXDOps XferDes

func (d *defaultXDOps) UpdateBytesWrite(portIdx int, offset, size uint64) {
	(*XferDes)(d).defaultUpdateBytesWrite(portIdx, offset, size)
}

func (d *defaultXDOps) Flush() {}

// bind attaches the concrete kind wrapper and its channel; called by kind
// constructors.
func (xd *XferDes) bind(self ReadyXD, ops xdOps, ch Channel) {
	xd.self = self
	if ops != nil {
		xd.ops = ops
	}
	xd.channel = ch
}

// Channel returns the channel the descriptor is scheduled on.
func (xd *XferDes) Channel() Channel { return xd.channel }

// seedRequests fills the descriptor's free-list with n reusable requests.
func (xd *XferDes) seedRequests(n int) {
	xd.reqMu.Lock()
	for i := 0; i < n; i++ {
		xd.availableReqs = append(xd.availableReqs, &Request{XD: xd})
	}
	xd.reqMu.Unlock()
}

func (xd *XferDes) requestAvailable() bool {
	xd.reqMu.Lock()
	ok := len(xd.availableReqs) > 0
	xd.reqMu.Unlock()
	return ok
}

func (xd *XferDes) dequeueRequest() *Request {
	xd.reqMu.Lock()
	defer xd.reqMu.Unlock()
	if len(xd.availableReqs) == 0 {
		return nil
	}
	req := xd.availableReqs[len(xd.availableReqs)-1]
	xd.availableReqs = xd.availableReqs[:len(xd.availableReqs)-1]
	return req
}

func (xd *XferDes) enqueueRequest(req *Request) {
	xd.reqMu.Lock()
	xd.availableReqs = append(xd.availableReqs, req)
	xd.reqMu.Unlock()
}

// RequestMetadata merges the readiness events of every port iterator.
func (xd *XferDes) RequestMetadata() Event {
	var pending []Event
	for i := range xd.InputPorts {
		if e := xd.InputPorts[i].Iter.RequestMetadata(); !eventTriggered(e) {
			pending = append(pending, e)
		}
	}
	for i := range xd.OutputPorts {
		if e := xd.OutputPorts[i].Iter.RequestMetadata(); !eventTriggered(e) {
			pending = append(pending, e)
		}
	}
	switch len(pending) {
	case 0:
		return nil
	case 1:
		return pending[0]
	default:
		merged := NewUserEvent()
		go func() {
			for _, e := range pending {
				<-e.Done()
			}
			merged.Trigger()
		}()
		return merged
	}
}

// UpdateProgress re-queues the descriptor on its channel if it is not
// already queued; called whenever an asynchronous update may have unblocked
// it.
func (xd *XferDes) UpdateProgress() {
	for {
		switch s := xd.sched.Load(); s {
		case xdIdle:
			if xd.sched.CompareAndSwap(xdIdle, xdQueued) {
				xd.channel.EnqueueReadyXD(xd.self)
				return
			}
		case xdRunning:
			if xd.sched.CompareAndSwap(xdRunning, xdRunningDirty) {
				return
			}
		default:
			return
		}
	}
}

// markQueued transitions for the initial enqueue.
func (xd *XferDes) markQueued() { xd.sched.Store(xdQueued) }

// beginRun and endRun bracket a Progress call; endRun reports whether the
// descriptor must be re-queued because updates arrived while it ran.
func (xd *XferDes) beginRun() { xd.sched.Store(xdRunning) }

func (xd *XferDes) endRun() bool {
	if xd.sched.CompareAndSwap(xdRunning, xdIdle) {
		return false
	}
	// updates arrived mid-run
	xd.sched.Store(xdQueued)
	return true
}

// IterationCompleted reports whether address iteration has finished.
func (xd *XferDes) IterationCompleted() bool {
	return xd.iterationCompleted.Load()
}

// readControlWord pulls one 4-byte control word from the given input port if
// it is available, acking the read to the upstream.
func (xd *XferDes) readControlWord(portIdx int, rseqcache *readSeqCache) (uint32, bool) {
	cp := &xd.InputPorts[portIdx]
	if cp.SeqRemote.SpanExists(cp.LocalBytesTotal, controlWordBytes) < controlWordBytes {
		return 0, false
	}
	amt, info := cp.Iter.Step(controlWordBytes, 0, false)
	if amt != controlWordBytes {
		panic("xfer: short control word step")
	}
	src := cp.Mem.DirectPtr(info.BaseOffset, controlWordBytes)
	if src == nil {
		panic("xfer: control port memory not directly addressable")
	}
	word := binary.LittleEndian.Uint32(src)
	if rseqcache != nil {
		rseqcache.addSpan(portIdx, cp.LocalBytesTotal, controlWordBytes)
	} else {
		xd.UpdateBytesRead(portIdx, cp.LocalBytesTotal, controlWordBytes)
	}
	cp.LocalBytesTotal += controlWordBytes
	return word, true
}

// updateControlInfo refills the input and output control state as needed and
// returns the number of bytes/elements the controls currently allow, or 0
// when no progress is possible. Note that the port carrying the output
// control words is an *input* port: scatter control arrives in-band from the
// producer.
func (xd *XferDes) updateControlInfo(rseqcache *readSeqCache) uint64 {
	if xd.inputControl.remainingCount == 0 {
		word, ok := xd.readControlWord(xd.inputControl.controlPortIdx, rseqcache)
		if !ok {
			return 0
		}
		count, port, eos := decodeControlWord(word)
		xd.inputControl.remainingCount = count
		xd.inputControl.currentIOPort = port
		xd.inputControl.eosReceived = eos
		xd.log.Debug("input control",
			zap.Uint64("xd", uint64(xd.GUID)),
			zap.Int("port", port),
			zap.Uint64("count", count),
			zap.Bool("eos", eos))
		if count == 0 {
			if !eos {
				panic("xfer: zero-count control word without end-of-stream")
			}
			xd.iterationCompleted.Store(true)
			return 0
		}
	}

	if xd.outputControl.remainingCount == 0 {
		word, ok := xd.readControlWord(xd.outputControl.controlPortIdx, rseqcache)
		if !ok {
			return 0
		}
		if word == 0 {
			panic("xfer: zero output control word")
		}
		count, port, eos := decodeControlWord(word)
		xd.outputControl.remainingCount = count
		xd.outputControl.currentIOPort = port
		xd.outputControl.eosReceived = eos
		xd.log.Debug("output control",
			zap.Uint64("xd", uint64(xd.GUID)),
			zap.Int("port", port),
			zap.Uint64("count", count),
			zap.Bool("eos", eos))
		if count == 0 {
			if !eos {
				panic("xfer: zero-count control word without end-of-stream")
			}
			xd.iterationCompleted.Store(true)
			// give every output a chance to indicate completion
			for i := range xd.OutputPorts {
				xd.ops.UpdateBytesWrite(i, xd.OutputPorts[i].LocalBytesTotal, 0)
			}
			return 0
		}
	}

	return minU64(xd.inputControl.remainingCount, xd.outputControl.remainingCount)
}

// getAddresses tops up the address lists of the current IO ports and
// returns how many bytes can move right now, bounded by flow control. A
// zero return means the caller should yield and wait for updates.
func (xd *XferDes) getAddresses(minXferSize uint64, rseqcache *readSeqCache) uint64 {
	controlCount := xd.updateControlInfo(rseqcache)
	if controlCount == 0 {
		return 0
	}
	if controlCount < minXferSize {
		minXferSize = controlCount
	}
	maxBytes := controlCount

	if xd.inputControl.currentIOPort >= 0 {
		inPort := &xd.InputPorts[xd.inputControl.currentIOPort]

		readBytesAvail := inPort.AddrList.BytesPending()
		if readBytesAvail < minXferSize {
			if inPort.Iter.GetAddresses(&inPort.AddrList) {
				// iterator asked for an early flush
				minXferSize = minU64(minXferSize, inPort.AddrList.BytesPending())
			}
			readBytesAvail = inPort.AddrList.BytesPending()
		}

		// not first in the chain: respect flow control too
		if inPort.PeerGUID != NoGUID {
			readBytesAvail = inPort.SeqRemote.SpanExists(inPort.LocalBytesTotal, readBytesAvail)
			pbtLimit := inPort.remoteBytesTotal.Load() - inPort.LocalBytesTotal
			minXferSize = minU64(minXferSize, pbtLimit)
		}

		// gather copies with fork-joins in the dataflow cannot always
		// supply minXferSize at once - move what is there and rely on the
		// upstream producing its largest possible chunks
		if readBytesAvail > 0 && readBytesAvail < minXferSize {
			minXferSize = readBytesAvail
		}

		maxBytes = minU64(maxBytes, readBytesAvail)
	}

	if xd.outputControl.currentIOPort >= 0 {
		outPort := &xd.OutputPorts[xd.outputControl.currentIOPort]

		writeBytesAvail := outPort.AddrList.BytesPending()
		if writeBytesAvail < minXferSize {
			if outPort.Iter.GetAddresses(&outPort.AddrList) {
				minXferSize = minU64(minXferSize, outPort.AddrList.BytesPending())
			}
			writeBytesAvail = outPort.AddrList.BytesPending()
		}

		// not last in the chain: do not overwrite unread IB data
		if outPort.PeerGUID != NoGUID {
			writeBytesAvail = outPort.SeqRemote.SpanExists(outPort.LocalBytesTotal, writeBytesAvail)
		}

		maxBytes = minU64(maxBytes, writeBytesAvail)
	}

	if minXferSize == 0 {
		// only possible in the absence of control ports
		if xd.inputControl.controlPortIdx != -1 || xd.outputControl.controlPortIdx != -1 {
			panic("xfer: control-driven transfer ran out of addresses")
		}
		xd.iterationCompleted.Store(true)
		return 0
	}

	if maxBytes < minXferSize {
		return 0
	}
	return maxBytes
}

// recordAddressConsumption accounts totalBytes moved through the current IO
// ports, decrements the control counts, and reports whether iteration
// completed.
func (xd *XferDes) recordAddressConsumption(totalBytes uint64) bool {
	inDone := false
	if xd.inputControl.currentIOPort >= 0 {
		inPort := &xd.InputPorts[xd.inputControl.currentIOPort]
		inPort.LocalBytesTotal += totalBytes
		inPort.localBytesCons.Add(totalBytes)

		if inPort.PeerGUID == NoGUID {
			inDone = inPort.AddrList.BytesPending() == 0 && inPort.Iter.Done()
		} else {
			inDone = inPort.LocalBytesTotal == inPort.remoteBytesTotal.Load()
		}
	}

	outDone := false
	if xd.outputControl.currentIOPort >= 0 {
		outPort := &xd.OutputPorts[xd.outputControl.currentIOPort]
		outPort.LocalBytesTotal += totalBytes
		outPort.localBytesCons.Add(totalBytes)

		if outPort.PeerGUID == NoGUID {
			outDone = outPort.AddrList.BytesPending() == 0 && outPort.Iter.Done()
		}
	}

	if xd.inputControl.remainingCount != noLimit {
		xd.inputControl.remainingCount -= totalBytes
	}
	if xd.outputControl.remainingCount != noLimit {
		xd.outputControl.remainingCount -= totalBytes
	}

	// control streams override the iterators' notion of done-ness
	if xd.inputControl.controlPortIdx >= 0 {
		inDone = xd.inputControl.remainingCount == 0 && xd.inputControl.eosReceived
	}
	if xd.outputControl.controlPortIdx >= 0 {
		outDone = xd.outputControl.remainingCount == 0 && xd.outputControl.eosReceived
	}

	if inDone || outDone {
		xd.iterationCompleted.Store(true)
		return true
	}
	return false
}

// IsCompleted checks the three retirement conditions: iteration finished,
// the final byte total sent to every output peer, and every write locally
// acknowledged. Once true it stays true and is O(1).
func (xd *XferDes) IsCompleted() bool {
	if xd.transferCompleted.Load() {
		return true
	}
	if !xd.iterationCompleted.Load() {
		return false
	}
	for i := range xd.OutputPorts {
		p := &xd.OutputPorts[i]
		if p.needsPBTUpdate.Load() {
			// the exchange guarantees at most one sender
			if p.needsPBTUpdate.CompareAndSwap(true, false) {
				xd.Queue.UpdatePreBytesTotal(p.PeerGUID, p.PeerPortIdx, p.LocalBytesTotal)
			}
		}
		// use the conservative count so serializing descriptors do not
		// trigger early
		lbc := p.localBytesCons.Load()
		if p.SeqLocal.SpanExists(0, lbc) != lbc {
			return false
		}
	}
	xd.transferCompleted.Store(true)
	return true
}

// MarkCompleted retires the descriptor: recycles input IBs and resolves the
// completion fence, crossing back to the launching node when needed.
func (xd *XferDes) MarkCompleted() {
	for i := range xd.InputPorts {
		p := &xd.InputPorts[i]
		if p.IBSize > 0 && xd.ReleaseIB != nil {
			xd.ReleaseIB(p.Mem, p.IBOffset, p.IBSize)
		}
	}
	if xd.CompleteFence != nil {
		if xd.LaunchNode == xd.Queue.Node() {
			xd.CompleteFence.MarkFinished(true)
		} else {
			xd.Queue.Transport().SendNotifyComplete(xd.LaunchNode, xd.CompleteFence)
		}
	}
}

// UpdateBytesRead records locally completed reads on an input port and tells
// the upstream which IB offsets may be overwritten.
func (xd *XferDes) UpdateBytesRead(portIdx int, offset, size uint64) {
	inPort := &xd.InputPorts[portIdx]
	incAmt := inPort.SeqLocal.AddSpan(offset, size)
	xd.log.Debug("bytes_read",
		zap.Uint64("xd", uint64(xd.GUID)),
		zap.Int("port", portIdx),
		zap.Uint64("offset", offset),
		zap.Uint64("size", size),
		zap.Uint64("inc", incAmt))
	if inPort.PeerGUID != NoGUID && incAmt > 0 {
		// the peer hears which offsets are reusable, so slide the span
		// forward by one (circular) IB window
		xd.Queue.UpdateNextBytesRead(inPort.PeerGUID, inPort.PeerPortIdx,
			offset+inPort.IBSize, incAmt)
	}
}

// UpdateBytesWrite records locally completed writes on an output port,
// forwarding the produced span (and, once ready, the final total) to the
// consuming peer.
func (xd *XferDes) UpdateBytesWrite(portIdx int, offset, size uint64) {
	xd.ops.UpdateBytesWrite(portIdx, offset, size)
}

func (xd *XferDes) defaultUpdateBytesWrite(portIdx int, offset, size uint64) {
	outPort := &xd.OutputPorts[portIdx]
	incAmt := outPort.SeqLocal.AddSpan(offset, size)
	xd.log.Debug("bytes_write",
		zap.Uint64("xd", uint64(xd.GUID)),
		zap.Int("port", portIdx),
		zap.Uint64("offset", offset),
		zap.Uint64("size", size),
		zap.Uint64("inc", incAmt))
	// the oldest write being acked may be the only thing the descriptor is
	// waiting for
	if incAmt > 0 {
		xd.UpdateProgress()
	}
	if outPort.PeerGUID != NoGUID {
		if outPort.needsPBTUpdate.Load() && xd.iterationCompleted.Load() {
			if outPort.needsPBTUpdate.CompareAndSwap(true, false) {
				xd.Queue.UpdatePreBytesTotal(outPort.PeerGUID, outPort.PeerPortIdx,
					outPort.LocalBytesTotal)
			}
		}
		if incAmt > 0 {
			xd.Queue.UpdatePreBytesWrite(outPort.PeerGUID, outPort.PeerPortIdx,
				offset, incAmt)
		}
	}
}

// UpdatePreBytesWrite delivers a producer's new contiguous bytes to an input
// port.
func (xd *XferDes) UpdatePreBytesWrite(portIdx int, offset, size uint64) {
	inPort := &xd.InputPorts[portIdx]
	incAmt := inPort.SeqRemote.AddSpan(offset, size)
	xd.log.Debug("pre_write",
		zap.Uint64("xd", uint64(xd.GUID)),
		zap.Int("port", portIdx),
		zap.Uint64("offset", offset),
		zap.Uint64("size", size),
		zap.Uint64("inc", incAmt))
	if incAmt > 0 {
		xd.UpdateProgress()
	}
}

// UpdatePreBytesTotal delivers a producer's final byte count; a single
// transition from unknown.
func (xd *XferDes) UpdatePreBytesTotal(portIdx int, preBytesTotal uint64) {
	inPort := &xd.InputPorts[portIdx]
	old := inPort.remoteBytesTotal.Swap(preBytesTotal)
	if old != noLimit && old != preBytesTotal {
		panic("xfer: conflicting pre_bytes_total updates")
	}
	xd.log.Debug("pre_total",
		zap.Uint64("xd", uint64(xd.GUID)),
		zap.Int("port", portIdx),
		zap.Uint64("total", preBytesTotal))
	// this may unblock a descriptor that consumed all input but did not
	// know there was no more
	xd.UpdateProgress()
}

// UpdateNextBytesRead delivers a consumer's freed IB space to an output
// port.
func (xd *XferDes) UpdateNextBytesRead(portIdx int, offset, size uint64) {
	outPort := &xd.OutputPorts[portIdx]
	incAmt := outPort.SeqRemote.AddSpan(offset, size)
	xd.log.Debug("next_read",
		zap.Uint64("xd", uint64(xd.GUID)),
		zap.Int("port", portIdx),
		zap.Uint64("offset", offset),
		zap.Uint64("size", size),
		zap.Uint64("inc", incAmt))
	if incAmt > 0 {
		xd.UpdateProgress()
	}
}

// notifyRequestReadDone is the default read-completion callback.
func (xd *XferDes) notifyRequestReadDone(req *Request) {
	xd.UpdateBytesRead(req.SrcPortIdx, req.ReadSeqPos, req.ReadSeqCount)
}

// notifyRequestWriteDone is the default write-completion callback; it
// recycles the request before publishing the write, since publishing can
// retire the descriptor.
func (xd *XferDes) notifyRequestWriteDone(req *Request) {
	dstPortIdx := req.DstPortIdx
	writeSeqPos := req.WriteSeqPos
	writeSeqCount := req.WriteSeqCount
	xd.enqueueRequest(req)
	xd.ops.UpdateBytesWrite(dstPortIdx, writeSeqPos, writeSeqCount)
}

// NotifyRequestReadDone is called by a channel when a request's read half
// completes.
func (xd *XferDes) NotifyRequestReadDone(req *Request) { xd.notifyRequestReadDone(req) }

// NotifyRequestWriteDone is called by a channel when a request's write half
// completes.
func (xd *XferDes) NotifyRequestWriteDone(req *Request) { xd.notifyRequestWriteDone(req) }

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
