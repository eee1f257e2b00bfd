package xfer

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// xdWithUpdates holds a registered descriptor, or the updates that arrived
// before the descriptor was locally known.
type xdWithUpdates struct {
	xd            *XferDes
	ready         ReadyXD
	seqPreWrite   map[int]*SequenceAssembler
	preBytesTotal map[int]uint64
}

// XferDesQueue is the process-wide rendezvous of transfer descriptors and
// the asynchronous byte-count updates addressed to them. Updates for
// descriptors on other nodes are forwarded through the transport; updates
// for descriptors not yet registered here are buffered under their GUID.
type XferDesQueue struct {
	node      NodeID
	transport Transport
	log       *zap.Logger

	guidLock sync.RWMutex
	guidToXD map[XferDesID]*xdWithUpdates

	nextIndex atomic.Uint64
}

// NewXferDesQueue builds the queue for this node.
func NewXferDesQueue(node NodeID, transport Transport, log *zap.Logger) *XferDesQueue {
	if log == nil {
		log = zap.NewNop()
	}
	return &XferDesQueue{
		node:      node,
		transport: transport,
		log:       log,
		guidToXD:  make(map[XferDesID]*xdWithUpdates),
	}
}

// Node returns the node this queue serves.
func (q *XferDesQueue) Node() NodeID { return q.node }

// Transport returns the queue's message transport.
func (q *XferDesQueue) Transport() Transport { return q.transport }

// NewGUID allocates a GUID owned by this node.
func (q *XferDesQueue) NewGUID() XferDesID {
	return MakeGUID(q.node, q.nextIndex.Add(1))
}

// EnqueueLocal registers a descriptor, waits for its iterator metadata,
// folds in any updates that arrived early, and hands it to its channel.
func (q *XferDesQueue) EnqueueLocal(ready ReadyXD) {
	xd := ready.XD()
	ev := xd.RequestMetadata()
	if !eventTriggered(ev) {
		q.log.Info("xd metadata wait", zap.Uint64("xd", uint64(xd.GUID)))
		go func() {
			<-ev.Done()
			q.log.Info("xd metadata ready", zap.Uint64("xd", uint64(xd.GUID)))
			q.registerAndEnqueue(ready)
		}()
		return
	}
	q.registerAndEnqueue(ready)
}

func (q *XferDesQueue) registerAndEnqueue(ready ReadyXD) {
	xd := ready.XD()

	q.guidLock.Lock()
	entry, ok := q.guidToXD[xd.GUID]
	if ok {
		// updates arrived before the descriptor: fold them in
		if entry.xd != nil {
			panic("xfer: descriptor GUID registered twice")
		}
		entry.xd = xd
		entry.ready = ready
		for portIdx, total := range entry.preBytesTotal {
			xd.InputPorts[portIdx].remoteBytesTotal.Store(total)
		}
		for portIdx, sa := range entry.seqPreWrite {
			xd.InputPorts[portIdx].SeqRemote.Swap(sa)
		}
		entry.preBytesTotal = nil
		entry.seqPreWrite = nil
	} else {
		q.guidToXD[xd.GUID] = &xdWithUpdates{xd: xd, ready: ready}
	}
	q.guidLock.Unlock()

	xd.markQueued()
	xd.Channel().EnqueueReadyXD(ready)
}

// UpdatePreBytesWrite routes a produced-bytes span to the consuming
// descriptor, buffering it if the descriptor is not yet registered.
func (q *XferDesQueue) UpdatePreBytesWrite(guid XferDesID, portIdx int, spanStart, spanSize uint64) {
	owner := guid.OwnerNode()
	if owner != q.node {
		q.transport.SendUpdateBytesWrite(owner, guid, portIdx, spanStart, spanSize)
		return
	}

	q.guidLock.Lock()
	entry, ok := q.guidToXD[guid]
	if ok && entry.xd != nil {
		xd := entry.xd
		q.guidLock.Unlock()
		xd.UpdatePreBytesWrite(portIdx, spanStart, spanSize)
		return
	}
	if !ok {
		entry = &xdWithUpdates{}
		q.guidToXD[guid] = entry
	}
	if entry.seqPreWrite == nil {
		entry.seqPreWrite = make(map[int]*SequenceAssembler)
	}
	sa, ok := entry.seqPreWrite[portIdx]
	if !ok {
		sa = NewSequenceAssembler()
		entry.seqPreWrite[portIdx] = sa
	}
	sa.AddSpan(spanStart, spanSize)
	q.guidLock.Unlock()
}

// UpdatePreBytesTotal routes a producer's final byte count; exactly one per
// port per stream.
func (q *XferDesQueue) UpdatePreBytesTotal(guid XferDesID, portIdx int, preBytesTotal uint64) {
	owner := guid.OwnerNode()
	if owner != q.node {
		q.transport.SendUpdateBytesTotal(owner, guid, portIdx, preBytesTotal)
		return
	}

	q.guidLock.Lock()
	entry, ok := q.guidToXD[guid]
	if ok && entry.xd != nil {
		xd := entry.xd
		q.guidLock.Unlock()
		xd.UpdatePreBytesTotal(portIdx, preBytesTotal)
		return
	}
	if !ok {
		entry = &xdWithUpdates{}
		q.guidToXD[guid] = entry
	}
	if entry.preBytesTotal == nil {
		entry.preBytesTotal = make(map[int]uint64)
	}
	if _, dup := entry.preBytesTotal[portIdx]; dup {
		panic("xfer: duplicate pre_bytes_total for port")
	}
	entry.preBytesTotal[portIdx] = preBytesTotal
	q.guidLock.Unlock()
}

// UpdateNextBytesRead routes a consumer's freed-space span back to the
// producing descriptor. A missing descriptor means it already retired, in
// which case the update is safely dropped.
func (q *XferDesQueue) UpdateNextBytesRead(guid XferDesID, portIdx int, spanStart, spanSize uint64) {
	owner := guid.OwnerNode()
	if owner != q.node {
		q.transport.SendUpdateBytesRead(owner, guid, portIdx, spanStart, spanSize)
		return
	}

	q.guidLock.RLock()
	entry, ok := q.guidToXD[guid]
	var xd *XferDes
	if ok {
		xd = entry.xd
	}
	q.guidLock.RUnlock()
	if xd != nil {
		xd.UpdateNextBytesRead(portIdx, spanStart, spanSize)
	}
}

// DestroyXferDes retires GUID state, locally or on the owning node.
func (q *XferDesQueue) DestroyXferDes(guid XferDesID) {
	owner := guid.OwnerNode()
	if owner != q.node {
		q.transport.SendXferDesDestroy(owner, guid)
		return
	}
	q.guidLock.Lock()
	delete(q.guidToXD, guid)
	q.guidLock.Unlock()
}
