package xfer

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Write1DMessage carries a remote-write payload together with the update
// that tells the next descriptor the bytes have landed. The receiver does
// not ack; local and remote completion are properties of the transport.
type Write1DMessage struct {
	DstAddr     RemoteAddress
	NextXDGUID  XferDesID
	NextPortIdx int
	SpanStart   uint64
}

// RemoteWriteMessage is the acked payload variant that can also piggyback
// the stream's final byte count. PreBytesTotal is noLimit when absent.
type RemoteWriteMessage struct {
	DstAddr       RemoteAddress
	NextXDGUID    XferDesID
	NextPortIdx   int
	SpanStart     uint64
	SpanSize      uint64
	PreBytesTotal uint64
}

// PayloadSource describes where a payload message's bytes come from: either
// a (possibly strided) view of source memory, or an already gathered
// buffer.
type PayloadSource struct {
	Base         []byte
	BytesPerLine uint64
	Lines        uint64
	LineStride   uint64

	Gathered []byte
}

// TotalBytes is the payload length on the wire.
func (p PayloadSource) TotalBytes() uint64 {
	if p.Gathered != nil {
		return uint64(len(p.Gathered))
	}
	return p.BytesPerLine * p.Lines
}

// linearize flattens the payload into a contiguous buffer.
func (p PayloadSource) linearize() []byte {
	if p.Gathered != nil {
		return p.Gathered
	}
	if p.Lines <= 1 {
		return p.Base[:p.BytesPerLine]
	}
	out := make([]byte, p.TotalBytes())
	var inOfs, outOfs uint64
	for i := uint64(0); i < p.Lines; i++ {
		copy(out[outOfs:outOfs+p.BytesPerLine], p.Base[inOfs:inOfs+p.BytesPerLine])
		inOfs += p.LineStride
		outOfs += p.BytesPerLine
	}
	return out
}

// XferDesCreateMessage carries a descriptor's construction parameters to
// the node that owns its GUID. The in-process transport hands the config
// across directly; a wire transport would serialize it.
type XferDesCreateMessage struct {
	Kind   XferDesKind
	Config XferDesConfig
}

// Transport is the reliable fire-and-forget message layer between nodes.
// Every send eventually reaches its target exactly once; there is no
// in-core retry.
type Transport interface {
	MyNode() NodeID

	// RecommendedMaxPayload bounds the payload size of one write message to
	// the target.
	RecommendedMaxPayload(target NodeID) uint64

	SendUpdateBytesWrite(target NodeID, guid XferDesID, portIdx int, spanStart, spanSize uint64)
	SendUpdateBytesTotal(target NodeID, guid XferDesID, portIdx int, preBytesTotal uint64)
	SendUpdateBytesRead(target NodeID, guid XferDesID, portIdx int, spanStart, spanSize uint64)

	// SendWrite1D ships a payload; onLocal fires when the source buffer may
	// be reused, onRemote when the target has absorbed the write.
	SendWrite1D(target NodeID, msg Write1DMessage, payload PayloadSource, onLocal, onRemote func())

	// SendRemoteWrite ships an acked payload; onAck fires when the target's
	// ack arrives (not at all for empty payloads).
	SendRemoteWrite(target NodeID, msg RemoteWriteMessage, payload PayloadSource, onAck func())

	// SendCreateXferDes asks the owning node to build and enqueue a
	// descriptor.
	SendCreateXferDes(target NodeID, msg XferDesCreateMessage)

	SendXferDesDestroy(target NodeID, guid XferDesID)
	SendNotifyComplete(target NodeID, fence *Fence)
}

// LoopbackTransport delivers messages between queues registered in the same
// process. It is the transport tests and single-process deployments use;
// delivery is synchronous and trivially reliable.
type LoopbackTransport struct {
	node NodeID
	log  *zap.Logger

	mu       sync.RWMutex
	queues   map[NodeID]*XferDesQueue
	mems     map[uint64]Memory
	creators map[NodeID]func(XferDesCreateMessage)
	nextKey  atomic.Uint64

	maxPayload uint64
}

// NewLoopbackTransport builds a transport whose messages stay in-process.
func NewLoopbackTransport(node NodeID, log *zap.Logger) *LoopbackTransport {
	if log == nil {
		log = zap.NewNop()
	}
	return &LoopbackTransport{
		node:       node,
		log:        log,
		queues:     make(map[NodeID]*XferDesQueue),
		mems:       make(map[uint64]Memory),
		creators:   make(map[NodeID]func(XferDesCreateMessage)),
		maxPayload: 4096,
	}
}

// RegisterCreateHandler installs the factory a node uses to build
// descriptors requested by its peers.
func (t *LoopbackTransport) RegisterCreateHandler(node NodeID, fn func(XferDesCreateMessage)) {
	t.mu.Lock()
	t.creators[node] = fn
	t.mu.Unlock()
}

// RegisterQueue connects a node's queue so messages can reach it.
func (t *LoopbackTransport) RegisterQueue(node NodeID, q *XferDesQueue) {
	t.mu.Lock()
	t.queues[node] = q
	t.mu.Unlock()
}

// RegisterMemory marks a local memory remotely writable and returns the key
// remote writers name it by.
func (t *LoopbackTransport) RegisterMemory(mem *LocalMemory) uint64 {
	key := t.nextKey.Add(1)
	t.mu.Lock()
	t.mems[key] = mem
	t.mu.Unlock()
	mem.rkey = key
	mem.remote = true
	mem.rdmaInfo = []byte{byte(key)}
	return key
}

func (t *LoopbackTransport) queueFor(node NodeID) *XferDesQueue {
	t.mu.RLock()
	q := t.queues[node]
	t.mu.RUnlock()
	if q == nil {
		panic("xfer: loopback send to unregistered node")
	}
	return q
}

func (t *LoopbackTransport) memFor(key uint64) Memory {
	t.mu.RLock()
	m := t.mems[key]
	t.mu.RUnlock()
	if m == nil {
		panic("xfer: remote write to unregistered memory")
	}
	return m
}

func (t *LoopbackTransport) MyNode() NodeID { return t.node }

func (t *LoopbackTransport) RecommendedMaxPayload(target NodeID) uint64 {
	return t.maxPayload
}

// SetRecommendedMaxPayload overrides the payload ceiling, mainly for tests.
func (t *LoopbackTransport) SetRecommendedMaxPayload(n uint64) {
	t.maxPayload = n
}

func (t *LoopbackTransport) SendUpdateBytesWrite(target NodeID, guid XferDesID, portIdx int, spanStart, spanSize uint64) {
	t.queueFor(target).UpdatePreBytesWrite(guid, portIdx, spanStart, spanSize)
}

func (t *LoopbackTransport) SendUpdateBytesTotal(target NodeID, guid XferDesID, portIdx int, preBytesTotal uint64) {
	t.queueFor(target).UpdatePreBytesTotal(guid, portIdx, preBytesTotal)
}

func (t *LoopbackTransport) SendUpdateBytesRead(target NodeID, guid XferDesID, portIdx int, spanStart, spanSize uint64) {
	t.queueFor(target).UpdateNextBytesRead(guid, portIdx, spanStart, spanSize)
}

func (t *LoopbackTransport) SendWrite1D(target NodeID, msg Write1DMessage, payload PayloadSource, onLocal, onRemote func()) {
	data := payload.linearize()
	// the send buffer is free once the payload is captured
	if onLocal != nil {
		onLocal()
	}

	dst := t.memFor(msg.DstAddr.Key)
	if len(data) > 0 {
		if err := dst.PutBytes(msg.DstAddr.Addr, data); err != nil {
			panic(err)
		}
	}

	t.log.Debug("write1d delivered",
		zap.Uint64("next", uint64(msg.NextXDGUID)),
		zap.Uint64("start", msg.SpanStart),
		zap.Int("len", len(data)))

	if msg.NextXDGUID != NoGUID {
		t.queueFor(target).UpdatePreBytesWrite(msg.NextXDGUID, msg.NextPortIdx,
			msg.SpanStart, uint64(len(data)))
	}

	if onRemote != nil {
		onRemote()
	}
}

func (t *LoopbackTransport) SendRemoteWrite(target NodeID, msg RemoteWriteMessage, payload PayloadSource, onAck func()) {
	data := payload.linearize()

	dst := t.memFor(msg.DstAddr.Key)
	if len(data) > 0 {
		if err := dst.PutBytes(msg.DstAddr.Addr, data); err != nil {
			panic(err)
		}
	}

	t.log.Debug("remote write delivered",
		zap.Uint64("next", uint64(msg.NextXDGUID)),
		zap.Uint64("start", msg.SpanStart),
		zap.Uint64("size", msg.SpanSize),
		zap.Uint64("pbt", msg.PreBytesTotal))

	if msg.NextXDGUID != NoGUID {
		q := t.queueFor(target)
		if msg.PreBytesTotal != noLimit {
			q.UpdatePreBytesTotal(msg.NextXDGUID, msg.NextPortIdx, msg.PreBytesTotal)
		}
		q.UpdatePreBytesWrite(msg.NextXDGUID, msg.NextPortIdx, msg.SpanStart, msg.SpanSize)
	}

	// empty requests are not acked
	if len(data) > 0 && onAck != nil {
		onAck()
	}
}

func (t *LoopbackTransport) SendCreateXferDes(target NodeID, msg XferDesCreateMessage) {
	t.mu.RLock()
	fn := t.creators[target]
	t.mu.RUnlock()
	if fn == nil {
		panic("xfer: create message for a node without a descriptor factory")
	}
	fn(msg)
}

func (t *LoopbackTransport) SendXferDesDestroy(target NodeID, guid XferDesID) {
	t.queueFor(target).DestroyXferDes(guid)
}

func (t *LoopbackTransport) SendNotifyComplete(target NodeID, fence *Fence) {
	fence.MarkFinished(true)
}
