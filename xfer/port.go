package xfer

import "sync/atomic"

// SerdezOp is a user-supplied element-wise serializer. Elements occupy
// FieldSize bytes in their unpacked form and at most MaxSerializedSize bytes
// serialized.
type SerdezOp struct {
	FieldSize         uint64
	MaxSerializedSize uint64

	// SerializeOne packs one element from src into dst, returning the
	// serialized size. dst has at least MaxSerializedSize bytes.
	SerializeOne func(src, dst []byte) uint64

	// DeserializeOne unpacks one element from src into dst, returning the
	// number of serialized bytes consumed. src holds at least the full
	// serialized element.
	DeserializeOne func(dst, src []byte) uint64
}

// PortType marks the role of an input port.
type PortType int

const (
	PortDefault PortType = iota
	PortGatherControl
	PortScatterControl
)

// PortInfo describes one endpoint of a transfer descriptor at construction.
type PortInfo struct {
	Mem             Memory
	Iter            TransferIterator
	Serdez          *SerdezOp
	PeerGUID        XferDesID
	PeerPortIdx     int
	IndirectPortIdx int // -1 when the port is not indirect
	IBOffset        uint64
	IBSize          uint64
	Type            PortType
}

// XferPort is one input or output endpoint of a transfer descriptor. For an
// output port SeqLocal tracks bytes written and SeqRemote the IB space the
// consumer has freed; for an input port SeqLocal tracks bytes read and
// SeqRemote the bytes the upstream has produced.
type XferPort struct {
	Mem             Memory
	Iter            TransferIterator
	Serdez          *SerdezOp
	PeerGUID        XferDesID
	PeerPortIdx     int
	IndirectPortIdx int
	IsIndirectPort  bool

	// needsPBTUpdate is a one-shot flag (outputs only) that the final byte
	// total has not yet been sent to the peer.
	needsPBTUpdate atomic.Bool

	// LocalBytesTotal is write-owned by the descriptor's progress thread.
	// localBytesCons is the conservative estimate used for flow control
	// under serdez; it never trails LocalBytesTotal.
	LocalBytesTotal uint64
	localBytesCons  atomic.Uint64

	// remoteBytesTotal is the peer's final byte count, noLimit until known.
	remoteBytesTotal atomic.Uint64

	IBOffset uint64
	IBSize   uint64

	SeqLocal  SequenceAssembler
	SeqRemote SequenceAssembler

	AddrList   AddressList
	AddrCursor AddressListCursor
}

// RemoteBytesTotal returns the peer's final byte count, or noLimit if the
// peer is still iterating.
func (p *XferPort) RemoteBytesTotal() uint64 {
	return p.remoteBytesTotal.Load()
}

// consRefund returns over-reserved bytes to the conservative counter once
// the actual serialized size of a chunk is known.
func (p *XferPort) consRefund(n uint64) {
	if n > 0 {
		p.localBytesCons.Add(^(n - 1))
	}
}

// LocalBytesCons exposes the conservative flow-control counter.
func (p *XferPort) LocalBytesCons() uint64 {
	return p.localBytesCons.Load()
}

// controlState tracks one direction's control-port multiplexing.
type controlState struct {
	controlPortIdx int
	currentIOPort  int
	remainingCount uint64
	eosReceived    bool
}

// Control word format (4 bytes, little-endian):
//
//	bits 31..8 : count
//	bit  7     : end-of-stream marker
//	bits 6..0  : target_port_index + 1 (0 = no target)
const (
	controlWordBytes  = 4
	controlEOSBit     = 0x80
	controlPortMask   = 0x7f
	controlCountShift = 8
	controlMaxCount   = 1<<24 - 1
	controlMaxPortsP1 = controlPortMask
)

// EncodeControlWord packs a control word. port -1 means "no target".
func EncodeControlWord(count uint64, port int, eos bool) uint32 {
	if count > controlMaxCount {
		panic("xfer: control count out of range")
	}
	if port < -1 || port+1 > controlMaxPortsP1 {
		panic("xfer: control port out of range")
	}
	w := uint32(count)<<controlCountShift | uint32(port+1)
	if eos {
		w |= controlEOSBit
	}
	return w
}

func decodeControlWord(w uint32) (count uint64, port int, eos bool) {
	count = uint64(w >> controlCountShift)
	port = int(w&controlPortMask) - 1
	eos = w&controlEOSBit != 0
	return count, port, eos
}
