package xfer

// NodeID identifies a process in the runtime. The embedding runtime assigns
// them; the transfer core only compares and routes on them.
type NodeID int32

// XferDesID is the 64-bit GUID of a transfer descriptor. The top NodeBits
// encode the owning node, the low IndexBits the node-local index.
type XferDesID uint64

const (
	// NoGUID marks a port edge that reads or writes user memory directly,
	// with no peer transfer descriptor on the other side.
	NoGUID XferDesID = 0

	// NodeBits and IndexBits define the GUID layout.
	NodeBits  = 16
	IndexBits = 32
)

// MakeGUID packs an owning node and a node-local index into a GUID.
func MakeGUID(node NodeID, index uint64) XferDesID {
	return XferDesID(uint64(node)<<(NodeBits+IndexBits) | (index & ((1 << IndexBits) - 1)))
}

// OwnerNode extracts the node that executes the descriptor.
func (id XferDesID) OwnerNode() NodeID {
	return NodeID(id >> (NodeBits + IndexBits))
}

// XferDesKind enumerates the channel backend a descriptor runs on.
type XferDesKind int

const (
	KindNone XferDesKind = iota
	KindMemcpy
	KindRemoteWrite
	KindGlobalRead
	KindGlobalWrite
	KindFileRead
	KindFileWrite
)

func (k XferDesKind) String() string {
	switch k {
	case KindMemcpy:
		return "memcpy"
	case KindRemoteWrite:
		return "remote_write"
	case KindGlobalRead:
		return "global_read"
	case KindGlobalWrite:
		return "global_write"
	case KindFileRead:
		return "file_read"
	case KindFileWrite:
		return "file_write"
	default:
		return "none"
	}
}

// SerdezID names a registered custom serdez operator; 0 means none.
type SerdezID int

// ReductionOpID names a registered reduction operator; 0 means none.
type ReductionOpID int

// noLimit is the sentinel for "not yet known" byte totals.
const noLimit = ^uint64(0)
