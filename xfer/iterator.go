package xfer

// AddressInfo describes one step of a transfer iterator: an N-D rectangle of
// addresses within the iterated memory. BytesPerChunk*NumLines*NumPlanes is
// the byte total of the step; NumLines == 1 implies NumPlanes == 1.
type AddressInfo struct {
	BaseOffset    uint64
	BytesPerChunk uint64
	NumLines      uint64
	LineStride    uint64
	NumPlanes     uint64
	PlaneStride   uint64
}

// TotalBytes returns the byte volume of the rectangle.
func (a AddressInfo) TotalBytes() uint64 {
	return a.BytesPerChunk * a.NumLines * a.NumPlanes
}

// StepFlags gate how many dimensions a Step may produce.
type StepFlags uint32

const (
	// StepLinesOK allows 2-D steps.
	StepLinesOK StepFlags = 1 << iota
	// StepPlanesOK allows 3-D steps (only meaningful with StepLinesOK).
	StepPlanesOK
)

// TransferIterator produces the addresses of a subregion for a port. Steps
// may be taken tentatively and then confirmed or cancelled exactly once;
// non-tentative steps commit immediately.
type TransferIterator interface {
	// RequestMetadata returns an event gating address availability, or nil
	// when addresses can be produced immediately.
	RequestMetadata() Event

	// Done reports whether the iterator has produced its final address.
	Done() bool

	// Step produces up to maxBytes of addresses. A zero return means not
	// even one element fits.
	Step(maxBytes uint64, flags StepFlags, tentative bool) (uint64, AddressInfo)
	ConfirmStep()
	CancelStep()

	// GetAddresses bulk-produces rectangles into the address list until the
	// list fills or the iterator is exhausted. A true return asks the
	// caller to flush what is already listed rather than wait for more.
	GetAddresses(al *AddressList) bool

	// SetIndirectInputPort wires a gather/scatter iterator to the input
	// port that supplies its element indices.
	SetIndirectInputPort(xd *XferDes, portIdx int, addrIter TransferIterator)
}

// BlockIterator walks an affine N-D layout: a contiguous run of
// Extents[0] bytes repeated Extents[1] times at LineStride, repeated
// Extents[2] times at PlaneStride.
type BlockIterator struct {
	Base        uint64
	Extents     [MaxAddrDim]uint64 // bytes, lines, planes
	LineStride  uint64
	PlaneStride uint64
	Metadata    Event // optional readiness gate

	pos       uint64
	savedPos  uint64
	tentative bool
}

// NewContigIterator returns an iterator over a 1-D span of bytes.
func NewContigIterator(base, bytes uint64) *BlockIterator {
	return &BlockIterator{
		Base:    base,
		Extents: [MaxAddrDim]uint64{bytes, 1, 1},
	}
}

// NewBlockIterator returns an iterator over a strided 2-D/3-D layout.
func NewBlockIterator(base uint64, extents [MaxAddrDim]uint64, lineStride, planeStride uint64) *BlockIterator {
	for i := range extents {
		if extents[i] == 0 {
			extents[i] = 1
		}
	}
	return &BlockIterator{
		Base:        base,
		Extents:     extents,
		LineStride:  lineStride,
		PlaneStride: planeStride,
	}
}

func (it *BlockIterator) totalBytes() uint64 {
	return it.Extents[0] * it.Extents[1] * it.Extents[2]
}

func (it *BlockIterator) RequestMetadata() Event { return it.Metadata }

func (it *BlockIterator) Done() bool {
	return it.pos >= it.totalBytes()
}

func (it *BlockIterator) Step(maxBytes uint64, flags StepFlags, tentative bool) (uint64, AddressInfo) {
	if it.tentative {
		panic("xfer: block iterator stepped with tentative step outstanding")
	}
	if maxBytes == 0 || it.Done() {
		return 0, AddressInfo{}
	}

	e0 := it.Extents[0]
	byteInLine := it.pos % e0
	line := (it.pos / e0) % it.Extents[1]
	plane := it.pos / (e0 * it.Extents[1])

	info := AddressInfo{
		BaseOffset: it.Base + byteInLine + line*it.LineStride + plane*it.PlaneStride,
		NumLines:   1,
		NumPlanes:  1,
	}

	contig := e0 - byteInLine
	bytes := contig
	if maxBytes < bytes {
		bytes = maxBytes
	}
	info.BytesPerChunk = bytes

	if byteInLine == 0 && flags&StepLinesOK != 0 && maxBytes >= e0 && it.Extents[1] > 1 {
		lines := maxBytes / e0
		if avail := it.Extents[1] - line; lines > avail {
			lines = avail
		}
		if lines > 1 {
			info.NumLines = lines
			info.LineStride = it.LineStride
			bytes = e0 * lines

			if line == 0 && flags&StepPlanesOK != 0 && lines == it.Extents[1] &&
				maxBytes >= e0*it.Extents[1] && it.Extents[2] > 1 {
				planes := maxBytes / (e0 * it.Extents[1])
				if avail := it.Extents[2] - plane; planes > avail {
					planes = avail
				}
				if planes > 1 {
					info.NumPlanes = planes
					info.PlaneStride = it.PlaneStride
					bytes = e0 * it.Extents[1] * planes
				}
			}
		}
	}

	it.savedPos = it.pos
	it.pos += bytes
	it.tentative = tentative
	return bytes, info
}

func (it *BlockIterator) ConfirmStep() {
	if !it.tentative {
		panic("xfer: confirm without tentative step")
	}
	it.tentative = false
}

func (it *BlockIterator) CancelStep() {
	if !it.tentative {
		panic("xfer: cancel without tentative step")
	}
	it.pos = it.savedPos
	it.tentative = false
}

func (it *BlockIterator) GetAddresses(al *AddressList) bool {
	for !it.Done() {
		e0 := it.Extents[0]
		byteInLine := it.pos % e0
		line := (it.pos / e0) % it.Extents[1]
		plane := it.pos / (e0 * it.Extents[1])

		// produce the largest regular rectangle from the current position
		dim := 1
		count0 := e0 - byteInLine
		lines := uint64(1)
		planes := uint64(1)
		if byteInLine == 0 && it.Extents[1] > 1 {
			dim = 2
			lines = it.Extents[1] - line
			if line == 0 && it.Extents[2] > 1 && lines == it.Extents[1] {
				dim = 3
				planes = it.Extents[2] - plane
			}
		}
		if dim == 2 && lines == 1 {
			dim = 1
		}
		if dim == 3 && planes == 1 {
			dim = 2
		}

		slot := al.BeginNDEntry(dim)
		if slot == nil {
			return false
		}
		offset := it.Base + byteInLine + line*it.LineStride + plane*it.PlaneStride
		slot[0] = count0<<4 | uint64(dim)
		slot[1] = offset
		bytes := count0
		if dim >= 2 {
			slot[2] = lines
			slot[3] = it.LineStride
			bytes *= lines
		}
		if dim >= 3 {
			slot[4] = planes
			slot[5] = it.PlaneStride
			bytes *= planes
		}
		al.CommitNDEntry(dim, bytes)
		it.pos += bytes
	}
	return false
}

func (it *BlockIterator) SetIndirectInputPort(xd *XferDes, portIdx int, addrIter TransferIterator) {
	panic("xfer: block iterator does not support indirection")
}

// WrappingFIFOIterator produces addresses for an intermediate buffer port: a
// ring of ibSize bytes at ibOffset within the port's memory, addressed by an
// unbounded stream position taken modulo the ring size. It is never done;
// end-of-stream is detected through byte totals.
type WrappingFIFOIterator struct {
	ibOffset uint64
	ibSize   uint64

	pos       uint64
	savedPos  uint64
	tentative bool
}

// NewWrappingFIFOIterator returns an iterator for the IB window
// [ibOffset, ibOffset+ibSize).
func NewWrappingFIFOIterator(ibOffset, ibSize uint64) *WrappingFIFOIterator {
	return &WrappingFIFOIterator{ibOffset: ibOffset, ibSize: ibSize}
}

func (it *WrappingFIFOIterator) RequestMetadata() Event { return nil }

func (it *WrappingFIFOIterator) Done() bool { return false }

func (it *WrappingFIFOIterator) Step(maxBytes uint64, flags StepFlags, tentative bool) (uint64, AddressInfo) {
	if it.tentative {
		panic("xfer: fifo iterator stepped with tentative step outstanding")
	}
	if maxBytes == 0 {
		return 0, AddressInfo{}
	}
	wrapped := it.pos % it.ibSize
	bytes := it.ibSize - wrapped
	if maxBytes < bytes {
		bytes = maxBytes
	}
	info := AddressInfo{
		BaseOffset:    it.ibOffset + wrapped,
		BytesPerChunk: bytes,
		NumLines:      1,
		NumPlanes:     1,
	}
	it.savedPos = it.pos
	it.pos += bytes
	it.tentative = tentative
	return bytes, info
}

func (it *WrappingFIFOIterator) ConfirmStep() {
	if !it.tentative {
		panic("xfer: confirm without tentative step")
	}
	it.tentative = false
}

func (it *WrappingFIFOIterator) CancelStep() {
	if !it.tentative {
		panic("xfer: cancel without tentative step")
	}
	it.pos = it.savedPos
	it.tentative = false
}

// GetAddresses lists one window's worth of ring addresses per call; flow
// control against the peer bounds how much of it is actually used.
func (it *WrappingFIFOIterator) GetAddresses(al *AddressList) bool {
	remaining := it.ibSize
	for remaining > 0 {
		slot := al.BeginNDEntry(1)
		if slot == nil {
			return false
		}
		wrapped := it.pos % it.ibSize
		bytes := it.ibSize - wrapped
		if bytes > remaining {
			bytes = remaining
		}
		slot[0] = bytes<<4 | 1
		slot[1] = it.ibOffset + wrapped
		al.CommitNDEntry(1, bytes)
		it.pos += bytes
		remaining -= bytes
	}
	return false
}

func (it *WrappingFIFOIterator) SetIndirectInputPort(xd *XferDes, portIdx int, addrIter TransferIterator) {
	panic("xfer: fifo iterator does not support indirection")
}

// Position returns the absolute stream position, used when the serdez
// execution path steps the ring directly.
func (it *WrappingFIFOIterator) Position() uint64 { return it.pos }

// AdvanceTo moves the absolute stream position forward, keeping the iterator
// consistent with bytes produced or consumed outside Step.
func (it *WrappingFIFOIterator) AdvanceTo(pos uint64) {
	if it.tentative {
		panic("xfer: fifo iterator advanced with tentative step outstanding")
	}
	if pos < it.pos {
		panic("xfer: fifo iterator moved backwards")
	}
	it.pos = pos
}
