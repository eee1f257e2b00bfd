package xfer

// fifoRing gives the serdez execution path wrap-aware access to an
// intermediate buffer window, addressed by absolute stream position modulo
// the ring size.
type fifoRing struct {
	mem  []byte
	size uint64
	pos  uint64
	used uint64
}

func newFIFORing(mem Memory, ibOffset, ibSize, pos uint64) fifoRing {
	view := mem.DirectPtr(ibOffset, ibSize)
	if view == nil {
		panic("xfer: intermediate buffer not directly addressable")
	}
	return fifoRing{mem: view[:ibSize], size: ibSize, pos: pos}
}

func (r *fifoRing) contig() uint64 {
	return r.size - r.pos%r.size
}

// window returns the contiguous view of the next n bytes; n must not exceed
// contig().
func (r *fifoRing) window(n uint64) []byte {
	o := r.pos % r.size
	return r.mem[o : o+n]
}

func (r *fifoRing) advance(n uint64) {
	r.pos += n
	r.used += n
}

// copyIn writes src at the current position, splitting at the wrap.
func (r *fifoRing) copyIn(src []byte) {
	for len(src) > 0 {
		n := uint64(len(src))
		if c := r.contig(); n > c {
			n = c
		}
		copy(r.window(n), src[:n])
		src = src[n:]
		r.advance(n)
	}
}

// peek copies len(dst) bytes from the current position without consuming
// them, splitting at the wrap.
func (r *fifoRing) peek(dst []byte) {
	pos := r.pos
	for len(dst) > 0 {
		o := pos % r.size
		n := uint64(len(dst))
		if c := r.size - o; n > c {
			n = c
		}
		copy(dst[:n], r.mem[o:o+n])
		dst = dst[n:]
		pos += n
	}
}

// submit executes memcpy requests in-thread: plain rectangle copies, or
// element-wise serialization into / deserialization out of an intermediate
// buffer ring. Completion is reported synchronously.
func (c *MemcpyChannel) submit(reqs []*Request) {
	for _, req := range reqs {
		xd := req.XD
		inPort := &xd.InputPorts[req.SrcPortIdx]
		outPort := &xd.OutputPorts[req.DstPortIdx]

		switch {
		case inPort.Serdez != nil && outPort.Serdez != nil:
			panic("xfer: simultaneous serialize and deserialize")
		case inPort.Serdez != nil:
			c.submitSerialize(req, inPort, outPort)
		case outPort.Serdez != nil:
			c.submitDeserialize(req, inPort, outPort)
		default:
			c.submitCopy(req, inPort, outPort)
		}

		xd.NotifyRequestReadDone(req)
		xd.NotifyRequestWriteDone(req)
	}
}

func (c *MemcpyChannel) submitCopy(req *Request, inPort, outPort *XferPort) {
	if req.NBytes == 0 {
		return
	}
	src := inPort.Mem.DirectPtr(req.SrcOff, req.NBytes)
	dst := outPort.Mem.DirectPtr(req.DstOff, req.NBytes)
	if src == nil || dst == nil {
		panic("xfer: memcpy request on non-addressable memory")
	}
	switch req.Dim {
	case Dim1D:
		memcpy1D(dst, src, req.NBytes)
	case Dim2D:
		memcpy2D(dst, req.DstStr, src, req.SrcStr, req.NBytes, req.NLines)
	case Dim3D:
		memcpy3D(dst, req.DstStr, req.DstPStr, src, req.SrcStr, req.SrcPStr,
			req.NBytes, req.NLines, req.NPlanes)
	}
}

// submitSerialize packs elements from a strided source rectangle into the
// destination ring. The bytes produced are only known afterwards, so the
// request's write span is assigned here and the worst-case reservation made
// at address-generation time is refunded.
func (c *MemcpyChannel) submitSerialize(req *Request, inPort, outPort *XferPort) {
	op := inPort.Serdez
	req.WriteSeqPos = outPort.LocalBytesTotal

	ring := newFIFORing(outPort.Mem, outPort.IBOffset, outPort.IBSize, outPort.LocalBytesTotal)
	scratch := make([]byte, op.MaxSerializedSize)

	var rewindDst uint64
	srcBase := inPort.Mem.DirectPtr(req.SrcOff, req.NBytes)
	if srcBase == nil {
		panic("xfer: serialize source not directly addressable")
	}

	numElems := req.NBytes / op.FieldSize
	var planeOfs uint64
	for j := uint64(0); j < req.NPlanes; j++ {
		lineOfs := planeOfs
		for i := uint64(0); i < req.NLines; i++ {
			src := srcBase[lineOfs:]
			before := ring.used
			for e := uint64(0); e < numElems; e++ {
				elem := src[e*op.FieldSize:]
				if ring.contig() >= op.MaxSerializedSize {
					n := op.SerializeOne(elem, ring.window(op.MaxSerializedSize))
					ring.advance(n)
				} else {
					n := op.SerializeOne(elem, scratch)
					ring.copyIn(scratch[:n])
				}
			}
			lineUsed := ring.used - before
			maxBytes := numElems * op.MaxSerializedSize
			if lineUsed > maxBytes {
				panic("xfer: serializer exceeded its declared maximum")
			}
			rewindDst += maxBytes - lineUsed
			lineOfs += req.SrcStr
		}
		planeOfs += req.SrcPStr
	}

	outPort.LocalBytesTotal += ring.used
	if fifo, ok := outPort.Iter.(*WrappingFIFOIterator); ok {
		fifo.AdvanceTo(outPort.LocalBytesTotal)
	}
	req.WriteSeqCount = outPort.LocalBytesTotal - req.WriteSeqPos
	if rewindDst > 0 {
		outPort.consRefund(rewindDst)
	}
}

// submitDeserialize unpacks elements from the source ring into a strided
// destination rectangle; the read span is assigned here and the worst-case
// read reservation refunded.
func (c *MemcpyChannel) submitDeserialize(req *Request, inPort, outPort *XferPort) {
	op := outPort.Serdez
	req.ReadSeqPos = inPort.LocalBytesTotal

	ring := newFIFORing(inPort.Mem, inPort.IBOffset, inPort.IBSize, inPort.LocalBytesTotal)
	scratch := make([]byte, op.MaxSerializedSize)

	var rewindSrc uint64
	dstBase := outPort.Mem.DirectPtr(req.DstOff, req.NBytes)
	if dstBase == nil {
		panic("xfer: deserialize destination not directly addressable")
	}

	numElems := req.NBytes / op.FieldSize
	var planeOfs uint64
	for j := uint64(0); j < req.NPlanes; j++ {
		lineOfs := planeOfs
		for i := uint64(0); i < req.NLines; i++ {
			dst := dstBase[lineOfs:]
			before := ring.used
			for e := uint64(0); e < numElems; e++ {
				elem := dst[e*op.FieldSize:]
				if ring.contig() >= op.MaxSerializedSize {
					n := op.DeserializeOne(elem, ring.window(op.MaxSerializedSize))
					ring.advance(n)
				} else {
					// the element may straddle the wrap; flow control
					// guarantees the serialized bytes are present
					ring.peek(scratch)
					n := op.DeserializeOne(elem, scratch)
					ring.advance(n)
				}
			}
			lineUsed := ring.used - before
			maxBytes := numElems * op.MaxSerializedSize
			if lineUsed > maxBytes {
				panic("xfer: deserializer exceeded its declared maximum")
			}
			rewindSrc += maxBytes - lineUsed
			lineOfs += req.DstStr
		}
		planeOfs += req.DstPStr
	}

	inPort.LocalBytesTotal += ring.used
	if fifo, ok := inPort.Iter.(*WrappingFIFOIterator); ok {
		fifo.AdvanceTo(inPort.LocalBytesTotal)
	}
	req.ReadSeqCount = inPort.LocalBytesTotal - req.ReadSeqPos
	if rewindSrc > 0 {
		inPort.consRefund(rewindSrc)
	}
}
