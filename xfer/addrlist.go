package xfer

// MaxAddrDim is the highest dimensionality an address list entry can carry.
const MaxAddrDim = 3

// addrListEntries is the fixed capacity of the ring, in words.
const addrListEntries = 256

// AddressList is a single-producer single-consumer ring of N-D address
// rectangles. Each entry occupies 2*dim words:
//
//	word 0   : (bytes_per_chunk << 4) | dim
//	word 1   : base offset
//	word 2*i : dimension-i count   (i >= 1)
//	word 2*i+1 : dimension-i stride
//
// A zero word where an entry would start is a wrap sentinel: the reader skips
// to the front of the ring. Only the producer moves writePointer, only the
// cursor moves readPointer, and totalBytes is the authoritative count of
// bytes still enqueued.
type AddressList struct {
	data         [addrListEntries]uint64
	totalBytes   uint64
	writePointer int
	readPointer  int
}

// BeginNDEntry reserves space for an entry of up to maxDim dimensions and
// returns the slot, or nil if the ring is full. When the reservation would
// run off the end of the ring, the tail is zero-filled and the entry starts
// at the front.
func (al *AddressList) BeginNDEntry(maxDim int) []uint64 {
	needed := maxDim * 2

	newWP := al.writePointer + needed
	if newWP > addrListEntries {
		// have to wrap around
		if al.readPointer <= needed {
			return nil
		}
		for al.writePointer < addrListEntries {
			al.data[al.writePointer] = 0
			al.writePointer++
		}
		al.writePointer = 0
	} else {
		// the write pointer must not cross over the read pointer
		if al.writePointer < al.readPointer && newWP >= al.readPointer {
			return nil
		}
		if newWP == addrListEntries && al.readPointer == 0 {
			return nil
		}
	}

	return al.data[al.writePointer : al.writePointer+needed]
}

// CommitNDEntry publishes a previously reserved entry with the actual
// dimension count and byte total.
func (al *AddressList) CommitNDEntry(actDim int, bytes uint64) {
	al.writePointer += actDim * 2
	if al.writePointer >= addrListEntries {
		if al.writePointer != addrListEntries {
			panic("xfer: address list commit overran ring")
		}
		al.writePointer = 0
	}
	al.totalBytes += bytes
}

// BytesPending returns the bytes enqueued but not yet consumed.
func (al *AddressList) BytesPending() uint64 {
	return al.totalBytes
}

func (al *AddressList) readEntry() []uint64 {
	if al.totalBytes == 0 {
		panic("xfer: address list read with no bytes pending")
	}
	if al.readPointer >= addrListEntries {
		if al.readPointer != addrListEntries {
			panic("xfer: address list read pointer overran ring")
		}
		al.readPointer = 0
	}
	// skip a trailing-zero wrap sentinel
	if al.data[al.readPointer] == 0 {
		al.readPointer = 0
	}
	return al.data[al.readPointer:]
}

// AddressListCursor walks one address list entry at a time with
// partial-consumption bookkeeping across up to MaxAddrDim axes.
type AddressListCursor struct {
	addrlist   *AddressList
	partial    bool
	partialDim int
	pos        [MaxAddrDim]uint64
}

// SetAddrList binds the cursor to its list.
func (c *AddressListCursor) SetAddrList(al *AddressList) {
	c.addrlist = al
}

// Dim returns the dimensionality of the remaining portion of the current
// entry. Partial progress restricts it to the unconsumed dimensions.
func (c *AddressListCursor) Dim() int {
	if c.partial {
		return c.partialDim + 1
	}
	entry := c.addrlist.readEntry()
	return int(entry[0] & 15)
}

// Offset returns the byte offset of the next unconsumed element.
func (c *AddressListCursor) Offset() uint64 {
	entry := c.addrlist.readEntry()
	actDim := int(entry[0] & 15)
	ofs := entry[1]
	if c.partial {
		for i := c.partialDim; i < actDim; i++ {
			if i == 0 {
				// dim 0 is counted in bytes
				ofs += c.pos[0]
			} else {
				ofs += c.pos[i] * entry[1+2*i]
			}
		}
	}
	return ofs
}

// Stride returns the byte stride of the given dimension (1 <= dim < Dim).
func (c *AddressListCursor) Stride(dim int) uint64 {
	entry := c.addrlist.readEntry()
	actDim := int(entry[0] & 15)
	if dim <= 0 || dim >= actDim {
		panic("xfer: address cursor stride dimension out of range")
	}
	return entry[2*dim+1]
}

// Remaining returns the unconsumed count along the given dimension.
func (c *AddressListCursor) Remaining(dim int) uint64 {
	entry := c.addrlist.readEntry()
	actDim := int(entry[0] & 15)
	if dim >= actDim {
		panic("xfer: address cursor dimension out of range")
	}
	r := entry[2*dim]
	if dim == 0 {
		r >>= 4
	}
	if c.partial {
		if dim > c.partialDim {
			r = 1
		}
		if dim == c.partialDim {
			if r <= c.pos[dim] {
				panic("xfer: address cursor position past extent")
			}
			r -= c.pos[dim]
		}
	}
	return r
}

// Advance consumes amount units along the given dimension. Consuming the
// whole outermost dimension releases the entry's slots back to the ring.
func (c *AddressListCursor) Advance(dim int, amount uint64) {
	entry := c.addrlist.readEntry()
	actDim := int(entry[0] & 15)
	if dim >= actDim {
		panic("xfer: address cursor dimension out of range")
	}
	r := entry[2*dim]
	if dim == 0 {
		r >>= 4
	}

	bytes := amount
	if dim > 0 {
		bytes *= entry[0] >> 4
		for i := 1; i < dim; i++ {
			bytes *= entry[2*i]
		}
	}
	if c.addrlist.totalBytes < bytes {
		panic("xfer: address cursor advanced past pending bytes")
	}
	c.addrlist.totalBytes -= bytes

	if !c.partial {
		if dim == actDim-1 && amount == r {
			// simple case - consumed the whole entry
			c.addrlist.readPointer += 2 * actDim
			return
		}
		c.partial = true
		c.partialDim = dim
		c.pos[c.partialDim] = amount
	} else {
		if dim > c.partialDim {
			panic("xfer: address cursor partial dimension regressed")
		}
		c.partialDim = dim
		c.pos[c.partialDim] += amount
	}

	for c.pos[c.partialDim] == r {
		c.pos[c.partialDim] = 0
		c.partialDim++
		if c.partialDim == actDim {
			c.partial = false
			c.addrlist.readPointer += 2 * actDim
			break
		}
		c.pos[c.partialDim]++ // carry into the next dimension
		r = entry[2*c.partialDim]
	}
}

// SkipBytes consumes bytes without looking at their addresses, used when a
// control stream directs data to a nonexistent port.
func (c *AddressListCursor) SkipBytes(bytes uint64) {
	for bytes > 0 {
		actDim := c.Dim()
		if actDim == 0 {
			panic("xfer: skip through zero-dimension entry")
		}
		chunk := c.Remaining(0)
		if chunk > bytes {
			c.Advance(0, bytes)
			return
		}
		dim := 0
		count := chunk
		for dim+1 < actDim {
			dim++
			count = bytes / chunk
			if count == 0 {
				panic("xfer: skip count underflow")
			}
			r := c.Remaining(dim)
			if count < r {
				chunk *= count
				break
			}
			count = r
			chunk *= count
		}
		c.Advance(dim, count)
		bytes -= chunk
	}
}
