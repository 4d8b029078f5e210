// Package storage implements the bundle storage manager: a segmented
// memory-mapped store indexed by (destination, priority, expiration)
// with FIFO-per-expiration release ordering, built in a low-allocation,
// mmap-friendly style on golang.org/x/sys/unix for the
// Mmap/Munmap/Msync calls.
package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// DefaultSegmentSize is the fixed per-segment chunk size, e.g. 4 KiB.
const DefaultSegmentSize = 4096

const (
	segmentTrailerSize = 4 // next-segment-id, little-endian uint32
	segmentHeaderSize  = 8 // head segment only: total payload length, uint64
	noNextSegment      = 0xffffffff
)

var (
	ErrStoreFull   = errors.New("storage: no free segments available")
	ErrCorruptRead = errors.New("storage: segment chain read out of bounds")
)

// segmentFile owns the mmap'd backing file and the free-segment list:
// free segments are tracked in a simple free-list. Not safe for
// concurrent use on its own; Manager guards it with a mutex.
type segmentFile struct {
	f           *os.File
	mem         []byte
	segmentSize int
	numSegments int
	free        []uint32 // stack of free segment indices
}

// openSegmentFile creates (or truncates) path to hold numSegments
// segments of segmentSize bytes each and memory-maps it read/write.
func openSegmentFile(path string, segmentSize, numSegments int) (*segmentFile, error) {
	if segmentSize <= segmentHeaderSize+segmentTrailerSize {
		return nil, fmt.Errorf("storage: segment size %d too small", segmentSize)
	}
	size := int64(segmentSize) * int64(numSegments)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, err
	}
	mem, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, err
	}
	sf := &segmentFile{f: f, mem: mem, segmentSize: segmentSize, numSegments: numSegments}
	sf.free = make([]uint32, numSegments)
	for i := range sf.free {
		// Populate free list back-to-front so index 0 is allocated first,
		// matching the on-disk layout a human inspecting the file expects.
		sf.free[i] = uint32(numSegments - 1 - i)
	}
	return sf, nil
}

// close flushes and unmaps the backing file.
func (sf *segmentFile) close() error {
	if err := unix.Msync(sf.mem, unix.MS_SYNC); err != nil {
		return err
	}
	if err := unix.Munmap(sf.mem); err != nil {
		return err
	}
	return sf.f.Close()
}

func (sf *segmentFile) segmentBytes(id uint32) []byte {
	off := int(id) * sf.segmentSize
	return sf.mem[off : off+sf.segmentSize]
}

func (sf *segmentFile) alloc() (uint32, error) {
	if len(sf.free) == 0 {
		return 0, ErrStoreFull
	}
	id := sf.free[len(sf.free)-1]
	sf.free = sf.free[:len(sf.free)-1]
	return id, nil
}

func (sf *segmentFile) release(id uint32) {
	sf.free = append(sf.free, id)
}

func (sf *segmentFile) freeCount() int { return len(sf.free) }

// writeChain splits data across as many segments as needed, chained by
// a trailing next-segment-id in every segment, and returns the head
// segment's physical id. The head segment additionally carries an
// 8-byte total-length prefix so readChain knows where payload bytes
// end within the final segment's partially-filled body.
func (sf *segmentFile) writeChain(data []byte) (uint32, error) {
	headPayloadCap := sf.segmentSize - segmentHeaderSize - segmentTrailerSize
	contPayloadCap := sf.segmentSize - segmentTrailerSize

	needed := 1
	if len(data) > headPayloadCap {
		needed += (len(data) - headPayloadCap + contPayloadCap - 1) / contPayloadCap
	}
	if sf.freeCount() < needed {
		return 0, ErrStoreFull
	}

	ids := make([]uint32, needed)
	for i := range ids {
		id, err := sf.alloc()
		if err != nil {
			// Unreachable given the freeCount check above, but undo any
			// partial allocation defensively.
			for _, a := range ids[:i] {
				sf.release(a)
			}
			return 0, err
		}
		ids[i] = id
	}

	remaining := data
	for i, id := range ids {
		buf := sf.segmentBytes(id)
		var payloadCap int
		body := buf
		if i == 0 {
			binary.LittleEndian.PutUint64(buf[:segmentHeaderSize], uint64(len(data)))
			body = buf[segmentHeaderSize:]
			payloadCap = headPayloadCap
		} else {
			payloadCap = contPayloadCap
		}
		n := len(remaining)
		if n > payloadCap {
			n = payloadCap
		}
		copy(body, remaining[:n])
		remaining = remaining[n:]

		next := uint32(noNextSegment)
		if i != len(ids)-1 {
			next = ids[i+1]
		}
		binary.LittleEndian.PutUint32(buf[sf.segmentSize-segmentTrailerSize:], next)
	}
	return ids[0], nil
}

// readChain reconstructs the payload bytes of the chain starting at
// head, returning a fresh copy (not a slice into the mmap region, so
// the caller may freely retain it after the segments are released).
func (sf *segmentFile) readChain(head uint32) ([]byte, error) {
	if int(head) >= sf.numSegments {
		return nil, ErrCorruptRead
	}
	first := sf.segmentBytes(head)
	total := binary.LittleEndian.Uint64(first[:segmentHeaderSize])
	out := make([]byte, 0, total)

	id := head
	isHead := true
	for {
		buf := sf.segmentBytes(id)
		var body []byte
		if isHead {
			body = buf[segmentHeaderSize : sf.segmentSize-segmentTrailerSize]
			isHead = false
		} else {
			body = buf[:sf.segmentSize-segmentTrailerSize]
		}
		remaining := int(total) - len(out)
		if remaining < len(body) {
			body = body[:remaining]
		}
		out = append(out, body...)
		if len(out) >= int(total) {
			break
		}
		next := binary.LittleEndian.Uint32(buf[sf.segmentSize-segmentTrailerSize:])
		if next == noNextSegment {
			return nil, ErrCorruptRead
		}
		if int(next) >= sf.numSegments {
			return nil, ErrCorruptRead
		}
		id = next
	}
	return out, nil
}

// releaseChain walks the chain starting at head and returns every
// segment in it to the free list.
func (sf *segmentFile) releaseChain(head uint32) {
	id := head
	for {
		buf := sf.segmentBytes(id)
		next := binary.LittleEndian.Uint32(buf[sf.segmentSize-segmentTrailerSize:])
		sf.release(id)
		if next == noNextSegment {
			return
		}
		id = next
	}
}
