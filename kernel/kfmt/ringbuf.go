package kfmt

import "io"

// ringBufferSize defines the size of the ring buffer that holds Printf output
// until a sink is attached. It is large enough for a couple of full fault
// reports (message plus register dump). The size must be a power of 2.
const ringBufferSize = 2048

// ringBuffer keeps the most recent ringBufferSize-1 bytes written to it.
// Older bytes are overwritten and accounted for in dropped.
type ringBuffer struct {
	buffer         [ringBufferSize]byte
	rIndex, wIndex int

	// dropped counts the bytes that were overwritten before being read.
	dropped uint64
}

// Write writes len(p) bytes from p to the ringBuffer. Write never fails; if
// the buffer is full the oldest unread bytes are discarded.
func (rb *ringBuffer) Write(p []byte) (int, error) {
	for _, b := range p {
		rb.buffer[rb.wIndex] = b
		rb.wIndex = (rb.wIndex + 1) & (ringBufferSize - 1)
		if rb.rIndex == rb.wIndex {
			rb.rIndex = (rb.rIndex + 1) & (ringBufferSize - 1)
			rb.dropped++
		}
	}

	return len(p), nil
}

// Len returns the number of unread bytes.
func (rb *ringBuffer) Len() int {
	return (rb.wIndex - rb.rIndex) & (ringBufferSize - 1)
}

// Read reads up to len(p) bytes into p. It returns the number of bytes read
// (0 <= n <= len(p)) or io.EOF if the buffer is empty.
func (rb *ringBuffer) Read(p []byte) (n int, err error) {
	if rb.rIndex == rb.wIndex {
		return 0, io.EOF
	}

	// Read up to the write index or the end of the backing array,
	// whichever comes first; a wrapped buffer needs two reads.
	end := rb.wIndex
	if rb.rIndex > rb.wIndex {
		end = len(rb.buffer)
	}

	n = copy(p, rb.buffer[rb.rIndex:end])
	rb.rIndex = (rb.rIndex + n) & (ringBufferSize - 1)
	return n, nil
}
