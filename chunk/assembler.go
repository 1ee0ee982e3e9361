package chunk

// Assembler accumulates the chunks of one in-flight inbound message. A
// message is complete once the number of distinct indices collected matches
// the total count every chunk carries in its trailing byte.
//
// Assembler is not safe for concurrent use; the transport adapter keeps one
// per peer, touched only by that peer's task.
type Assembler struct {
	chunks map[byte][]byte
	total  int
}

// Add records one received chunk. It returns the fully reassembled message
// once the batch is complete (resetting the assembler for the next one),
// or (nil, false, nil) while chunks are still outstanding.
func (a *Assembler) Add(c []byte) (msg []byte, complete bool, err error) {
	if len(c) < 2 {
		return nil, false, ErrShortChunk
	}
	if a.chunks == nil {
		a.chunks = make(map[byte][]byte)
	}
	idx := c[0]
	a.total = int(c[len(c)-1])
	a.chunks[idx] = c

	if a.total == 0 || len(a.chunks) < a.total {
		return nil, false, nil
	}

	all := make([][]byte, 0, len(a.chunks))
	for _, stored := range a.chunks {
		all = append(all, stored)
	}
	a.Reset()
	msg, err = Join(all)
	if err != nil {
		return nil, false, err
	}
	return msg, true, nil
}

// Pending reports how many chunks have been collected for the in-flight
// message.
func (a *Assembler) Pending() int {
	return len(a.chunks)
}

// Reset discards any partially assembled message, e.g. on disconnect.
func (a *Assembler) Reset() {
	a.chunks = nil
	a.total = 0
}
