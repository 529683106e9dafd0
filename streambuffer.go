package mcap

// This file is the Stream buffer (C3): a growable byte reassembly buffer for
// callers that feed a stream reader data in arbitrary-sized, possibly tiny,
// increments (a socket, a pipe, a fuzzer). There is no direct teacher
// equivalent — the teacher's Lexer always reads synchronously from a
// blocking io.Reader via io.ReadFull and never needs incremental
// reassembly — so this is authored fresh, modeled on the geometric growth and
// compaction idioms `bytes.Buffer` itself uses, in the teacher's terse,
// comment-light style.
type streamBuffer struct {
	buf   []byte
	start int
}

// compactThreshold bounds how much consumed-but-unreclaimed space a buffer
// carries before a compaction is forced, so Append on a long-lived buffer
// doesn't grow without bound even if the caller consumes promptly.
const compactThreshold = 64 * 1024

func newStreamBuffer() *streamBuffer {
	return &streamBuffer{buf: make([]byte, 0, 4096)}
}

// Append copies p onto the end of the unconsumed region, growing and
// compacting the backing array as needed.
func (b *streamBuffer) Append(p []byte) {
	if b.start > 0 && (b.start >= len(b.buf)/2 || b.start >= compactThreshold) {
		b.compact()
	}
	need := len(b.buf) + len(p)
	if need > cap(b.buf) {
		newcap := cap(b.buf)
		if newcap == 0 {
			newcap = 4096
		}
		for newcap < need {
			newcap += newcap / 2
		}
		grown := make([]byte, len(b.buf), newcap)
		copy(grown, b.buf)
		b.buf = grown
	}
	b.buf = append(b.buf, p...)
}

// compact discards the consumed prefix, sliding unconsumed bytes to the
// front of the backing array.
func (b *streamBuffer) compact() {
	if b.start == 0 {
		return
	}
	n := copy(b.buf, b.buf[b.start:])
	b.buf = b.buf[:n]
	b.start = 0
}

// Window returns the unconsumed bytes. The slice is only valid until the
// next Append or Consume call.
func (b *streamBuffer) Window() []byte {
	return b.buf[b.start:]
}

// Avail reports how many unconsumed bytes are buffered.
func (b *streamBuffer) Avail() int {
	return len(b.buf) - b.start
}

// Consume marks the first n bytes of the window as read.
func (b *streamBuffer) Consume(n int) {
	b.start += n
	if b.start > len(b.buf) {
		b.start = len(b.buf)
	}
}
