package media

import (
	"sync"

	"cng-server/pkg/cng"
)

// MaxPacketSize is the UDP read buffer size; larger datagrams are truncated.
const MaxPacketSize = 1500

// FramePool recycles decoded frames between sessions. It satisfies
// cng.FrameAllocator; frames handed out must be returned with Release once
// the sink has consumed them.
type FramePool struct {
	pool sync.Pool
}

var _ cng.FrameAllocator = (*FramePool)(nil)

// NewFramePool creates a pool of cng.FrameSize sample frames.
func NewFramePool() *FramePool {
	return &FramePool{
		pool: sync.Pool{
			New: func() interface{} {
				buf := make([]int16, cng.FrameSize)
				return &buf
			},
		},
	}
}

// AcquireFrame returns a frame of n samples. Contents are unspecified.
func (p *FramePool) AcquireFrame(n int) ([]int16, error) {
	buf := p.pool.Get().(*[]int16)
	if cap(*buf) < n {
		*buf = make([]int16, n)
	}
	return (*buf)[:n], nil
}

// Release returns a frame obtained from AcquireFrame.
func (p *FramePool) Release(frame []int16) {
	if cap(frame) == 0 {
		return
	}
	frame = frame[:cap(frame)]
	p.pool.Put(&frame)
}

var packetPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, MaxPacketSize)
		return &buf
	},
}

// GetPacketBuffer returns a byte slice of at least size bytes and the
// function that gives it back.
func GetPacketBuffer(size int) ([]byte, func([]byte)) {
	buf := packetPool.Get().(*[]byte)
	if cap(*buf) < size {
		*buf = make([]byte, size)
	}
	return (*buf)[:size], func(b []byte) {
		b = b[:cap(b)]
		packetPool.Put(&b)
	}
}
