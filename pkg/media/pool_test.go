package media

import (
	"testing"

	"cng-server/pkg/cng"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFramePool(t *testing.T) {
	p := NewFramePool()

	frame, err := p.AcquireFrame(cng.FrameSize)
	require.NoError(t, err)
	assert.Len(t, frame, cng.FrameSize)
	p.Release(frame)

	big, err := p.AcquireFrame(2 * cng.FrameSize)
	require.NoError(t, err)
	assert.Len(t, big, 2*cng.FrameSize)
	p.Release(big)

	p.Release(nil)
}

func TestFramePoolServesDecoder(t *testing.T) {
	p := NewFramePool()
	dec, err := cng.NewDecoder(cng.Config{Frames: p}, quietLogger())
	require.NoError(t, err)
	defer dec.Close()

	for i := 0; i < 4; i++ {
		frame, err := dec.Decode(sidLevel40)
		require.NoError(t, err)
		assert.Len(t, frame, cng.FrameSize)
		p.Release(frame)
	}
}

func TestGetPacketBuffer(t *testing.T) {
	buf, release := GetPacketBuffer(MaxPacketSize)
	assert.Len(t, buf, MaxPacketSize)
	release(buf)

	large, release := GetPacketBuffer(4 * MaxPacketSize)
	assert.Len(t, large, 4*MaxPacketSize)
	release(large)
}
