package media

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"cng-server/pkg/cng"

	"github.com/google/uuid"
	"github.com/pion/rtcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sinkRecorder struct {
	mu    sync.Mutex
	sinks map[uint32]*memorySink
}

func (r *sinkRecorder) factory(_ uuid.UUID, ssrc uint32) (PCMSink, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sinks == nil {
		r.sinks = make(map[uint32]*memorySink)
	}
	s := &memorySink{}
	r.sinks[ssrc] = s
	return s, nil
}

func (r *sinkRecorder) get(ssrc uint32) *memorySink {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sinks[ssrc]
}

func marshalPacket(t *testing.T, pt uint8, seq uint16, ssrc uint32, payload []byte) []byte {
	t.Helper()
	p := packet(pt, seq, payload)
	p.SSRC = ssrc
	raw, err := p.Marshal()
	require.NoError(t, err)
	return raw
}

func TestIsRTCPPacket(t *testing.T) {
	testCases := []struct {
		name string
		data []byte
		want bool
	}{
		{"too short", []byte{0x80}, false},
		{"PCMU", []byte{0x80, 0x00}, false},
		{"CN with marker", []byte{0x80, 0x80 | 13}, false},
		{"sender report", []byte{0x80, 200}, true},
		{"bye", []byte{0x81, 203}, true},
		{"dynamic RTP", []byte{0x80, 105}, false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, isRTCPPacket(tc.data))
		})
	}
}

func TestListenerDemultiplexesBySSRC(t *testing.T) {
	rec := &sinkRecorder{}
	l := NewListener(ListenerConfig{CNPayloadType: 13, FrameInterval: time.Hour}, rec.factory, quietLogger())
	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5004}
	ctx := context.Background()

	l.handleDatagram(ctx, marshalPacket(t, 13, 1, 1, sidLevel40), addr)
	l.handleDatagram(ctx, marshalPacket(t, 13, 1, 2, sidLevel40), addr)
	l.handleDatagram(ctx, marshalPacket(t, 13, 2, 1, nil), addr)
	l.handleDatagram(ctx, []byte{0x80}, addr)

	assert.Equal(t, 2, l.SessionCount())
	_, writes, _ := rec.get(1).snapshot()
	assert.Equal(t, 2, writes)
	_, writes, _ = rec.get(2).snapshot()
	assert.Equal(t, 1, writes)

	l.closeAll("test")
	assert.Zero(t, l.SessionCount())
	_, _, closed := rec.get(1).snapshot()
	assert.True(t, closed)
}

func TestListenerTickHoldsAndReaps(t *testing.T) {
	rec := &sinkRecorder{}
	l := NewListener(ListenerConfig{CNPayloadType: 13, IdleTimeout: time.Minute}, rec.factory, quietLogger())
	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5004}

	l.handleDatagram(context.Background(), marshalPacket(t, 13, 1, 7, sidLevel40), addr)
	l.tick() // consumes the SID interval
	l.tick() // hold frame
	l.tick() // hold frame

	sink := rec.get(7)
	samples, writes, _ := sink.snapshot()
	assert.Equal(t, 3, writes)
	assert.Len(t, samples, 3*cng.FrameSize)

	l.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	l.tick()
	assert.Zero(t, l.SessionCount())
	_, writes, closed := sink.snapshot()
	assert.True(t, closed)
	assert.Equal(t, 3, writes)
}

func TestListenerServeHandlesBye(t *testing.T) {
	rec := &sinkRecorder{}
	l := NewListener(ListenerConfig{CNPayloadType: 13, FrameInterval: 20 * time.Millisecond}, rec.factory, quietLogger())

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Serve(ctx, conn) }()

	client, err := net.DialUDP("udp", nil, conn.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	defer client.Close()

	const ssrc = 0xfeedbeef
	_, err = client.Write(marshalPacket(t, 13, 1, ssrc, sidLevel40))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		sink := rec.get(ssrc)
		if sink == nil {
			return false
		}
		_, writes, _ := sink.snapshot()
		return writes >= 2 // SID frame plus at least one hold frame
	}, 5*time.Second, 10*time.Millisecond)

	bye, err := rtcp.Marshal([]rtcp.Packet{&rtcp.Goodbye{Sources: []uint32{ssrc}}})
	require.NoError(t, err)
	_, err = client.Write(bye)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		_, _, closed := rec.get(ssrc).snapshot()
		return closed && l.SessionCount() == 0
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestWAVSinkFactory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "recordings")
	id := uuid.New()

	sink, err := WAVSinkFactory(dir)(id, 0xabc)
	require.NoError(t, err)
	require.NoError(t, sink.WritePCM(make([]int16, cng.FrameSize)))
	require.NoError(t, sink.Close())

	info, err := os.Stat(filepath.Join(dir, id.String()+"-00000abc.wav"))
	require.NoError(t, err)
	assert.Equal(t, int64(wavHeaderSize+2*cng.FrameSize), info.Size())
}
