package media

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"cng-server/pkg/cng"
	"cng-server/pkg/metrics"
	"cng-server/pkg/telemetry/tracing"

	"github.com/google/uuid"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const readPollInterval = 100 * time.Millisecond

// ListenerConfig controls an RTP listener.
type ListenerConfig struct {
	CNPayloadType uint8
	StrictSID     bool
	// FrameInterval is the cadence at which sessions synthesize hold frames.
	FrameInterval time.Duration
	// IdleTimeout closes sessions that have not received a packet for this long.
	IdleTimeout time.Duration
}

// SinkFactory opens the PCM sink for a new session.
type SinkFactory func(sessionID uuid.UUID, ssrc uint32) (PCMSink, error)

// WAVSinkFactory records each session to <dir>/<session>-<ssrc>.wav.
func WAVSinkFactory(dir string) SinkFactory {
	return func(sessionID uuid.UUID, ssrc uint32) (PCMSink, error) {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("media: create recording dir: %w", err)
		}
		path := filepath.Join(dir, fmt.Sprintf("%s-%08x.wav", sessionID, ssrc))
		return CreateWAVFile(path, cng.SampleRate, cng.Channels)
	}
}

// Listener receives RTP on one UDP socket and demultiplexes the streams by
// SSRC into Sessions. RTCP multiplexed on the same port is recognized and a
// BYE ends the sessions it names.
type Listener struct {
	cnType        atomic.Uint32
	strict        atomic.Bool
	frameInterval time.Duration
	idleTimeout   time.Duration

	newSink SinkFactory
	frames  *FramePool
	logger  *logrus.Logger

	mu       sync.Mutex
	sessions map[uint32]*Session
	now      func() time.Time
}

// NewListener creates a listener. Sessions are recorded through newSink.
func NewListener(cfg ListenerConfig, newSink SinkFactory, logger *logrus.Logger) *Listener {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if cfg.FrameInterval <= 0 {
		cfg.FrameInterval = time.Second * cng.FrameSize / cng.SampleRate
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Second
	}
	l := &Listener{
		frameInterval: cfg.FrameInterval,
		idleTimeout:   cfg.IdleTimeout,
		newSink:       newSink,
		frames:        NewFramePool(),
		logger:        logger,
		sessions:      make(map[uint32]*Session),
		now:           time.Now,
	}
	l.cnType.Store(uint32(cfg.CNPayloadType))
	l.strict.Store(cfg.StrictSID)
	return l
}

// SetStrictSID changes SID validation for sessions created afterwards.
func (l *Listener) SetStrictSID(strict bool) {
	l.strict.Store(strict)
}

// SetCNPayloadType changes the comfort noise payload type for sessions
// created afterwards.
func (l *Listener) SetCNPayloadType(pt uint8) {
	l.cnType.Store(uint32(pt))
}

// SessionCount reports the number of tracked streams.
func (l *Listener) SessionCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sessions)
}

// ListenAndServe binds addr and serves until ctx is done.
func (l *Listener) ListenAndServe(ctx context.Context, addr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("media: resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("media: listen %s: %w", addr, err)
	}
	defer conn.Close()

	SetUDPSocketBuffers(conn, l.logger)
	return l.Serve(ctx, conn)
}

// Serve reads packets from conn until ctx is done or conn is closed. All
// sessions are closed before it returns.
func (l *Listener) Serve(ctx context.Context, conn *net.UDPConn) error {
	ctx, span := tracing.StartSpan(ctx, "rtp.listen", trace.WithAttributes(
		attribute.String("net.local_addr", conn.LocalAddr().String()),
	))
	defer span.End()

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.runTicker(ctx)
	}()
	defer func() {
		cancel()
		wg.Wait()
		l.closeAll("shutdown")
	}()

	l.logger.WithFields(logrus.Fields{
		"local_addr":      conn.LocalAddr().String(),
		"cn_payload_type": l.cnType.Load(),
		"frame_interval":  l.frameInterval.String(),
	}).Info("RTP listener started")

	for {
		if ctx.Err() != nil {
			l.logger.Info("RTP listener exiting via ctx.Done()")
			return nil
		}

		buffer, returnBuffer := GetPacketBuffer(MaxPacketSize)
		_ = conn.SetReadDeadline(time.Now().Add(readPollInterval))
		n, addr, err := conn.ReadFromUDP(buffer)
		if err != nil {
			returnBuffer(buffer)
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				l.logger.Info("RTP connection closed, exiting")
				return nil
			}
			l.logger.WithError(err).Warn("RTP read error")
			span.RecordError(err)
			span.SetStatus(codes.Error, "udp read failed")
			continue
		}
		if n > 0 {
			l.handleDatagram(ctx, buffer[:n], addr)
		}
		returnBuffer(buffer)
	}
}

func (l *Listener) handleDatagram(ctx context.Context, data []byte, addr *net.UDPAddr) {
	if isRTCPPacket(data) {
		if metrics.IsMetricsEnabled() {
			metrics.RecordPacket("rtcp")
		}
		l.handleRTCPPacket(data, addr)
		return
	}

	var pkt rtp.Packet
	if err := pkt.Unmarshal(data); err != nil {
		if metrics.IsMetricsEnabled() {
			metrics.RecordDecodeError("parse_error")
		}
		l.logger.WithError(err).WithField("remote_addr", addr.String()).Debug("Failed to unmarshal RTP packet")
		return
	}

	cnType := uint8(l.cnType.Load())
	if IsComfortNoise(pkt.PayloadType, cnType) {
		if metrics.IsMetricsEnabled() {
			metrics.RecordPacket("cn")
		}
	} else {
		if metrics.IsMetricsEnabled() {
			metrics.RecordPacket("voice")
		}
	}

	session, err := l.sessionFor(ctx, pkt.SSRC, cnType, addr)
	if err != nil {
		if metrics.IsMetricsEnabled() {
			metrics.RecordDecodeError("session_setup")
		}
		l.logger.WithError(err).WithFields(logrus.Fields{
			"ssrc":        pkt.SSRC,
			"remote_addr": addr.String(),
		}).Error("Failed to start comfort noise session")
		return
	}
	if err := session.HandlePacket(&pkt); err != nil {
		l.logger.WithError(err).WithFields(logrus.Fields{
			"session_id":   session.ID.String(),
			"ssrc":         pkt.SSRC,
			"payload_type": pkt.PayloadType,
			"sequence":     pkt.SequenceNumber,
		}).Debug("Dropped RTP packet")
	}
}

func (l *Listener) sessionFor(ctx context.Context, ssrc uint32, cnType uint8, addr *net.UDPAddr) (*Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := l.sessions[ssrc]; ok {
		return s, nil
	}

	id := uuid.New()
	sink, err := l.newSink(id, ssrc)
	if err != nil {
		return nil, err
	}
	s, err := NewSession(ctx, SessionConfig{
		ID:            id,
		SSRC:          ssrc,
		CNPayloadType: cnType,
		StrictSID:     l.strict.Load(),
	}, sink, l.frames, l.logger)
	if err != nil {
		sink.Close()
		return nil, err
	}
	l.sessions[ssrc] = s
	if metrics.IsMetricsEnabled() {
		metrics.SetActiveSessions(len(l.sessions))
	}

	l.logger.WithFields(logrus.Fields{
		"session_id":  id.String(),
		"ssrc":        ssrc,
		"remote_addr": addr.String(),
	}).Info("First RTP packet received for new stream")
	return s, nil
}

func (l *Listener) runTicker(ctx context.Context) {
	ticker := time.NewTicker(l.frameInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.tick()
		}
	}
}

// tick advances every session by one frame interval and reaps idle ones.
func (l *Listener) tick() {
	now := l.now()
	var active, idle []*Session

	l.mu.Lock()
	for ssrc, s := range l.sessions {
		if now.Sub(s.LastActivity()) > l.idleTimeout {
			idle = append(idle, s)
			delete(l.sessions, ssrc)
			continue
		}
		active = append(active, s)
	}
	count := len(l.sessions)
	l.mu.Unlock()

	for _, s := range active {
		if err := s.Tick(); err != nil {
			l.logger.WithError(err).WithField("session_id", s.ID.String()).Warn("Failed to synthesize hold frame")
		}
	}
	for _, s := range idle {
		l.logger.WithFields(logrus.Fields{
			"session_id":   s.ID.String(),
			"ssrc":         s.SSRC,
			"idle_timeout": l.idleTimeout.String(),
		}).Warn("RTP stream inactive, closing session")
		l.finish(s)
	}
	if len(idle) > 0 {
		if metrics.IsMetricsEnabled() {
			metrics.SetActiveSessions(count)
		}
	}
}

func (l *Listener) closeSession(ssrc uint32, reason string) {
	l.mu.Lock()
	s, ok := l.sessions[ssrc]
	if ok {
		delete(l.sessions, ssrc)
	}
	count := len(l.sessions)
	l.mu.Unlock()
	if !ok {
		return
	}
	if metrics.IsMetricsEnabled() {
		metrics.SetActiveSessions(count)
	}
	l.logger.WithFields(logrus.Fields{
		"session_id":    s.ID.String(),
		"ssrc":          ssrc,
		"reason":        reason,
		"silent":        s.Silent(),
		"decoder_state": s.DecoderState().String(),
	}).Info("Ending comfort noise session")
	l.finish(s)
}

func (l *Listener) closeAll(reason string) {
	l.mu.Lock()
	sessions := l.sessions
	l.sessions = make(map[uint32]*Session)
	l.mu.Unlock()

	for ssrc, s := range sessions {
		l.logger.WithFields(logrus.Fields{"ssrc": ssrc, "reason": reason}).Debug("Ending comfort noise session")
		l.finish(s)
	}
	if metrics.IsMetricsEnabled() {
		metrics.SetActiveSessions(0)
	}
}

func (l *Listener) finish(s *Session) {
	if err := s.Close(); err != nil {
		l.logger.WithError(err).WithField("session_id", s.ID.String()).Error("Failed to close session")
	}
}

// isRTCPPacket applies the rtcp-mux rule: RTCP packet types 192-223 occupy
// the second byte where RTP carries marker and payload type.
func isRTCPPacket(payload []byte) bool {
	if len(payload) < 2 {
		return false
	}
	packetType := payload[1]
	return packetType >= 192 && packetType <= 223
}

func (l *Listener) handleRTCPPacket(data []byte, addr *net.UDPAddr) {
	packets, err := rtcp.Unmarshal(data)
	if err != nil {
		if metrics.IsMetricsEnabled() {
			metrics.RecordDecodeError("rtcp_parse_error")
		}
		l.logger.WithError(err).Debug("Failed to unmarshal RTCP packet")
		return
	}

	for _, pkt := range packets {
		switch p := pkt.(type) {
		case *rtcp.Goodbye:
			l.logger.WithFields(logrus.Fields{
				"sources": p.Sources,
				"reason":  p.Reason,
				"addr":    addr.String(),
			}).Info("Received RTCP BYE")
			for _, ssrc := range p.Sources {
				l.closeSession(ssrc, "rtcp_bye")
			}
		default:
			l.logger.WithFields(logrus.Fields{
				"type": fmt.Sprintf("%T", pkt),
				"addr": addr.String(),
			}).Trace("Received RTCP packet")
		}
	}
}

// SetUDPSocketBuffers enlarges the socket buffers for bursty RTP traffic.
func SetUDPSocketBuffers(conn *net.UDPConn, logger *logrus.Logger) {
	const readBufferSize = 4 * 1024 * 1024
	if err := conn.SetReadBuffer(readBufferSize); err != nil {
		logger.WithError(err).Warn("Failed to set UDP read buffer size, using system default")
	} else {
		logger.WithField("size_bytes", readBufferSize).Debug("Set UDP read buffer size")
	}
}
