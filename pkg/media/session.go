package media

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"cng-server/pkg/cng"
	"cng-server/pkg/metrics"
	"cng-server/pkg/telemetry/tracing"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// PCMSink receives the decoded audio of a session. Frames passed to
// WritePCM are only valid for the duration of the call.
type PCMSink interface {
	WritePCM(samples []int16) error
	Close() error
}

// SessionConfig describes one RTP stream.
type SessionConfig struct {
	// ID names the session; a random one is generated when zero.
	ID            uuid.UUID
	SSRC          uint32
	CNPayloadType uint8
	StrictSID     bool
	Seed          uint32
}

// Session turns one RTP stream into continuous PCM. Voice payloads are
// converted directly; comfort noise packets drive a cng.Decoder, which also
// fills the gaps between SID updates when Tick is called at the frame
// cadence.
type Session struct {
	ID   uuid.UUID
	SSRC uint32

	mu      sync.Mutex
	decoder *cng.Decoder
	sink    PCMSink
	frames  *FramePool
	cnType  uint8

	silent          bool
	decodedThisTick bool
	haveSeq         bool
	lastSeq         uint16
	lastActivity    time.Time
	closed          bool

	voiceBuf      []int16
	cnFrames      uint64
	voicePackets  uint64
	droppedPacket uint64

	span   trace.Span
	logger *logrus.Logger
	now    func() time.Time
}

// NewSession creates a session writing into sink. frames may be nil.
func NewSession(ctx context.Context, cfg SessionConfig, sink PCMSink, frames *FramePool, logger *logrus.Logger) (*Session, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if frames == nil {
		frames = NewFramePool()
	}
	dec, err := cng.NewDecoder(cng.Config{
		Seed:      cfg.Seed,
		StrictSID: cfg.StrictSID,
		Frames:    frames,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("media: create comfort noise decoder: %w", err)
	}

	id := cfg.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	_, span := tracing.StartSpan(ctx, "cng.session", trace.WithAttributes(
		attribute.String("session.id", id.String()),
		attribute.Int64("rtp.ssrc", int64(cfg.SSRC)),
		attribute.Int("rtp.cn_payload_type", int(cfg.CNPayloadType)),
	))

	s := &Session{
		ID:      id,
		SSRC:    cfg.SSRC,
		decoder: dec,
		sink:    sink,
		frames:  frames,
		cnType:  cfg.CNPayloadType,
		span:    span,
		logger:  logger,
		now:     time.Now,
	}
	s.lastActivity = s.now()

	logger.WithFields(logrus.Fields{
		"session_id":      id.String(),
		"ssrc":            cfg.SSRC,
		"cn_payload_type": cfg.CNPayloadType,
		"strict_sid":      cfg.StrictSID,
	}).Info("Comfort noise session started")
	return s, nil
}

// HandlePacket processes one RTP packet. Packets that are not newer than
// the last accepted sequence number are dropped without error.
func (s *Session) HandlePacket(pkt *rtp.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	s.lastActivity = s.now()

	if s.haveSeq && int16(pkt.SequenceNumber-s.lastSeq) <= 0 {
		s.droppedPacket++
		if metrics.IsMetricsEnabled() {
			metrics.RecordDecodeError("out_of_order")
		}
		return nil
	}
	s.haveSeq = true
	s.lastSeq = pkt.SequenceNumber

	if IsComfortNoise(pkt.PayloadType, s.cnType) {
		if !s.silent {
			s.logger.WithFields(logrus.Fields{
				"session_id": s.ID.String(),
				"ssrc":       s.SSRC,
				"sequence":   pkt.SequenceNumber,
			}).Debug("Silence period started")
		}
		s.silent = true
		s.decodedThisTick = true
		return s.synthesize(pkt.Payload, "sid")
	}

	codec, err := LookupCodec(pkt.PayloadType, s.cnType)
	if err != nil {
		if metrics.IsMetricsEnabled() {
			metrics.RecordDecodeError("unsupported_codec")
		}
		return err
	}
	s.voicePackets++
	if s.silent {
		s.decoder.Flush()
		s.silent = false
		if metrics.IsMetricsEnabled() {
			metrics.RecordFlush("talk_spurt")
		}
		s.span.AddEvent("talk_spurt", trace.WithAttributes(attribute.Int("rtp.sequence", int(pkt.SequenceNumber))))
		s.logger.WithFields(logrus.Fields{
			"session_id": s.ID.String(),
			"ssrc":       s.SSRC,
			"codec":      codec.Name,
		}).Debug("Talk spurt resumed")
	}
	if !codec.Decodable {
		return nil
	}
	s.voiceBuf, err = DecodeVoicePayload(s.voiceBuf[:0], pkt.Payload, codec)
	if err != nil {
		if metrics.IsMetricsEnabled() {
			metrics.RecordDecodeError("voice_decode")
		}
		return err
	}
	if err := s.sink.WritePCM(s.voiceBuf); err != nil {
		if metrics.IsMetricsEnabled() {
			metrics.RecordDecodeError("sink_write")
		}
		return fmt.Errorf("media: write voice: %w", err)
	}
	return nil
}

// Tick is called once per frame interval. While the stream is in a silence
// period and no SID arrived since the previous tick, one frame is
// synthesized from the last parameters.
func (s *Session) Tick() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || !s.silent {
		return nil
	}
	if s.decodedThisTick {
		s.decodedThisTick = false
		return nil
	}
	return s.synthesize(nil, "hold")
}

// synthesize decodes one frame and writes it. Callers hold s.mu.
func (s *Session) synthesize(payload []byte, source string) error {
	start := time.Now()
	frame, err := s.decoder.Decode(payload)
	if err != nil {
		reason := "synthesis"
		if errors.Is(err, cng.ErrInvalidInput) {
			reason = "invalid_sid"
		}
		if metrics.IsMetricsEnabled() {
			metrics.RecordDecodeError(reason)
		}
		return fmt.Errorf("media: comfort noise: %w", err)
	}
	if metrics.IsMetricsEnabled() {
		metrics.RecordFrame(source, time.Since(start))
	}
	s.cnFrames++

	err = s.sink.WritePCM(frame)
	s.frames.Release(frame)
	if err != nil {
		if metrics.IsMetricsEnabled() {
			metrics.RecordDecodeError("sink_write")
		}
		return fmt.Errorf("media: write comfort noise: %w", err)
	}
	return nil
}

// Silent reports whether the stream is in a silence period.
func (s *Session) Silent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.silent
}

// DecoderState reports the state of the comfort noise decoder.
func (s *Session) DecoderState() cng.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.decoder.State()
}

// LastActivity returns the arrival time of the most recent packet.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Close releases the decoder and closes the sink. It is safe to call more
// than once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	err := errors.Join(s.decoder.Close(), s.sink.Close())
	if err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, "session close failed")
	}
	s.span.SetAttributes(
		attribute.Int64("cng.frames", int64(s.cnFrames)),
		attribute.Int64("rtp.voice_packets", int64(s.voicePackets)),
	)
	s.span.End()

	s.logger.WithFields(logrus.Fields{
		"session_id":      s.ID.String(),
		"ssrc":            s.SSRC,
		"cn_frames":       s.cnFrames,
		"voice_packets":   s.voicePackets,
		"dropped_packets": s.droppedPacket,
	}).Info("Comfort noise session closed")
	return err
}
