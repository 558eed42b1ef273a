package media

import (
	"fmt"
)

// CodecInfo represents information about a codec
type CodecInfo struct {
	Name        string
	PayloadType uint8
	SampleRate  int
	Channels    int
	Description string
	// Decodable reports whether voice payloads of this codec can be
	// converted to PCM for the recording.
	Decodable bool
}

// SupportedCodecs maps static payload types to codec information. These are
// the narrowband codecs that alternate with comfort noise on a stream.
var SupportedCodecs = map[uint8]CodecInfo{
	0:  {Name: "PCMU", PayloadType: 0, SampleRate: 8000, Channels: 1, Description: "G.711 μ-law", Decodable: true},
	8:  {Name: "PCMA", PayloadType: 8, SampleRate: 8000, Channels: 1, Description: "G.711 a-law", Decodable: true},
	9:  {Name: "G722", PayloadType: 9, SampleRate: 8000, Channels: 1, Description: "G.722 wideband (8000 RTP clock)"},
	13: {Name: "CN", PayloadType: 13, SampleRate: 8000, Channels: 1, Description: "Comfort noise (RFC 3389)"},
	18: {Name: "G729", PayloadType: 18, SampleRate: 8000, Channels: 1, Description: "G.729 CS-ACELP narrowband", Decodable: true},
}

// LookupCodec returns codec information for a payload type. cnPayloadType
// is the payload type negotiated for comfort noise, which may be dynamic.
func LookupCodec(payloadType, cnPayloadType uint8) (CodecInfo, error) {
	if IsComfortNoise(payloadType, cnPayloadType) {
		info := SupportedCodecs[13]
		info.PayloadType = payloadType
		return info, nil
	}
	if payloadType == 13 {
		// Static CN slot while a dynamic type is negotiated.
		return CodecInfo{}, fmt.Errorf("%w: payload type 13 is not the negotiated comfort noise type %d", ErrUnsupportedCodec, cnPayloadType)
	}
	if codec, exists := SupportedCodecs[payloadType]; exists {
		return codec, nil
	}
	return CodecInfo{}, fmt.Errorf("%w: payload type %d", ErrUnsupportedCodec, payloadType)
}

// IsComfortNoise checks if the payload type carries SID frames
func IsComfortNoise(payloadType, cnPayloadType uint8) bool {
	return payloadType == cnPayloadType
}
