package media

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"
)

// NegotiateComfortNoise returns the payload type an SDP offer uses for
// comfort noise. Only 8 kHz CN matches; the static payload type 13 is
// accepted without an rtpmap line.
func NegotiateComfortNoise(offer []byte) (uint8, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal(offer); err != nil {
		return 0, fmt.Errorf("media: parse SDP offer: %w", err)
	}

	for _, md := range desc.MediaDescriptions {
		if md.MediaName.Media != "audio" {
			continue
		}
		rtpmaps := make(map[uint8]string)
		for _, attr := range md.Attributes {
			if attr.Key != "rtpmap" {
				continue
			}
			pt, encoding, ok := parseRtpmap(attr.Value)
			if ok {
				rtpmaps[pt] = encoding
			}
		}
		for _, format := range md.MediaName.Formats {
			v, err := strconv.ParseUint(format, 10, 7)
			if err != nil {
				continue
			}
			pt := uint8(v)
			encoding, mapped := rtpmaps[pt]
			if !mapped {
				if pt == 13 {
					return pt, nil
				}
				continue
			}
			name, rate, _ := strings.Cut(encoding, "/")
			rate, _, _ = strings.Cut(rate, "/")
			if strings.EqualFold(name, "CN") && rate == "8000" {
				return pt, nil
			}
		}
	}
	return 0, ErrNoComfortNoise
}

// parseRtpmap splits "13 CN/8000" into its payload type and encoding.
func parseRtpmap(value string) (uint8, string, bool) {
	ptText, encoding, ok := strings.Cut(strings.TrimSpace(value), " ")
	if !ok {
		return 0, "", false
	}
	pt, err := strconv.ParseUint(ptText, 10, 7)
	if err != nil {
		return 0, "", false
	}
	return uint8(pt), strings.TrimSpace(encoding), true
}
