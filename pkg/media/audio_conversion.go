package media

import (
	"fmt"
)

var (
	muLawDecodeTable [256]int16
	aLawDecodeTable  [256]int16
)

func init() {
	for i := 0; i < 256; i++ {
		muLawDecodeTable[i] = decodeMuLawSample(byte(i))
		aLawDecodeTable[i] = decodeALawSample(byte(i))
	}
}

// DecodeVoicePayload converts a voice RTP payload into 16-bit PCM samples at
// the codec's sample rate. The result is appended to dst.
func DecodeVoicePayload(dst []int16, payload []byte, codec CodecInfo) ([]int16, error) {
	switch codec.Name {
	case "PCMU":
		return expandG711(dst, payload, &muLawDecodeTable), nil
	case "PCMA":
		return expandG711(dst, payload, &aLawDecodeTable), nil
	case "G729":
		return expandG729(dst, payload)
	default:
		return dst, fmt.Errorf("%w: no PCM conversion for %s", ErrUnsupportedCodec, codec.Name)
	}
}

func expandG711(dst []int16, payload []byte, table *[256]int16) []int16 {
	for _, b := range payload {
		dst = append(dst, table[b])
	}
	return dst
}

func decodeMuLawSample(uval byte) int16 {
	uval = ^uval
	sign := int16(uval & 0x80)
	exponent := (uval >> 4) & 0x07
	mantissa := uval & 0x0F
	magnitude := ((int16(mantissa) << 3) + 0x84) << exponent
	magnitude -= 0x84
	if sign != 0 {
		return -magnitude
	}
	return magnitude
}

func decodeALawSample(aval byte) int16 {
	aval ^= 0x55
	sign := int16(aval & 0x80)
	exponent := (aval >> 4) & 0x07
	mantissa := aval & 0x0F

	magnitude := int16(mantissa) << 4
	switch exponent {
	case 0:
		magnitude += 8
	case 1:
		magnitude += 0x108
	default:
		magnitude = (magnitude + 0x108) << (exponent - 1)
	}

	// A-law sets the sign bit for positive values.
	if sign == 0 {
		return -magnitude
	}
	return magnitude
}
