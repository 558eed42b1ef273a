package cng

import (
	"fmt"
	"math"
)

// SID is the decoded form of an RFC 3389 comfort noise payload.
type SID struct {
	// Level is the noise level in -dBov (byte 0 of the payload).
	Level uint8
	// Reflection holds the dequantized reflection coefficients. Entries at
	// index >= Coefficients are zero.
	Reflection [Order]float32
	// Coefficients is the number of spectral bytes that were used.
	Coefficients int
}

// Energy returns the target frame energy described by the noise level, on
// the same integer scale as EnergyCalibration.
func (s SID) Energy() float64 {
	dbov := -float64(s.Level)
	return math.Trunc(EnergyCalibration * math.Pow(10, dbov/10.0) * 0.75)
}

// ParseSID decodes a comfort noise payload. Spectral bytes beyond Order are
// ignored. An empty payload carries no update and is rejected.
func ParseSID(payload []byte) (SID, error) {
	return parseSID(payload, false)
}

func parseSID(payload []byte, strict bool) (SID, error) {
	var sid SID
	if len(payload) == 0 {
		return sid, fmt.Errorf("%w: empty payload", ErrInvalidInput)
	}
	if strict {
		if payload[0]&0x80 != 0 {
			return sid, fmt.Errorf("%w: noise level %d has the reserved bit set", ErrInvalidInput, payload[0])
		}
		if len(payload) > MaxPayloadSize {
			return sid, fmt.Errorf("%w: %d bytes exceeds %d", ErrInvalidInput, len(payload), MaxPayloadSize)
		}
	}

	sid.Level = payload[0]
	sid.Coefficients = min(len(payload)-1, Order)
	for i := 0; i < sid.Coefficients; i++ {
		sid.Reflection[i] = float32((float64(payload[1+i]) - 127) / 128.0)
	}
	return sid, nil
}

// Params is a snapshot of the spectral parameters a decoder synthesizes from.
type Params struct {
	Energy           float64
	TargetEnergy     float64
	Reflection       [Order]float32
	TargetReflection [Order]float32
	Initialized      bool
}

// spectralState holds the current and target parameters. Targets are only
// written by applySID, current values only by interpolate.
type spectralState struct {
	refl         []float32
	targetRefl   []float32
	energy       float64
	targetEnergy float64
	initialized  bool
}

func (s *spectralState) applySID(sid SID) {
	s.targetEnergy = sid.Energy()
	copy(s.targetRefl, sid.Reflection[:])
}

// interpolate moves the current parameters toward the targets. The first
// frame after construction or a flush jumps straight to the target; after
// that energy follows with weight 0.5 and the spectral shape with 0.4.
func (s *spectralState) interpolate() {
	if !s.initialized {
		s.energy = s.targetEnergy
		copy(s.refl, s.targetRefl)
		s.initialized = true
		return
	}

	s.energy = float64(0.5*s.energy) + float64(0.5*s.targetEnergy)
	for i := range s.refl {
		s.refl[i] = float32(float64(0.6*float64(s.refl[i])) + float64(0.4*float64(s.targetRefl[i])))
	}
}

func (s *spectralState) snapshot() Params {
	p := Params{
		Energy:       s.energy,
		TargetEnergy: s.targetEnergy,
		Initialized:  s.initialized,
	}
	copy(p.Reflection[:], s.refl)
	copy(p.TargetReflection[:], s.targetRefl)
	return p
}
