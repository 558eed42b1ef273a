package cng

import (
	"crypto/md5"
	"encoding/binary"
)

// lfg is an additive lagged Fibonacci generator, x[n] = x[n-24] + x[n-55]
// (mod 2^32), running over a 64 word ring.
//
// The seed schedule hashes the seed together with the ring position using
// MD5, chaining each digest into the next block, and leaves the first eight
// words zero. Frames produced from the same seed are bit-identical across
// decoders, which is what makes comfort noise test vectors reproducible.
type lfg struct {
	state [64]uint32
	index uint32
}

func (g *lfg) seed(seed uint32) {
	var tmp [16]byte
	g.state = [64]uint32{}
	for i := 8; i < 64; i += 4 {
		binary.LittleEndian.PutUint32(tmp[0:4], seed)
		tmp[4] = byte(i)
		tmp = md5.Sum(tmp[:])
		g.state[i] = binary.LittleEndian.Uint32(tmp[0:4])
		g.state[i+1] = binary.LittleEndian.Uint32(tmp[4:8])
		g.state[i+2] = binary.LittleEndian.Uint32(tmp[8:12])
		g.state[i+3] = binary.LittleEndian.Uint32(tmp[12:16])
	}
	g.index = 0
}

func (g *lfg) next() uint32 {
	g.state[g.index&63] = g.state[(g.index-24)&63] + g.state[(g.index-55)&63]
	v := g.state[g.index&63]
	g.index++
	return v
}
