package worker

// FNV-1a 32-bit parameters.
const (
	fnvOffset32 uint32 = 2166136261
	fnvPrime32  uint32 = 16777619
)

// LCG parameters (glibc rand constants, modulus 2^31).
const (
	lcgMultiplier uint64 = 1103515245
	lcgIncrement  uint64 = 12345
	lcgModulus    uint64 = 1 << 31
)

// HashString returns the FNV-1a hash of s, mixing one character (rune) at a
// time.
func HashString(s string) uint32 {
	h := fnvOffset32
	for _, r := range s {
		h ^= uint32(r)
		h *= fnvPrime32
	}
	return h
}

// LCG is a seedable linear congruential generator. The same seed always
// yields the same sequence. Not safe for concurrent use.
type LCG struct {
	state uint64
}

// NewLCG seeds a generator.
func NewLCG(seed uint32) *LCG {
	return &LCG{state: uint64(seed) % lcgModulus}
}

// Float64 advances the generator and returns a value in [0,1).
func (g *LCG) Float64() float64 {
	g.state = (lcgMultiplier*g.state + lcgIncrement) % lcgModulus
	return float64(g.state) / float64(lcgModulus)
}

// Intn returns a value in [0,n). n must be positive.
func (g *LCG) Intn(n int) int {
	return int(g.Float64() * float64(n))
}
