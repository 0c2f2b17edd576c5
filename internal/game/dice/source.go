package dice

import (
	"crypto/rand"
	"math/big"
	mrand "math/rand/v2"
	"sync"
)

type cryptoSource struct{}

// NewCryptoSource returns a Source backed by crypto/rand, used before a room seed is known.
func NewCryptoSource() Source {
	return cryptoSource{}
}

func (cryptoSource) Intn(n int) int {
	if n <= 0 {
		panic("dice: Intn called with n <= 0")
	}
	val, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		panic("dice: crypto/rand failure: " + err.Error())
	}
	return int(val.Int64())
}

// SeededSource is a deterministic Source. Two sources given the same seed produce
// the same sequence, which is how every client of a room draws identical rolls.
// Until Seed is called it draws from crypto/rand.
type SeededSource struct {
	mu     sync.Mutex
	rng    *mrand.Rand
	seeded bool
	seed   int64
}

// NewSeededSource returns an unseeded SeededSource.
func NewSeededSource() *SeededSource {
	return &SeededSource{}
}

// Seed restarts the sequence from seed.
//
// Postcondition: subsequent Intn calls are a pure function of seed and call order.
func (s *SeededSource) Seed(seed int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rng = mrand.New(mrand.NewPCG(uint64(seed), uint64(seed)^0x9e3779b97f4a7c15))
	s.seeded = true
	s.seed = seed
}

// Seeded reports the current seed and whether one has been set.
func (s *SeededSource) Seeded() (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seed, s.seeded
}

// Intn returns a value in [0, n).
//
// Precondition: n > 0.
func (s *SeededSource) Intn(n int) int {
	if n <= 0 {
		panic("dice: Intn called with n <= 0")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rng == nil {
		return cryptoSource{}.Intn(n)
	}
	return s.rng.IntN(n)
}
