package question

import (
	crand "crypto/rand"
	"encoding/binary"
	mrand "math/rand"
	"sync"
)

// Block boundaries for the two shuffled runs between the anchors.
// Layout of the 35 slots (0-based):
//
//	0..2    opening triple (fixed)
//	3..15   first shuffled block, 13 questions
//	16      mid anchor (fixed)
//	17..33  second shuffled block, 17 questions
//	34      closing anchor (fixed)
const (
	firstBlockStart  = 3
	firstBlockSize   = 13
	midAnchorPos     = 16
	secondBlockStart = 17
	secondBlockSize  = 17
	closingPos       = 34
)

// OrderGenerator produces per-session question orders. The anchors are pinned
// and the two blocks between them are independently Fisher-Yates shuffled.
type OrderGenerator struct {
	mu  sync.Mutex
	rng *mrand.Rand
}

// NewOrderGenerator returns a generator seeded from crypto/rand.
func NewOrderGenerator() *OrderGenerator {
	var seed [8]byte
	_, _ = crand.Read(seed[:])
	return NewOrderGeneratorWithSource(mrand.NewSource(int64(binary.LittleEndian.Uint64(seed[:]))))
}

// NewOrderGeneratorWithSource returns a generator over the given source so
// orders can be reproduced under test.
func NewOrderGeneratorWithSource(src mrand.Source) *OrderGenerator {
	return &OrderGenerator{rng: mrand.New(src)}
}

func firstBlockIDs() []int {
	ids := make([]int, 0, firstBlockSize)
	for id := 4; id <= 16; id++ {
		ids = append(ids, id)
	}
	return ids
}

func secondBlockIDs() []int {
	ids := make([]int, 0, secondBlockSize)
	ids = append(ids, 17)
	for id := 19; id <= 34; id++ {
		ids = append(ids, id)
	}
	return ids
}

// Generate returns a fresh order: a permutation of all catalog ids with the
// five anchors on their fixed positions.
func (g *OrderGenerator) Generate() []int {
	first := firstBlockIDs()
	second := secondBlockIDs()

	g.mu.Lock()
	g.shuffle(first)
	g.shuffle(second)
	g.mu.Unlock()

	order := make([]int, 0, CatalogSize)
	order = append(order, openingFirst, openingSecond, openingThird)
	order = append(order, first...)
	order = append(order, midAnchor)
	order = append(order, second...)
	order = append(order, closingAnchor)
	return order
}

// shuffle is an in-place Fisher-Yates shuffle: for i from the last index down
// to 1, swap with a uniformly chosen j <= i.
func (g *OrderGenerator) shuffle(ids []int) {
	for i := len(ids) - 1; i > 0; i-- {
		j := g.rng.Intn(i + 1)
		ids[i], ids[j] = ids[j], ids[i]
	}
}
