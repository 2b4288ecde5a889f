package sqlite

import (
	"hash/fnv"
	"sync"

	"github.com/quizcraft/quizcraft/pkg/models"
)

const lockStripes = 64

// stripedLocks serializes operations on one fingerprint while letting
// unrelated fingerprints proceed on other stripes.
type stripedLocks struct {
	mu [lockStripes]sync.Mutex
}

func (s *stripedLocks) forKey(fp models.Fingerprint) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(fp))
	return &s.mu[h.Sum32()%lockStripes]
}
