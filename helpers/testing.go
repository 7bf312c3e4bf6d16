package helpers

import (
	"math/rand"
	"time"
)

// RandUnix returns generator seeded with current time, seed is returned for failure reports.
func RandUnix() (*rand.Rand, int64) {
	seed := time.Now().UnixNano()
	return rand.New(rand.NewSource(seed)), seed
}
