package processor

import "time"

const staggerBaseDelay = 500 * time.Millisecond

// StaggerDelay computes the model-specific stagger delay (§4.H): two
// concurrent jobs for the same issue but different models never start
// identical filesystem/API operations in the same millisecond. Not a
// correctness mechanism on its own (worktree names carry a random nonce)
// but reduces contention on upstream APIs.
func StaggerDelay(modelName string) time.Duration {
	h := polyHash(modelName)
	if h < 0 {
		h = -h
	}
	return staggerBaseDelay + time.Duration(h%1500)*time.Millisecond
}

// polyHash is the classic polynomial hash ((h<<5)-h)+ch, reduced mod 2^32 by
// virtue of int32 wraparound, matching §4.H's hash spec exactly.
func polyHash(s string) int32 {
	var h int32
	for _, r := range s {
		h = (h << 5) - h + r
	}
	return h
}
