package scale

import "slices"

// median returns the middle element of an odd-length sequence. The input is
// not modified.
func median(samples []int64) int64 {
	sorted := slices.Clone(samples)
	slices.Sort(sorted)
	return sorted[len(sorted)/2]
}
