package raft

import "golang.org/x/exp/constraints"

// Majority returns the smallest strict majority of n.
func Majority[T constraints.Integer](n T) T {
	return n/2 + 1
}

func clamp[T constraints.Ordered](v, lo, hi T) T {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
