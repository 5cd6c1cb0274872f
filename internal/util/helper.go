// Package util holds small generic helpers.
package util

// CloneSlice returns a copy of src with length cloneSize.
// src length is used as the clone size if cloneSize is 0.
func CloneSlice[T any](src []T, cloneSize int) []T {
	if cloneSize == 0 {
		cloneSize = len(src)
	}
	clone := make([]T, cloneSize)
	copy(clone, src)

	return clone
}
