// Package util holds small byte helpers for handling key material.
package util

// CopyBytes returns a copy of src that does not share its backing array.
func CopyBytes(src []byte) []byte {
	dst := make([]byte, len(src))
	copy(dst, src)
	return dst
}

// WipeBytes best-effort zeroes the provided byte slice in place.
func WipeBytes(b []byte) {
	clear(b)
}
