// Package util provides shared utility functions.
package util

// ShortID truncates a peer or match id for log output. Full UUIDs drown the
// log; the first 8 characters are enough to tell peers apart in practice.
func ShortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
