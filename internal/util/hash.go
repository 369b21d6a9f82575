package util

import (
	"hash/fnv"
)

// ConnTag computes a 4-byte hash from a connection's remote address. The
// router uses it to label log lines for a connection that has not finished
// its handshake and therefore has no identity yet.
func ConnTag(remoteAddr string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(remoteAddr))
	return h.Sum32()
}
