// Package port implements port scanning and slot-banded allocation for
// service containers.
//
// The core algorithm is offset-based port banding:
//
//	bandedPort = declaredPort + (slot * 10000)
//
// Each concurrently running job instance holds a slot (0-9), giving it
// a predictable, non-overlapping host port band. Slot 0 publishes the
// declared ports unchanged. The Scanner verifies OS-level availability
// via net.Listen(), while the Allocator combines scanning with
// cross-run conflict detection against ports held by other runs'
// containers.
//
// When a banded port exceeds 65535 or its band is exhausted, the
// allocator falls back to dynamic discovery in the IANA ephemeral
// range (49152-65535).
package port
