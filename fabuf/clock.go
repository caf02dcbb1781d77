package fabuf

import (
	"time"

	"github.com/agilira/go-timecache"
)

// Block timestamps are microseconds since the Unix epoch. The clock is read
// once per received frame at stream rate, so it is served from a cached time
// source rather than a syscall per frame.
var clock = timecache.NewWithResolution(time.Millisecond)

// Now returns the current wall-clock time in microseconds since the epoch.
func Now() uint64 {
	return uint64(clock.CachedTime().UnixMicro())
}

// TimespecMicro converts a POSIX-style seconds/nanoseconds pair to
// microseconds since the epoch.
func TimespecMicro(sec, nsec int64) uint64 {
	return uint64(sec)*1_000_000 + uint64(nsec/1_000)
}
