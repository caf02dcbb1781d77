package fabuf

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNowTracksWallClock(t *testing.T) {
	before := uint64(time.Now().Add(-time.Second).UnixMicro())
	after := uint64(time.Now().Add(time.Second).UnixMicro())

	now := Now()
	assert.GreaterOrEqual(t, now, before)
	assert.LessOrEqual(t, now, after)
}

func TestTimespecMicro(t *testing.T) {
	tests := []struct {
		name string
		sec  int64
		nsec int64
		want uint64
	}{
		{"zero", 0, 0, 0},
		{"whole seconds", 10, 0, 10_000_000},
		{"nanoseconds truncate", 1, 1_999, 1_000_001},
		{"typical", 1_700_000_000, 123_456_789, 1_700_000_000_123_456},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TimespecMicro(tt.sec, tt.nsec))
		})
	}
}
