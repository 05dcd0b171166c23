package timers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestObserveAccumulatesTotalsAndWindow(t *testing.T) {
	r := New(time.Hour)
	r.Observe("Command:GET", 100*time.Millisecond)
	r.Observe("Command:GET", 300*time.Millisecond)

	snap := r.Snapshot("Command:GET")
	assert.Equal(t, int64(2), snap.TotalCount)
	assert.Equal(t, 400*time.Millisecond, snap.TotalSum)
	assert.Equal(t, 200*time.Millisecond, snap.Mean())
	assert.Equal(t, 200*time.Millisecond, snap.WindowMean())
}

func TestObserveRotatesWindowAfterInterval(t *testing.T) {
	r := New(10 * time.Millisecond)
	r.Observe("Command:DEFER", 50*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	r.Observe("Command:DEFER", 10*time.Millisecond)

	snap := r.Snapshot("Command:DEFER")
	assert.Equal(t, int64(2), snap.TotalCount)
	assert.Equal(t, int64(1), snap.WindowCount)
	assert.Equal(t, int64(1), snap.PrevCount)
	assert.Equal(t, 50*time.Millisecond, snap.PrevSum)
}

func TestSnapshotOfUnknownNameIsZero(t *testing.T) {
	r := New(time.Minute)
	snap := r.Snapshot("never-observed")
	assert.Equal(t, Snapshot{}, snap)
	assert.Equal(t, time.Duration(0), snap.Mean())
}

func TestTimeRecordsElapsed(t *testing.T) {
	r := New(time.Minute)
	stop := r.Time("Command:RELEASE")
	time.Sleep(5 * time.Millisecond)
	stop()

	snap := r.Snapshot("Command:RELEASE")
	assert.Equal(t, int64(1), snap.TotalCount)
	assert.GreaterOrEqual(t, snap.TotalSum, 5*time.Millisecond)
}

func TestNamesEnumeratesObservedTimers(t *testing.T) {
	r := New(time.Minute)
	r.Observe("a", time.Second)
	r.Observe("b", time.Second)
	assert.ElementsMatch(t, []string{"a", "b"}, r.Names())
}

func TestTLSDowngradesAccumulatesAcrossCalls(t *testing.T) {
	r := New(time.Minute)
	assert.Equal(t, int64(0), r.TLSDowngrades())
	r.IncrTLSDowngrade()
	r.IncrTLSDowngrade()
	assert.Equal(t, int64(2), r.TLSDowngrades())
}
