package infra

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRTTAveraging(t *testing.T) {
	e := NewEntry()
	assert.Equal(t, time.Duration(0), e.RTT())

	e.UpdateRTT(100 * time.Millisecond)
	e.UpdateRTT(200 * time.Millisecond)
	assert.Equal(t, 150*time.Millisecond, e.RTT())

	e.ResetRTT()
	assert.Equal(t, time.Duration(0), e.RTT())
}

func TestCircuitBreakerTripsAfterThreshold(t *testing.T) {
	e := NewEntry()
	now := time.Now()

	assert.True(t, e.Usable(now))

	for i := 0; i < failureThreshold-1; i++ {
		e.RecordFailure(now)
	}
	assert.True(t, e.Usable(now), "should stay usable below threshold")

	e.RecordFailure(now)
	assert.False(t, e.Usable(now), "should trip at threshold")

	assert.True(t, e.Usable(now.Add(disableWindow+time.Second)), "should recover after window")
}

func TestRecordSuccessClearsTrip(t *testing.T) {
	e := NewEntry()
	now := time.Now()

	for i := 0; i < failureThreshold; i++ {
		e.RecordFailure(now)
	}
	assert.False(t, e.Usable(now))

	e.RecordSuccess()
	assert.True(t, e.Usable(now))
}

func TestLameOverridesUsable(t *testing.T) {
	e := NewEntry()
	e.MarkLame()
	assert.True(t, e.Lame())
	assert.False(t, e.Usable(time.Now()))
}

func TestEDNSStatus(t *testing.T) {
	e := NewEntry()
	assert.Equal(t, EDNSUnknown, e.EDNS())
	e.SetEDNS(EDNSUnsupported)
	assert.Equal(t, EDNSUnsupported, e.EDNS())
}

func TestGetOrCreateAndGet(t *testing.T) {
	c := New(64, 1)
	key := Key("example.com.", "192.0.2.1:53")

	_, ok := c.Get(key)
	assert.False(t, ok)

	e := c.GetOrCreate(key)
	assert.NotNil(t, e)

	again := c.GetOrCreate(key)
	assert.Same(t, e, again)

	got, ok := c.Get(key)
	assert.True(t, ok)
	assert.Same(t, e, got)
	assert.Equal(t, 1, c.Len())
}

func TestSortByRTTOrdersAscendingAndUnknownLast(t *testing.T) {
	slow := NewEntry()
	slow.UpdateRTT(500 * time.Millisecond)
	fast := NewEntry()
	fast.UpdateRTT(10 * time.Millisecond)
	unknown := NewEntry()

	targets := []Target{
		{Address: "slow", Entry: slow},
		{Address: "unknown", Entry: unknown},
		{Address: "fast", Entry: fast},
	}

	SortByRTT(targets, 1)

	assert.Equal(t, "fast", targets[0].Address)
	assert.Equal(t, "slow", targets[1].Address)
	assert.Equal(t, "unknown", targets[2].Address)
}

func TestSortByRTTResetsOnCadence(t *testing.T) {
	e := NewEntry()
	e.UpdateRTT(100 * time.Millisecond)
	targets := []Target{{Address: "a", Entry: e}}

	SortByRTT(targets, 1000)

	assert.Equal(t, time.Duration(0), e.RTT())
}
