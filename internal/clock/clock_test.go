package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFakeClock_NowAndAdvance(t *testing.T) {
	start := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	c := Fake(start)

	assert.Equal(t, start, c.Now())

	c.Advance(90 * time.Second)
	assert.Equal(t, start.Add(90*time.Second), c.Now())

	c.Set(start)
	assert.Equal(t, start, c.Now())
}

func TestFakeClock_After(t *testing.T) {
	c := Fake(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))

	ch := c.After(5 * time.Second)
	assert.Equal(t, 1, c.Pending())

	c.Advance(4 * time.Second)
	select {
	case <-ch:
		t.Fatal("fired before deadline")
	default:
	}

	c.Advance(time.Second)
	select {
	case <-ch:
	default:
		t.Fatal("did not fire at deadline")
	}
	assert.Equal(t, 0, c.Pending())
}

func TestFakeClock_AfterNonPositive(t *testing.T) {
	c := Fake(time.Now())

	select {
	case <-c.After(0):
	default:
		t.Fatal("zero duration should fire immediately")
	}
}
