package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExponentialDelay(t *testing.T) {
	e := Exponential{Base: 2 * time.Minute}

	assert.Equal(t, 2*time.Minute, e.Delay(1))
	assert.Equal(t, 4*time.Minute, e.Delay(2))
	assert.Equal(t, 8*time.Minute, e.Delay(3))
	assert.Equal(t, 2*time.Minute, e.Delay(0), "non-positive attempts fall back to base")
}

func TestExponentialCap(t *testing.T) {
	e := Exponential{Base: time.Minute, Max: 5 * time.Minute}

	assert.Equal(t, time.Minute, e.Delay(1))
	assert.Equal(t, 4*time.Minute, e.Delay(3))
	assert.Equal(t, 5*time.Minute, e.Delay(4))
	assert.Equal(t, 5*time.Minute, e.Delay(10))
}
