package reporter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEtaFirstSample(t *testing.T) {
	state := &etaState{}
	sample := state.update(0, 10, 0)
	assert.Zero(t, sample.eta)
	assert.Zero(t, sample.bytesPerSec)
}

func TestEtaRawEstimate(t *testing.T) {
	state := &etaState{start: time.Now().Add(-10 * time.Second)}
	sample := state.update(5, 10, 1000)
	// 2s per item, 5 items left.
	assert.InDelta(t, 10.0, sample.eta, 0.5)
}

func TestEtaSmoothing(t *testing.T) {
	state := &etaState{
		start:       time.Now().Add(-10 * time.Second),
		smoothedETA: 100,
	}
	sample := state.update(5, 10, 1000)
	// 0.7 * 100 + 0.3 * 10
	assert.InDelta(t, 73.0, sample.eta, 1.0)
}

func TestEtaBytesPerSecond(t *testing.T) {
	state := &etaState{
		lastSample: time.Now().Add(-2 * time.Second),
		lastBytes:  0,
	}
	sample := state.update(1, 10, 2000)
	assert.InDelta(t, 1000, float64(sample.bytesPerSec), 50)

	// Byte counts never run backwards into a negative rate.
	state.lastSample = time.Now().Add(-1 * time.Second)
	sample = state.update(2, 10, 500)
	assert.Zero(t, sample.bytesPerSec)
}

func TestEtaFinished(t *testing.T) {
	state := &etaState{start: time.Now().Add(-10 * time.Second)}
	sample := state.update(10, 10, 5000)
	assert.Zero(t, sample.eta, "no estimate once everything finished")
}

func TestStatusHeading(t *testing.T) {
	assert.Equal(t, "DETECTING DUPLICATES", statusHeading("detecting_duplicates"))
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", formatBytes(512))
	assert.Equal(t, "1.0 KiB", formatBytes(1024))
	assert.Equal(t, "1.5 MiB", formatBytes(3*1024*1024/2))
	assert.Equal(t, "2.0 GiB", formatBytes(2*1024*1024*1024))
}

func TestFormatETA(t *testing.T) {
	assert.Equal(t, "0s", formatETA(0))
	assert.Equal(t, "1m30s", formatETA(90))
}
