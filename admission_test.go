package tarssh

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAdmissionCounts(t *testing.T) {
	a := newAdmission(3)
	assert.True(t, a.hasRoom())

	assert.EqualValues(t, 1, a.admit())
	assert.EqualValues(t, 2, a.admit())
	assert.EqualValues(t, 3, a.admit())
	assert.False(t, a.hasRoom())

	assert.EqualValues(t, 2, a.release())
	assert.True(t, a.hasRoom())
	assert.EqualValues(t, 2, a.count())
}

func TestAdmissionConcurrent(t *testing.T) {
	const admitted, terminated = 500, 300
	a := newAdmission(1)

	var wg sync.WaitGroup
	for i := 0; i < admitted; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.admit()
		}()
	}
	wg.Wait()
	for i := 0; i < terminated; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.GreaterOrEqual(t, a.release(), int64(0))
		}()
	}
	wg.Wait()

	assert.EqualValues(t, admitted-terminated, a.count())
}
