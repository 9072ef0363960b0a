package util_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nasa-jpl/delayscan/util"
)

func ExampleLimiter_Check() {
	dl225 := util.Limiter{Min: 0, Max: 225}
	fmt.Println(dl225.Check(150.34), dl225.Check(230))
	// Output: true false
}

func TestLimiterEdges(t *testing.T) {
	l := util.Limiter{Min: 10, Max: 20}
	assert.True(t, l.Check(10))
	assert.True(t, l.Check(20))
	assert.False(t, l.Check(9.999))
	assert.False(t, l.Check(20.001))
}

func TestZeroLimiterAllowsAll(t *testing.T) {
	var l util.Limiter
	assert.True(t, l.Check(-1e9))
	assert.True(t, l.Check(1e9))
}
