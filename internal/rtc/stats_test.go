package rtc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyQualityExcellent(t *testing.T) {
	assert.Equal(t, QualityExcellent, classifyQuality(50, 0.5))
}

func TestClassifyQualityGood(t *testing.T) {
	assert.Equal(t, QualityGood, classifyQuality(150, 2))
}

func TestClassifyQualityFair(t *testing.T) {
	assert.Equal(t, QualityFair, classifyQuality(400, 6))
}

func TestClassifyQualityPoor(t *testing.T) {
	assert.Equal(t, QualityPoor, classifyQuality(600, 20))
}

func TestClassifyQualityBoundaryIsExclusive(t *testing.T) {
	// rtt==100 and loss==1 are not "excellent" (threshold is strict <).
	assert.Equal(t, QualityGood, classifyQuality(100, 1))
}

func TestCollectorForgetClearsPriorSample(t *testing.T) {
	c := NewCollector()
	c.prev["peer-1"] = cumulativeSample{lost: 10, received: 90}
	c.Forget("peer-1")
	_, ok := c.prev["peer-1"]
	assert.False(t, ok)
}
