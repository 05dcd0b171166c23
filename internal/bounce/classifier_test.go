package bounce

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/busybox42/elemta-outbound/internal/delivery"
)

func TestClassifySortsByReplyCode(t *testing.T) {
	assert.Equal(t, ActionDefer, Classify("451 4.3.0 try later").Action)
	assert.Equal(t, ActionReject, Classify("550 5.1.1 no such user").Action)
	assert.Equal(t, ActionReject, Classify("garbage").Action)
}

func TestClassifyExtractsEnhancedStatusAsCategory(t *testing.T) {
	c := Classify("550 5.1.1 no such user")
	assert.Equal(t, "5.1.1", c.Category)
}

func TestClassifyNormalizesBeforeComparison(t *testing.T) {
	a := Classify("451  4.3.0\r\n try   later")
	b := Classify(Normalize("451 4.3.0 try later"))
	assert.Equal(t, a, b)
}

func TestDecideDefersUnderThreshold(t *testing.T) {
	d := &delivery.Delivery{DeferredCount: 0}
	dec := Decide(Classify("451 4.3.0 try later"), d)
	assert.False(t, dec.Bounce)
	assert.Equal(t, 5*time.Minute, dec.TTL)
}

func TestDecideCapsChronicDeferralsIntoBounce(t *testing.T) {
	d := &delivery.Delivery{DeferredCount: 7}
	dec := Decide(Classify("451 4.3.0 try later"), d)
	assert.True(t, dec.Bounce)
}

func TestDecideRejectsAlwaysBounce(t *testing.T) {
	d := &delivery.Delivery{DeferredCount: 0}
	dec := Decide(Classify("550 5.1.1 no such user"), d)
	assert.True(t, dec.Bounce)
}

func TestDeferTTLIsMonotoneAndCapped(t *testing.T) {
	prev := time.Duration(0)
	for n := 0; n <= 6; n++ {
		ttl := deferTTL(n)
		assert.GreaterOrEqual(t, ttl, prev)
		prev = ttl
	}
	assert.Equal(t, 1024*time.Minute, deferTTL(6))
}
