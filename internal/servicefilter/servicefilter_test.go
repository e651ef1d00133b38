package servicefilter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestFilterRequestOrder(t *testing.T) {
	consent := NewConsent([]string{"com.revoked"})
	f := NewFilter(consent, NewThrottler(1, 1), NewEnrollment([]string{"seller.example"}, false), zap.NewNop(), nil)
	ctx := context.Background()

	assert.ErrorIs(t, f.FilterRequest(ctx, "unknown.example", "com.revoked", APISelectAds), ErrConsentRevoked)
	assert.ErrorIs(t, f.FilterRequest(ctx, "unknown.example", "com.app", APISelectAds), ErrNotEnrolled)
	assert.ErrorIs(t, f.FilterRequest(ctx, "seller.example", "com.app", APISelectAds), ErrThrottled)

	// Buckets are per api and package.
	assert.NoError(t, f.FilterRequest(ctx, "seller.example", "com.app", APIReportImpression))
	assert.NoError(t, f.FilterRequest(ctx, "", "com.other", APISelectAds))

	consent.SetRevoked("com.revoked", false)
	assert.NoError(t, f.FilterRequest(ctx, "seller.example", "com.revoked", APISelectAds))
}

func TestThrottlerDisabled(t *testing.T) {
	th := NewThrottler(0, 0)
	for i := 0; i < 100; i++ {
		assert.True(t, th.Allow(APISelectAds, "com.app"))
	}
}

func TestEnrollment(t *testing.T) {
	e := NewEnrollment([]string{" Buyer.Example "}, false)
	assert.True(t, e.IsEnrolled("buyer.example"))
	assert.ErrorIs(t, e.AssertAdTechEnrolled("other.example"), ErrNotEnrolled)

	assert.True(t, NewEnrollment(nil, true).IsEnrolled("anything.example"))
}
