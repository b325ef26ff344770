package domain

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		current SubscriptionStatus
		target  SubscriptionStatus
		want    bool
	}{
		{SubscriptionStatusActive, SubscriptionStatusPastDue, true},
		{SubscriptionStatusTrialing, SubscriptionStatusPastDue, true},
		{SubscriptionStatusPastDue, SubscriptionStatusPastDue, true},
		{SubscriptionStatusPastDue, SubscriptionStatusActive, true},
		{SubscriptionStatusPastDue, SubscriptionStatusCanceled, true},
		{SubscriptionStatusActive, SubscriptionStatusCanceled, false},
		{SubscriptionStatusActive, SubscriptionStatusActive, false},
		{SubscriptionStatusCanceled, SubscriptionStatusActive, false},
		{SubscriptionStatusCanceled, SubscriptionStatusPastDue, false},
		{SubscriptionStatusPaused, SubscriptionStatusPastDue, false},
	}

	for _, tc := range cases {
		require.Equal(t, tc.want, CanTransition(tc.current, tc.target),
			"transition %s -> %s", tc.current, tc.target)
	}
}
