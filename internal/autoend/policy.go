// SPDX-License-Identifier: MIT

package autoend

import (
	"context"
	"time"

	"github.com/tgcast/tgcast/internal/apperr"
	"github.com/tgcast/tgcast/internal/domain"
	"github.com/tgcast/tgcast/internal/store"
)

// ChannelPolicySource resolves a channel's auto-end policy from the
// relational store. A deleted channel yields a disabled policy so the
// sweep drops its tracking instead of erroring forever.
type ChannelPolicySource struct {
	Channels      *store.Channels
	WarningPoints []int
}

func (s ChannelPolicySource) AutoEndPolicy(ctx context.Context, channelID string) (Policy, error) {
	ch, err := s.Channels.Get(ctx, channelID)
	if apperr.IsKind(err, apperr.KindNotFound) {
		return Policy{}, nil
	}
	if err != nil {
		return Policy{}, err
	}
	if ch.DesiredState != domain.DesiredRunning || ch.AutoEndSeconds <= 0 {
		return Policy{}, nil
	}
	return Policy{
		Enabled:       true,
		Timeout:       time.Duration(ch.AutoEndSeconds) * time.Second,
		WarningPoints: s.WarningPoints,
	}, nil
}
