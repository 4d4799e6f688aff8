// SPDX-License-Identifier: MIT

package service

import (
	"context"

	"github.com/tgcast/tgcast/internal/apperr"
	"github.com/tgcast/tgcast/internal/audit"
	"github.com/tgcast/tgcast/internal/domain"
	"github.com/tgcast/tgcast/internal/pipeline"
	"github.com/tgcast/tgcast/internal/worker"
)

// PauseStream freezes playback on a running channel. Operators on their own
// channels, admin anywhere.
func (s *Service) PauseStream(ctx context.Context, p domain.Principal, channelID string) error {
	if _, err := s.requireChannelControl(ctx, p, channelID); err != nil {
		return err
	}
	reply, err := worker.Send(ctx, s.client, channelID, worker.Command{Op: worker.OpPause})
	if err != nil {
		return err
	}
	if err := replyError(reply, "stream is not running"); err != nil {
		return err
	}
	s.audit.Record(ctx, p, audit.ActionStreamPause, "channel", channelID, "")
	return nil
}

// ResumeStream unfreezes a paused channel.
func (s *Service) ResumeStream(ctx context.Context, p domain.Principal, channelID string) error {
	if _, err := s.requireChannelControl(ctx, p, channelID); err != nil {
		return err
	}
	reply, err := worker.Send(ctx, s.client, channelID, worker.Command{Op: worker.OpResume})
	if err != nil {
		return err
	}
	if err := replyError(reply, "stream is not paused"); err != nil {
		return err
	}
	s.audit.Record(ctx, p, audit.ActionStreamResume, "channel", channelID, "")
	return nil
}

// SeekStream moves the playback position of the current track.
func (s *Service) SeekStream(ctx context.Context, p domain.Principal, channelID string, seconds int) error {
	if _, err := s.requireChannelControl(ctx, p, channelID); err != nil {
		return err
	}
	reply, err := worker.Send(ctx, s.client, channelID, worker.Command{Op: worker.OpSeek, Seconds: seconds})
	if err != nil {
		return err
	}
	if err := replyError(reply, "nothing is playing"); err != nil {
		return err
	}
	s.audit.Record(ctx, p, audit.ActionStreamSeek, "channel", channelID,
		detailf("seconds=%d", seconds))
	return nil
}

// ApplyStreamSettings installs a new parameter bundle on a channel's worker.
// Out-of-range values are clamped; the clamp warnings come back to the
// caller. Operators on their own channels.
func (s *Service) ApplyStreamSettings(ctx context.Context, p domain.Principal, channelID string, params pipeline.Params) ([]string, error) {
	if _, err := s.requireChannelControl(ctx, p, channelID); err != nil {
		return nil, err
	}
	reply, err := worker.Send(ctx, s.client, channelID, worker.Command{Op: worker.OpSettings, Params: params})
	if err != nil {
		return nil, err
	}
	if err := replyError(reply, "settings rejected"); err != nil {
		return nil, err
	}
	s.audit.Record(ctx, p, audit.ActionStreamSettings, "channel", channelID,
		detailf("speed=%.2f pitch=%d", params.Speed, params.PitchSemitones))
	return reply.Warnings, nil
}

// replyError translates a worker refusal into the taxonomy. The worker's
// reasons pass through verbatim so the edge can act on them.
func replyError(reply worker.Reply, conflictMsg string) error {
	if reply.OK {
		return nil
	}
	switch reply.Reason {
	case string(apperr.KindConflict):
		return apperr.New(apperr.KindConflict, conflictMsg)
	case apperr.ReasonInvalidPosition:
		return apperr.WithReason(apperr.KindValidation, apperr.ReasonInvalidPosition,
			"position is out of range for the current track")
	case apperr.ReasonNotSeekable:
		return apperr.WithReason(apperr.KindConflict, apperr.ReasonNotSeekable,
			"the current source does not support seeking")
	default:
		return apperr.WithReason(apperr.KindConflict, reply.Reason, "worker refused the command")
	}
}
