package call

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

var (
	audioVideo = Constraints{Audio: true, Video: true}
	audioOnly  = Constraints{Audio: true}
)

// acquire tries audio+video, then audio only. With allowNone a total failure
// yields nil media and no error, so the call can still receive.
func acquire(ctx context.Context, src MediaSource, allowNone bool, logger zerolog.Logger) (LocalMedia, error) {
	lastErr := ErrNoDevices
	if src != nil {
		for _, c := range []Constraints{audioVideo, audioOnly} {
			media, err := src.Acquire(ctx, c)
			if err == nil {
				return media, nil
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			logger.Debug().Err(err).Bool("video", c.Video).Msg("media acquisition failed")
			lastErr = err
		}
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if allowNone {
		logger.Warn().Err(lastErr).Msg("no local media, continuing receive-only")
		return nil, nil
	}
	return nil, fmt.Errorf("acquire media: %w", lastErr)
}
