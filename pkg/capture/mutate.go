package capture

import (
	"context"
	"errors"
	"fmt"

	"github.com/techmatters/serverless-sub000/pkg/logger"
	"github.com/techmatters/serverless-sub000/pkg/messaging"
)

const maxAttributeWrites = 3

// mutateAttributes applies mutate to the channel attributes and writes the
// result with the revision it was computed from. On a revision mismatch the
// channel is re-read and mutate applied again. current, when not nil, is
// used for the first attempt instead of a fresh read.
func mutateAttributes(
	ctx context.Context,
	backend messaging.Backend,
	channelID string,
	current *messaging.Channel,
	mutate func(attributes string) (string, error),
) (*messaging.Channel, error) {
	for attempt := 1; ; attempt++ {
		if current == nil {
			ch, err := backend.FetchChannel(ctx, channelID)
			if err != nil {
				return nil, err
			}
			current = ch
		}

		next, err := mutate(current.Attributes)
		if err != nil {
			return nil, fmt.Errorf("mutate attributes of %s: %w", channelID, err)
		}

		updated, err := backend.UpdateAttributes(ctx, channelID, next, current.Revision)
		if err == nil {
			return updated, nil
		}
		if !errors.Is(err, messaging.ErrRevisionMismatch) || attempt >= maxAttributeWrites {
			return nil, err
		}

		logger.DebugCF("capture", "Attribute write lost a race, retrying", map[string]interface{}{
			"channel": channelID,
			"attempt": attempt,
		})
		current = nil
	}
}
