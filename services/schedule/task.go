package schedule

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// HandleWarningFireTask is the asynq handler for delayed warning tasks.
func (s *Service) HandleWarningFireTask(ctx context.Context, t *asynq.Task) error {
	var payload WarningFirePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid warning payload: %w: %w", err, asynq.SkipRetry)
	}

	zap.L().Debug("processing warning task",
		zap.String("entitlement_id", payload.EntitlementID),
		zap.String("threshold_label", payload.ThresholdLabel),
	)

	return s.Fire(ctx, payload.EntitlementID, payload.ThresholdLabel)
}
