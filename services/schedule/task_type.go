package schedule

import "fmt"

const TaskWarningFire = "warning:fire"

type WarningFirePayload struct {
	EntitlementID  string `json:"entitlement_id"`
	ThresholdLabel string `json:"threshold_label"`
}

// WarningTaskID is the deterministic asynq task id for one warning, so a
// re-arm of the same (entitlement, threshold) dedupes at the queue.
func WarningTaskID(entitlementID, label string) string {
	return fmt.Sprintf("warning:%s:%s", entitlementID, label)
}
