package core

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/mr-karan/pulse/pkg/models"
)

// ErrUnevaluableResult indicates a goal alert received a result without the
// metric/goal pair it needs.
var ErrUnevaluableResult = errors.New("result is missing values required by the alert condition")

// ShouldFire decides whether an alert fires for the given query result.
//
// rows: fires iff the result is non-empty. An empty result never fires; when
// skip_if_empty is unset the emptiness is logged as anomalous rather than
// suppressed silently (suppress-notification-only semantics).
//
// goal: fires iff metric >= goal when above_goal is set, or metric < goal
// when it is cleared.
func ShouldFire(log *slog.Logger, alert *models.Alert, result *models.QueryResult) (bool, error) {
	switch alert.Condition {
	case models.AlertConditionRows:
		if result.Empty() {
			if !alert.SkipIfEmpty {
				log.Warn("rows alert evaluated against empty result", "alert_id", alert.ID, "query_id", alert.QueryID)
			}
			return false, nil
		}
		return true, nil
	case models.AlertConditionGoal:
		if result == nil || result.Metric == nil || result.Goal == nil {
			return false, fmt.Errorf("%w: goal condition needs metric and goal", ErrUnevaluableResult)
		}
		if alert.AboveGoal == nil {
			return false, fmt.Errorf("%w: goal alert missing above_goal direction", ErrUnevaluableResult)
		}
		if *alert.AboveGoal {
			return *result.Metric >= *result.Goal, nil
		}
		return *result.Metric < *result.Goal, nil
	default:
		return false, fmt.Errorf("unsupported alert condition %q", alert.Condition)
	}
}
