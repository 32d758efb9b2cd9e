package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/openctemio/orchestrator/pkg/domain/shared"
)

// Standard five-field expressions plus @daily style descriptors.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCron validates expr and returns its schedule.
func ParseCron(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, shared.NewValidationError("cron expression is required")
	}
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, shared.NewDomainError("VALIDATION", fmt.Sprintf("invalid cron expression %q", expr), fmt.Errorf("%w: %v", shared.ErrValidation, err))
	}
	return sched, nil
}

// NextAfter returns the first activation of expr strictly after ref, in UTC.
func NextAfter(expr string, ref time.Time) (time.Time, error) {
	sched, err := ParseCron(expr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(ref.UTC()), nil
}
