package healthcheck

import "context"

// Combined runs several checkers in order and concatenates their results.
type Combined struct {
	checkers []Checker
}

// NewCombined skips nil checkers.
func NewCombined(checkers ...Checker) *Combined {
	items := make([]Checker, 0, len(checkers))
	for _, c := range checkers {
		if c != nil {
			items = append(items, c)
		}
	}
	return &Combined{checkers: items}
}

func (c *Combined) ListChecks(ctx context.Context, project string) []CheckResult {
	if c == nil {
		return []CheckResult{}
	}
	result := make([]CheckResult, 0)
	for _, checker := range c.checkers {
		if ctx.Err() != nil {
			break
		}
		result = append(result, checker.ListChecks(ctx, project)...)
	}
	return result
}

// Overall reduces results to the worst status. No results is unknown.
func Overall(items []CheckResult) string {
	if len(items) == 0 {
		return StatusUnknown
	}
	worst := StatusOK
	for _, item := range items {
		if severity(item.Status) > severity(worst) {
			worst = item.Status
		}
	}
	return worst
}

func severity(status string) int {
	switch status {
	case StatusOK:
		return 0
	case StatusUnknown:
		return 1
	case StatusWarn:
		return 2
	default:
		return 3
	}
}
