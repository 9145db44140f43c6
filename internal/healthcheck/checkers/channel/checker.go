package channelchecker

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/rtfdeamon/sitellm-vertebro-sub001/internal/channel"
	"github.com/rtfdeamon/sitellm-vertebro-sub001/internal/healthcheck"
)

const checkTypeChannelConnection = "channel.connection"

// ConnectionObserver reads runtime channel connection statuses.
type ConnectionObserver interface {
	StatusesByProject(project string) []channel.ConnectionStatus
}

// Checker evaluates channel connection health checks.
type Checker struct {
	logger   *slog.Logger
	observer ConnectionObserver
}

// NewChecker creates a channel health checker.
func NewChecker(log *slog.Logger, observer ConnectionObserver) *Checker {
	if log == nil {
		log = slog.Default()
	}
	return &Checker{
		logger:   log.With(slog.String("checker", "healthcheck_channel")),
		observer: observer,
	}
}

// ListChecks evaluates channel connection statuses for a project.
func (c *Checker) ListChecks(ctx context.Context, project string) []healthcheck.CheckResult {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return []healthcheck.CheckResult{}
	}
	project = strings.TrimSpace(project)
	if project == "" {
		return []healthcheck.CheckResult{}
	}
	if c.observer == nil {
		c.logger.Warn("channel healthcheck dependency is unavailable", slog.String("project", project))
		return []healthcheck.CheckResult{
			{
				ID:      checkTypeChannelConnection + ".service",
				Type:    checkTypeChannelConnection,
				Status:  healthcheck.StatusWarn,
				Summary: "Channel checker service is not available.",
				Detail:  "connection observer is nil",
			},
		}
	}

	statuses := c.observer.StatusesByProject(project)
	if len(statuses) == 0 {
		return []healthcheck.CheckResult{}
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].ChannelType < statuses[j].ChannelType })

	checks := make([]healthcheck.CheckResult, 0, len(statuses))
	for _, status := range statuses {
		channelType := strings.TrimSpace(status.ChannelType.String())
		if channelType == "" {
			channelType = "unknown"
		}
		item := healthcheck.CheckResult{
			ID:       checkTypeChannelConnection + "." + channelType,
			Type:     checkTypeChannelConnection,
			Subtitle: project + " / " + channelType,
			Status:   healthcheck.StatusError,
			Summary:  fmt.Sprintf("Channel %s is not polling.", channelType),
			Metadata: map[string]any{
				"project":      project,
				"channel_type": channelType,
				"running":      status.Running,
				"state":        string(status.State),
			},
		}
		if !status.UpdatedAt.IsZero() {
			item.Metadata["updated_at"] = status.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z")
		}
		lastError := strings.TrimSpace(status.LastError)
		switch {
		case status.Running && lastError != "":
			// Polling continues, but the last cycle recorded a failure.
			item.Status = healthcheck.StatusWarn
			item.Summary = fmt.Sprintf("Channel %s is polling with errors.", channelType)
			item.Detail = lastError
		case status.Running:
			item.Status = healthcheck.StatusOK
			item.Summary = fmt.Sprintf("Channel %s is polling.", channelType)
		case lastError != "":
			item.Summary = fmt.Sprintf("Channel %s failed.", channelType)
			item.Detail = lastError
		case status.State == channel.RunnerStopped:
			// Configured with auto-start off.
			item.Status = healthcheck.StatusOK
			item.Summary = fmt.Sprintf("Channel %s is idle.", channelType)
		}
		checks = append(checks, item)
	}
	return checks
}
