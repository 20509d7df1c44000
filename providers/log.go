package providers

import (
	"context"

	"github.com/penserai/acteon/domain"
	"github.com/penserai/acteon/infrastructure/logging"
)

// LogProvider records the action to the structured logger and always
// succeeds. Used for local development and for actions whose only
// purpose is to land in the audit trail.
type LogProvider struct {
	logger *logging.Logger
}

// NewLogProvider builds a LogProvider.
func NewLogProvider(logger *logging.Logger) *LogProvider {
	return &LogProvider{logger: logger}
}

func (l *LogProvider) Execute(ctx context.Context, action domain.Action) (Response, error) {
	if l.logger != nil {
		l.logger.Info(ctx, "log provider executed action", map[string]interface{}{
			"action_type": action.ActionType,
			"namespace":   action.Namespace,
			"tenant":      action.Tenant,
		})
	}
	return Response{StatusCode: 200}, nil
}
