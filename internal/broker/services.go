package broker

import "go.uber.org/zap"

// Services groups the collaborators shared by the broker's middleware and handlers.
type Services struct {
	Clock   Clock
	Logger  *zap.Logger
	Metrics MetricsRecorder
}

func (services Services) withDefaults() Services {
	if services.Clock == nil {
		services.Clock = NewSystemClock()
	}
	if services.Logger == nil {
		services.Logger = zap.NewNop()
	}
	if services.Metrics == nil {
		services.Metrics = noopMetrics{}
	}
	return services
}
