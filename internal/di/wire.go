//go:build wireinject
// +build wireinject

package di

import (
	"QuantLab/pkg/config"
	"QuantLab/pkg/server"

	"github.com/google/wire"
)

// InitializeApp wires up all dependencies and returns the application with
// a cleanup that closes the infrastructure clients.
func InitializeApp(cfg *config.Config) (*server.App, func(), error) {
	wire.Build(
		// Infrastructure clients
		ProvideRegistry,
		ProvideMetrics,
		ProvideKafkaProducer,
		ProvideLogger,
		ProvideClickHouseClient,
		ProvideRedisClient,

		// Repositories
		ProvideBarStore,
		ProvideResultSink,
		ProvideEventPublisher,
		ProvideReportCache,

		// Domain services
		ProvideRegimeScorer,
		ProvideKillSwitch,
		ProvideStreamHub,
		ProvideDeps,

		// Use cases
		ProvideWalkForward,
		ProvideQueue,

		// Application server
		ProvideHandler,
		ProvideApp,
	)
	return nil, nil, nil
}
