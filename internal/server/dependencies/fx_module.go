package dependencies

import (
	"context"

	"github.com/zhenzou/executors"
	"go.uber.org/fx"

	"github.com/formahq/forma/internal/log"
	"github.com/formahq/forma/internal/pkg/xcache"
	"github.com/formahq/forma/internal/server/db"
	"github.com/formahq/forma/internal/store"
	"github.com/formahq/forma/internal/store/memstore"
)

var Module = fx.Module("dependencies",
	fx.Provide(log.New),
	fx.Provide(db.NewStore),
	fx.Provide(NewExecutors),
	fx.Provide(func(s *memstore.Store) store.ConfigStore { return s }),
	fx.Provide(func(s *memstore.Store) store.DirectoryStore { return s }),
	fx.Provide(func(s *memstore.Store) store.RecordStore { return s }),
	fx.Provide(func(s *memstore.Store) store.CompiledStore { return s }),
	fx.Provide(func(s *memstore.Store) store.ApprovalStore { return s }),
	fx.Provide(func(s *memstore.Store) store.DecisionSink { return s }),
	fx.Provide(func(cfg xcache.Config) xcache.Cache[store.EntitlementSnapshot] {
		return xcache.NewFromConfig[store.EntitlementSnapshot](cfg)
	}),
	fx.Invoke(func(lc fx.Lifecycle, executor executors.ScheduledExecutor) {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				return executor.Shutdown(ctx)
			},
		})
	}),
)
