package biz

import (
	"context"

	"go.uber.org/fx"
)

var Module = fx.Module("biz",
	fx.Provide(NewSchemaService),
	fx.Provide(NewEntitlementService),
	fx.Provide(NewPolicyService),
	fx.Provide(NewApprovalService),
	fx.Provide(NewLifecycleService),
	fx.Provide(NewAsyncDecisionLogger),
	fx.Provide(func(logger *AsyncDecisionLogger) DecisionLogger { return logger }),
	fx.Invoke(func(lc fx.Lifecycle, logger *AsyncDecisionLogger) {
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				return logger.Start(ctx)
			},
			OnStop: func(ctx context.Context) error {
				return logger.Stop(ctx)
			},
		})
	}),
	fx.Invoke(func(lc fx.Lifecycle, svc *ApprovalService) {
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				return svc.Start(ctx)
			},
			OnStop: func(ctx context.Context) error {
				return svc.Stop(ctx)
			},
		})
	}),
)
