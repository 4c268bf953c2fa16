package api

import (
	"go.uber.org/fx"
)

var Module = fx.Module("api",
	fx.Provide(NewSchemaHandlers),
	fx.Provide(NewPermissionHandlers),
	fx.Provide(NewLifecycleHandlers),
	fx.Provide(NewApprovalHandlers),
	fx.Provide(NewEntitlementHandlers),
	fx.Provide(NewSystemHandlers),
)
