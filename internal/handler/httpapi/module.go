package httpapi

import (
	"go.uber.org/fx"

	"github.com/nodebooks/kernel/internal/handler/lp"
	wshandler "github.com/nodebooks/kernel/internal/handler/ws"
)

// [HTTP_PLANE] ROUTER PLUS THE TRANSPORT BRIDGES IT MOUNTS
var Module = fx.Module("httpapi",
	fx.Provide(
		wshandler.NewWSHandler,
		lp.NewLPHandler,
		New,
	),
)
