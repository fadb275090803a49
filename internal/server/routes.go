package server

import (
	"github.com/danielgtaylor/huma/v2"

	v1 "github.com/gosuda/salient/internal/api/v1"
)

func registerAPIRoutes(api huma.API, dispatcher v1.Dispatcher) {
	v1.RegisterCommandRoutes(api, dispatcher)
	v1.RegisterSessionRoutes(api, dispatcher)
}
