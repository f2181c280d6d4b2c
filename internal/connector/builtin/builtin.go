// Package builtin registers the default connector set. Registration is
// explicit and happens once at runtime initialization; there are no
// import-side-effect registrations anywhere in the module.
package builtin

import (
	"github.com/krawall/krawall/connector-runtime/internal/connector"
	"github.com/krawall/krawall/connector-runtime/internal/connector/browserws"
	"github.com/krawall/krawall/connector-runtime/internal/connector/grpcconn"
	"github.com/krawall/krawall/connector-runtime/internal/connector/httpconn"
	"github.com/krawall/krawall/connector-runtime/internal/connector/sseconn"
	"github.com/krawall/krawall/connector-runtime/internal/connector/wsconn"
	"github.com/krawall/krawall/connector-runtime/pkg/models"
)

// NewRegistry builds a registry whose built-in factories are registered
// lazily on first use.
func NewRegistry(deps connector.Deps) *connector.Registry {
	return connector.NewRegistry(deps, Register)
}

// Register installs the five built-in connector kinds.
func Register(r *connector.Registry) {
	r.Register(models.ConnectorHTTP, httpconn.Factory)
	r.Register(models.ConnectorWS, wsconn.Factory)
	r.Register(models.ConnectorSSE, sseconn.Factory)
	r.Register(models.ConnectorGRPC, grpcconn.Factory)
	r.Register(models.ConnectorBrowserWS, browserws.Factory)
}
