// Package transport connects the runtime configuration to the modular
// transport registry in github.com/qz267/smockron/transport.
package transport

import (
	newtransport "github.com/qz267/smockron/transport"
)

// Capabilities is an alias for the modular transport Capabilities.
type Capabilities = newtransport.Capabilities

// Transport is an alias for the modular publisher/subscriber pair.
type Transport = newtransport.Transport

// GetCapabilities returns the capabilities registered for a scheme.
func GetCapabilities(scheme string) Capabilities {
	return newtransport.GetCapabilities(scheme)
}
