// Package transports imports all built-in transports for auto-registration.
// Import this package to have every scheme registered with the default registry.
package transports

import (
	// Import all transports for side-effect registration
	_ "github.com/qz267/smockron/transport/channel"
	_ "github.com/qz267/smockron/transport/jetstream"
	_ "github.com/qz267/smockron/transport/kafka"
	_ "github.com/qz267/smockron/transport/nats"
	_ "github.com/qz267/smockron/transport/rabbitmq"
	_ "github.com/qz267/smockron/transport/redis"
	_ "github.com/qz267/smockron/transport/zeromq"
)
