// Package all registers every broker with the default registry.
package all

import (
	_ "github.com/truenas/middleware-sub000/broker/amqp"
	_ "github.com/truenas/middleware-sub000/broker/aws"
	_ "github.com/truenas/middleware-sub000/broker/channel"
	_ "github.com/truenas/middleware-sub000/broker/kafka"
	_ "github.com/truenas/middleware-sub000/broker/nats"
	_ "github.com/truenas/middleware-sub000/broker/webhook"
)
