// Package telemetry mirrors the controller's callback surface into
// Redis using an HSet-plus-Publish pipeline. It stands in for a bridge
// to managed hosts: it mirrors live field values, never a transaction
// log, and is wholly optional — the CLI only builds one when a Redis
// address is configured.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gaskitlink/dispenser-controller/pkg/controller"
	"github.com/gaskitlink/dispenser-controller/pkg/protocol"
)

// Redis keys the sink writes to.
const (
	KeyDispenserStatus = "dispenser:status"
	KeyDispenserFuel   = "dispenser:fuel"
	KeyDispenserTxn    = "dispenser:transaction"
	KeyDispenserError  = "dispenser:error"
	KeyDispenserLog    = "dispenser:log"
)

// Sink publishes controller callback events to Redis hash fields and
// pub/sub channels.
type Sink struct {
	client *redis.Client
	ctx    context.Context
}

// NewSink connects to addr and verifies reachability with a Ping.
func NewSink(addr, password string, db int) (*Sink, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
	}

	return &Sink{client: client, ctx: ctx}, nil
}

// Close releases the underlying Redis connection.
func (s *Sink) Close() error {
	return s.client.Close()
}

func (s *Sink) writeAndPublish(key, field, value string) {
	pipe := s.client.Pipeline()
	pipe.HSet(s.ctx, key, field, value)
	pipe.Publish(s.ctx, key, fmt.Sprintf("%s:%s", field, value))
	pipe.Exec(s.ctx)
}

// Attach registers every callback on c to mirror into Redis,
// replacing any callbacks already registered on c. Errors
// from the Redis client are swallowed here: a telemetry sink failure
// should not disturb the polling worker.
func (s *Sink) Attach(c *controller.Controller) {
	c.OnStatusChange(func(state protocol.HardwareState, nozzle int) {
		s.writeAndPublish(KeyDispenserStatus, "state", state.String())
		s.writeAndPublish(KeyDispenserStatus, "nozzle", fmt.Sprintf("%d", nozzle))
	})

	c.OnFuelData(func(liters, money float64) {
		s.writeAndPublish(KeyDispenserFuel, "liters", fmt.Sprintf("%.2f", liters))
		s.writeAndPublish(KeyDispenserFuel, "money", fmt.Sprintf("%.2f", money))
	})

	c.OnTransactionComplete(func(liters, money, price float64) {
		s.writeAndPublish(KeyDispenserTxn, "liters", fmt.Sprintf("%.2f", liters))
		s.writeAndPublish(KeyDispenserTxn, "money", fmt.Sprintf("%.2f", money))
		s.writeAndPublish(KeyDispenserTxn, "price", fmt.Sprintf("%.2f", price))
		s.writeAndPublish(KeyDispenserTxn, "timestamp", time.Now().Format(time.RFC3339))
	})

	c.OnError(func(message string) {
		s.writeAndPublish(KeyDispenserError, "message", message)
	})

	c.OnLog(func(message string, isSent bool) {
		direction := "rx"
		if isSent {
			direction = "tx"
		}
		s.writeAndPublish(KeyDispenserLog, direction, message)
	})
}
