// Package mqtt bridges build status events onto an MQTT broker so lab
// infrastructure (displays, notifiers) can follow builds without polling
// the API. Strictly fire and forget.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"forgeos.build/internal/core/logger"
	"forgeos.build/internal/core/ports"
)

type Publisher struct {
	client mqtt.Client
	pubsub ports.StatusPubSub
	prefix string
	log    *slog.Logger
}

func NewPublisher(pubsub ports.StatusPubSub, brokerURL string) (*Publisher, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL)
	opts.SetClientID(fmt.Sprintf("forged-%d", time.Now().UnixNano()))
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetAutoReconnect(true)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}

	log := logger.Component("mqtt")
	log.Info("connected to MQTT broker", "broker", brokerURL)
	return &Publisher{
		client: client,
		pubsub: pubsub,
		prefix: "forged",
		log:    log,
	}, nil
}

// Start launches the event consumer.
func (p *Publisher) Start(ctx context.Context) {
	go p.consumeEvents(ctx)
}

// consumeEvents mirrors every status event to a per-request topic and a
// global firehose topic. QoS 0 throughout; losing an event only costs a
// display update.
func (p *Publisher) consumeEvents(ctx context.Context) {
	ch, err := p.pubsub.SubscribeStatus(ctx)
	if err != nil {
		p.log.Error("status subscription failed", "error", err)
		return
	}

	p.log.Info("status consumer started")

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}

			payload, err := json.Marshal(event)
			if err != nil {
				continue
			}

			p.client.Publish(fmt.Sprintf("%s/requests/%s", p.prefix, event.RequestID), 0, false, payload)
			p.client.Publish(fmt.Sprintf("%s/events", p.prefix), 0, false, payload)
		}
	}
}

func (p *Publisher) Close() {
	p.client.Disconnect(250)
}
