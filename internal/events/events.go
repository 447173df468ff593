// Package events publishes served predictions to an MQTT broker.
package events

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

type Event struct {
	ID         string    `json:"id"`
	Class      string    `json:"class"`
	Confidence float32   `json:"confidence"`
	Filename   string    `json:"filename"`
	At         time.Time `json:"at"`
}

type Publisher interface {
	Publish(e Event)
	Close()
}

// Nop drops every event. It is used when no broker is configured.
type Nop struct{}

func (Nop) Publish(Event) {}
func (Nop) Close()        {}

type MQTTPublisher struct {
	client mqtt.Client
	topic  string
}

// NewMQTTPublisher connects to broker and returns a publisher on topic.
func NewMQTTPublisher(broker, topic, clientID string) (*MQTTPublisher, error) {
	if clientID == "" {
		clientID = "waste-classifier-" + uuid.New().String()
	}
	log.Println("Connecting to MQTT", broker, "with client ID:", clientID)

	opts := mqtt.NewClientOptions().AddBroker(broker).SetClientID(clientID)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetAutoReconnect(true)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker %s: %w", broker, token.Error())
	}
	return newMQTTPublisher(client, topic), nil
}

func newMQTTPublisher(client mqtt.Client, topic string) *MQTTPublisher {
	return &MQTTPublisher{client: client, topic: topic}
}

// Publish sends e with QoS 0 and does not wait for delivery.
func (p *MQTTPublisher) Publish(e Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		log.Printf("[%s] Failed to encode prediction event: %v", e.ID, err)
		return
	}
	token := p.client.Publish(p.topic, 0, false, payload)
	go func() {
		if token.Wait() && token.Error() != nil {
			log.Printf("[%s] Failed to publish prediction event: %v", e.ID, token.Error())
		}
	}()
}

func (p *MQTTPublisher) Close() {
	p.client.Disconnect(250)
}
