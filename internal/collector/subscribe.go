// MeshWatch - Mesh Radio Telemetry Ingestion and Analytics
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/meshwatch/meshwatch

package collector

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/meshwatch/meshwatch/internal/logging"
	"github.com/meshwatch/meshwatch/internal/metrics"
	"github.com/meshwatch/meshwatch/internal/models"
	"github.com/meshwatch/meshwatch/internal/protocol"
)

const (
	reconnectDelay = 10 * time.Second
	connectTimeout = 15 * time.Second
)

// subscribeCollector maintains a persistent MQTT subscription for one
// source and converts every message, JSON or binary envelope, into
// canonical rows. Connection errors are recorded on the source and the
// collector reconnects after a fixed delay, forever, until stopped.
type subscribeCollector struct {
	gw   Gateway
	src  models.Source
	keys *keyCache

	mu        sync.Mutex
	phase     string
	lastError string
	handled   atomic.Int64

	cancel   context.CancelFunc
	stopChan chan struct{}
	lostChan chan error
	wg       sync.WaitGroup
}

func newSubscribeCollector(gw Gateway, src *models.Source) *subscribeCollector {
	return &subscribeCollector{
		gw:       gw,
		src:      *src,
		keys:     newKeyCache(gw, src.ID),
		phase:    PhaseStopped,
		stopChan: make(chan struct{}),
		lostChan: make(chan error, 1),
	}
}

func (c *subscribeCollector) Start(ctx context.Context) error {
	if c.src.Topic == "" {
		return fmt.Errorf("subscribe source %q has no topic", c.src.Name)
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go c.run(ctx)
	return nil
}

func (c *subscribeCollector) Stop() error {
	close(c.stopChan)
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.setPhase(PhaseStopped)
	return nil
}

func (c *subscribeCollector) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		SourceID:   c.src.ID,
		SourceName: c.src.Name,
		Kind:       models.SourceKindSubscribe,
		Phase:      c.phase,
		Progress:   c.handled.Load(),
		LastError:  c.lastError,
	}
}

func (c *subscribeCollector) TriggerSync() error {
	return fmt.Errorf("subscribe collectors ingest continuously; nothing to sync")
}

func (c *subscribeCollector) TriggerHistorical() error {
	return fmt.Errorf("subscribe sources have no historical API")
}

func (c *subscribeCollector) setPhase(phase string) {
	c.mu.Lock()
	c.phase = phase
	c.mu.Unlock()
}

func (c *subscribeCollector) setError(err error) {
	c.mu.Lock()
	if err != nil {
		c.lastError = err.Error()
	} else {
		c.lastError = ""
	}
	c.mu.Unlock()
	recordError(context.Background(), c.gw, c.src.ID, err)
}

// run is the reconnect loop: connect, subscribe, wait for loss or
// stop, tear down, delay, repeat.
func (c *subscribeCollector) run(ctx context.Context) {
	defer c.wg.Done()

	for {
		select {
		case <-c.stopChan:
			return
		default:
		}

		// Drain any loss event left over from the previous session.
		select {
		case <-c.lostChan:
		default:
		}

		c.setPhase(PhaseConnecting)
		client, err := c.connect(ctx)
		if err != nil {
			c.setError(err)
			metrics.MQTTReconnects.WithLabelValues(c.src.Name).Inc()
			logging.Warn().Err(err).Str("source", c.src.Name).Msg("MQTT connect failed, retrying")
			if !c.sleepOrStop(reconnectDelay) {
				return
			}
			continue
		}

		c.setPhase(PhaseSubscribed)
		c.setError(nil)
		metrics.SetMQTTConnected(c.src.Name, true)
		logging.Info().Str("source", c.src.Name).Str("topic", c.src.Topic).Msg("Subscribed")

		select {
		case <-c.stopChan:
			client.Unsubscribe(c.src.Topic)
			client.Disconnect(250)
			metrics.SetMQTTConnected(c.src.Name, false)
			return
		case err := <-c.lostChan:
			metrics.SetMQTTConnected(c.src.Name, false)
			metrics.MQTTReconnects.WithLabelValues(c.src.Name).Inc()
			c.setError(err)
			client.Disconnect(250)
			logging.Warn().Err(err).Str("source", c.src.Name).Msg("MQTT connection lost, reconnecting")
			if !c.sleepOrStop(reconnectDelay) {
				return
			}
		}
	}
}

func (c *subscribeCollector) sleepOrStop(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-c.stopChan:
		return false
	}
}

// connect builds a client, connects and subscribes. Reconnection is
// owned by run, not by paho, so a lost connection always flows through
// the same recorded-error path.
func (c *subscribeCollector) connect(ctx context.Context) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(c.src.Broker).
		SetClientID(fmt.Sprintf("meshwatch-%d-%s", c.src.ID, uuid.NewString()[:8])).
		SetUsername(c.src.Username).
		SetPassword(c.src.Password).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetKeepAlive(60 * time.Second).
		SetPingTimeout(30 * time.Second).
		SetConnectTimeout(connectTimeout).
		SetOrderMatters(false).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			select {
			case c.lostChan <- err:
			default:
			}
		})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		client.Disconnect(0)
		return nil, fmt.Errorf("connect to %s: timeout", c.src.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", c.src.Broker, err)
	}

	handler := func(_ mqtt.Client, msg mqtt.Message) {
		c.handleMessage(ctx, msg.Topic(), msg.Payload())
	}
	sub := client.Subscribe(c.src.Topic, 0, handler)
	if !sub.WaitTimeout(connectTimeout) {
		client.Disconnect(250)
		return nil, fmt.Errorf("subscribe %s: timeout", c.src.Topic)
	}
	if err := sub.Error(); err != nil {
		client.Disconnect(250)
		return nil, fmt.Errorf("subscribe %s: %w", c.src.Topic, err)
	}
	return client, nil
}

// handleMessage normalizes one bus message. JSON is tried first; on
// decode failure the payload is treated as a binary envelope. Failures
// are dropped at debug level so one bad packet never stops the loop.
func (c *subscribeCollector) handleMessage(ctx context.Context, topic string, payload []byte) {
	defer c.handled.Add(1)

	channelName, gatewayNum := parseTopic(topic)
	if channelName != "" {
		if err := c.gw.RegisterChannel(ctx, c.src.ID, channelName); err != nil {
			logging.Debug().Err(err).Str("channel", channelName).Msg("Channel registration failed")
		}
	}

	if len(payload) > 0 && payload[0] == '{' {
		if err := c.handleJSON(ctx, payload, channelName, gatewayNum); err == nil {
			metrics.MQTTMessagesReceived.WithLabelValues(c.src.Name, "json").Inc()
			return
		} else {
			logging.Debug().Err(err).Str("source", c.src.Name).Msg("JSON message dropped")
		}
	}

	metrics.MQTTMessagesReceived.WithLabelValues(c.src.Name, "protobuf").Inc()
	c.handleBinary(ctx, payload, channelName, gatewayNum)
}

func (c *subscribeCollector) handleBinary(ctx context.Context, payload []byte, channelName string, gatewayNum uint32) {
	pkt, err := protocol.DecodeEnvelope(payload)
	if err != nil {
		metrics.DecodeFailures.WithLabelValues(c.src.Name, "envelope").Inc()
		logging.Debug().Err(err).Str("source", c.src.Name).Msg("Envelope decode failed")
		return
	}
	if gatewayNum == 0 && pkt.GatewayID != "" {
		gatewayNum = parseNodeID(pkt.GatewayID)
	}
	if channelName == "" {
		channelName = pkt.ChannelID
	}

	if pkt.Payload == nil {
		if len(pkt.Encrypted) == 0 {
			metrics.DecodeFailures.WithLabelValues(c.src.Name, "payload").Inc()
			return
		}
		data, _ := protocol.DecryptPayload(pkt.Encrypted, pkt.ID, pkt.From, c.keys.Keys(ctx))
		if data == nil {
			metrics.DecodeFailures.WithLabelValues(c.src.Name, "decrypt").Inc()
			logging.Debug().Str("source", c.src.Name).Uint32("from", pkt.From).Msg("No candidate key decrypted packet")
			return
		}
		pkt.Payload = data
	}

	dec := protocol.DecodePayload(pkt.Payload)
	metrics.PacketsDecoded.WithLabelValues(c.src.Name, dec.Kind.String()).Inc()

	if err := handleDecoded(ctx, c.gw, &c.src, pkt, dec, channelName, gatewayNum); err != nil {
		logging.Debug().Err(err).Str("source", c.src.Name).Str("kind", dec.Kind.String()).Msg("Packet handling failed")
	}
}
