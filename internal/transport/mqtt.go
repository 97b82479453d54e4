package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// MQTTConfig configures the connection to the mesh bridge daemon.
type MQTTConfig struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	BaseTopic      string        // topic prefix, default "mesh"
	QoS            byte          // default 1
	RequestTimeout time.Duration // per-RPC reply timeout, default 10s
}

// MQTT is a Transport speaking JSON-RPC-over-MQTT to an external bridge
// daemon that owns the BLE radio and all mesh cryptography.
//
// Requests go to <base>/rpc/<method>, replies arrive on <base>/reply/<id>,
// and unsolicited bridge notifications on <base>/events.
type MQTT struct {
	client mqtt.Client
	cfg    MQTTConfig
	bus    *EventBus
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]chan rpcReply
}

var _ Transport = (*MQTT)(nil)

type rpcRequest struct {
	ID     string `json:"id"`
	Params any    `json:"params,omitempty"`
}

type rpcReply struct {
	ID      string          `json:"id"`
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
}

// NewMQTT connects to the broker and subscribes to the bridge's reply and
// event topics. The connection auto-reconnects; subscriptions are restored
// on every (re)connect.
func NewMQTT(cfg MQTTConfig, logger *slog.Logger) (*MQTT, error) {
	if cfg.BaseTopic == "" {
		cfg.BaseTopic = "mesh"
	}
	if cfg.QoS == 0 {
		cfg.QoS = 1
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "meshflow-" + uuid.New().String()[:8]
	}

	t := &MQTT{
		cfg:     cfg,
		bus:     NewEventBus(),
		logger:  logger,
		pending: make(map[string]chan rpcReply),
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetOrderMatters(false)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("bridge connection lost", slog.String("error", err.Error()))
	})
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		logger.Info("connected to mesh bridge", slog.String("broker", cfg.Broker))
		if tok := c.Subscribe(cfg.BaseTopic+"/reply/+", cfg.QoS, t.onReply); tok.Wait() && tok.Error() != nil {
			logger.Error("subscribe replies", slog.String("error", tok.Error().Error()))
		}
		if tok := c.Subscribe(cfg.BaseTopic+"/events", cfg.QoS, t.onEvent); tok.Wait() && tok.Error() != nil {
			logger.Error("subscribe events", slog.String("error", tok.Error().Error()))
		}
	})

	t.client = mqtt.NewClient(opts)
	if tok := t.client.Connect(); tok.Wait() && tok.Error() != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", cfg.Broker, tok.Error())
	}
	return t, nil
}

func (t *MQTT) onReply(_ mqtt.Client, msg mqtt.Message) {
	var reply rpcReply
	if err := json.Unmarshal(msg.Payload(), &reply); err != nil {
		t.logger.Error("malformed bridge reply", slog.String("error", err.Error()))
		return
	}

	t.mu.Lock()
	ch, ok := t.pending[reply.ID]
	t.mu.Unlock()
	if !ok {
		// Late reply for a caller that already gave up.
		return
	}
	select {
	case ch <- reply:
	default:
	}
}

func (t *MQTT) onEvent(_ mqtt.Client, msg mqtt.Message) {
	var ev Event
	if err := json.Unmarshal(msg.Payload(), &ev); err != nil {
		t.logger.Error("malformed bridge event", slog.String("error", err.Error()))
		return
	}
	t.bus.Publish(ev)
}

// call performs one RPC round trip. result, when non-nil, receives the
// decoded reply payload.
func (t *MQTT) call(ctx context.Context, method string, params, result any) error {
	id := uuid.New().String()
	ch := make(chan rpcReply, 1)

	t.mu.Lock()
	t.pending[id] = ch
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
	}()

	body, err := json.Marshal(rpcRequest{ID: id, Params: params})
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", method, err)
	}
	if tok := t.client.Publish(t.cfg.BaseTopic+"/rpc/"+method, t.cfg.QoS, false, body); tok.Wait() && tok.Error() != nil {
		return fmt.Errorf("publish %s: %w", method, tok.Error())
	}

	timer := time.NewTimer(t.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case reply := <-ch:
		if !reply.Success {
			return fmt.Errorf("bridge %s: %s", method, reply.Error)
		}
		if result != nil && len(reply.Result) > 0 {
			if err := json.Unmarshal(reply.Result, result); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("bridge %s: no reply within %s", method, t.cfg.RequestTimeout)
	}
}

func (t *MQTT) SendCommand(ctx context.Context, target uint16, payload []byte, transition time.Duration) (*Response, error) {
	params := struct {
		Target       uint16 `json:"target"`
		Payload      []byte `json:"payload"`
		TransitionMs int64  `json:"transition_ms,omitempty"`
	}{target, payload, transition.Milliseconds()}

	var resp *Response
	if err := t.call(ctx, "command", params, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (t *MQTT) StartProvisioning(ctx context.Context, device Device, cfg ProvisionConfig) (*ProvisionResult, error) {
	params := struct {
		Device Device          `json:"device"`
		Config ProvisionConfig `json:"config"`
	}{device, cfg}

	var res ProvisionResult
	if err := t.call(ctx, "provision", params, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (t *MQTT) CancelProvisioning(ctx context.Context) error {
	return t.call(ctx, "provision/cancel", nil, nil)
}

func (t *MQTT) RemoteScan(ctx context.Context, via uint16, timeout time.Duration) ([]Device, error) {
	params := struct {
		Via       uint16 `json:"via"`
		TimeoutMs int64  `json:"timeout_ms"`
	}{via, timeout.Milliseconds()}

	var devices []Device
	if err := t.call(ctx, "remote/scan", params, &devices); err != nil {
		return nil, err
	}
	return devices, nil
}

func (t *MQTT) StartRemoteProvisioning(ctx context.Context, via uint16, device Device, cfg ProvisionConfig) (*ProvisionResult, error) {
	params := struct {
		Via    uint16          `json:"via"`
		Device Device          `json:"device"`
		Config ProvisionConfig `json:"config"`
	}{via, device, cfg}

	var res ProvisionResult
	if err := t.call(ctx, "remote/provision", params, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (t *MQTT) StartFirmwareUpdate(ctx context.Context, cfg FirmwareConfig) error {
	return t.call(ctx, "firmware/start", cfg, nil)
}

func (t *MQTT) CancelFirmwareUpdate(ctx context.Context, node uint16) error {
	params := struct {
		Node uint16 `json:"node"`
	}{node}
	return t.call(ctx, "firmware/cancel", params, nil)
}

func (t *MQTT) FirmwareVersion(ctx context.Context, node uint16) (string, error) {
	params := struct {
		Node uint16 `json:"node"`
	}{node}

	var res struct {
		Version string `json:"version"`
	}
	if err := t.call(ctx, "firmware/version", params, &res); err != nil {
		return "", err
	}
	return res.Version, nil
}

func (t *MQTT) VerifyFirmware(ctx context.Context, node uint16, version string) (bool, error) {
	params := struct {
		Node    uint16 `json:"node"`
		Version string `json:"version"`
	}{node, version}

	var res struct {
		Valid bool `json:"valid"`
	}
	if err := t.call(ctx, "firmware/verify", params, &res); err != nil {
		return false, err
	}
	return res.Valid, nil
}

func (t *MQTT) BluetoothEnabled(ctx context.Context) (bool, error) {
	var res struct {
		Enabled bool `json:"enabled"`
	}
	if err := t.call(ctx, "radio/status", nil, &res); err != nil {
		return false, err
	}
	return res.Enabled, nil
}

func (t *MQTT) RequestBluetoothPermission(ctx context.Context) (bool, error) {
	var res struct {
		Granted bool `json:"granted"`
	}
	if err := t.call(ctx, "radio/enable", nil, &res); err != nil {
		return false, err
	}
	return res.Granted, nil
}

func (t *MQTT) LoadNetwork(ctx context.Context, state []byte) error {
	params := struct {
		State []byte `json:"state"`
	}{state}
	return t.call(ctx, "network/load", params, nil)
}

func (t *MQTT) Subscribe(correlation string, kinds ...EventKind) *Subscription {
	return t.bus.Subscribe(correlation, kinds...)
}

// Bus exposes the event bus carrying bridge notifications so other
// components can fan out on the same stream.
func (t *MQTT) Bus() *EventBus {
	return t.bus
}

func (t *MQTT) Close() error {
	t.client.Unsubscribe(t.cfg.BaseTopic+"/reply/+", t.cfg.BaseTopic+"/events")
	t.client.Disconnect(250)
	return nil
}
