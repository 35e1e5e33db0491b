package exec

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

const mqttWaitTimeout = 10 * time.Second

// MQTTConfig configures the MQTT bridge.
type MQTTConfig struct {
	Broker   string
	ClientID string
	// Prefix roots every topic; requests go to <prefix>/<platform>/request
	// and replies arrive on <prefix>/reply/<client id>.
	Prefix string
	// Timeout bounds the wait for a reply when ctx has no deadline.
	Timeout time.Duration
}

// mqttConn is the subset of paho.Client the bridge uses.
type mqttConn interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
	Disconnect(quiesce uint)
}

// ConnectTimeoutError indicates connection timed out.
type ConnectTimeoutError struct {
	Broker string
}

func (e *ConnectTimeoutError) Error() string {
	return "mqtt connect timeout: " + e.Broker
}

// MQTTExecutor forwards calls to platform bridges over MQTT and correlates
// replies by request id.
type MQTTExecutor struct {
	conn       mqttConn
	cfg        MQTTConfig
	replyTopic string

	mu      sync.Mutex
	pending map[string]chan reply
}

type mqttRequest struct {
	ID       string         `json:"id"`
	ReplyTo  string         `json:"reply_to"`
	Platform string         `json:"platform"`
	Command  string         `json:"command"`
	Args     map[string]any `json:"args,omitempty"`
}

// DialMQTT connects to the broker and subscribes to the reply topic.
func DialMQTT(cfg MQTTConfig) (*MQTTExecutor, error) {
	if cfg.ClientID == "" {
		cfg.ClientID = "narrate-" + uuid.New().String()[:8]
	}
	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetryInterval(5 * time.Second).
		SetKeepAlive(30 * time.Second)
	client := paho.NewClient(opts)

	token := client.Connect()
	if !token.WaitTimeout(mqttWaitTimeout) {
		return nil, &ConnectTimeoutError{Broker: cfg.Broker}
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", cfg.Broker, err)
	}
	e, err := newMQTTExecutor(client, cfg)
	if err != nil {
		client.Disconnect(250)
		return nil, err
	}
	return e, nil
}

func newMQTTExecutor(conn mqttConn, cfg MQTTConfig) (*MQTTExecutor, error) {
	if cfg.Prefix == "" {
		cfg.Prefix = "narrate"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	e := &MQTTExecutor{
		conn:       conn,
		cfg:        cfg,
		replyTopic: fmt.Sprintf("%s/reply/%s", cfg.Prefix, cfg.ClientID),
		pending:    make(map[string]chan reply),
	}
	token := conn.Subscribe(e.replyTopic, 1, e.handleReply)
	if !token.WaitTimeout(mqttWaitTimeout) {
		return nil, fmt.Errorf("mqtt subscribe timeout: %s", e.replyTopic)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt subscribe %s: %w", e.replyTopic, err)
	}
	return e, nil
}

func (e *MQTTExecutor) handleReply(_ paho.Client, msg paho.Message) {
	var r reply
	if err := json.Unmarshal(msg.Payload(), &r); err != nil || r.ID == "" {
		return
	}
	e.mu.Lock()
	ch, ok := e.pending[r.ID]
	delete(e.pending, r.ID)
	e.mu.Unlock()
	if ok {
		ch <- r
	}
}

// Execute implements CommandExecutor.
func (e *MQTTExecutor) Execute(ctx context.Context, call Call) (*Result, error) {
	req := mqttRequest{
		ID:       uuid.New().String(),
		ReplyTo:  e.replyTopic,
		Platform: call.Platform,
		Command:  call.Command,
		Args:     call.Args,
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, &CommandError{Call: call.String(), Kind: FailureInvalid, Message: "encode request", Err: err}
	}

	ch := make(chan reply, 1)
	e.mu.Lock()
	e.pending[req.ID] = ch
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.pending, req.ID)
		e.mu.Unlock()
	}()

	topic := fmt.Sprintf("%s/%s/request", e.cfg.Prefix, call.Platform)
	token := e.conn.Publish(topic, 1, false, payload)
	if !token.WaitTimeout(mqttWaitTimeout) {
		return nil, &CommandError{Call: call.String(), Kind: FailureUnavailable, Message: "mqtt publish timeout"}
	}
	if err := token.Error(); err != nil {
		return nil, &CommandError{Call: call.String(), Kind: FailureUnavailable, Err: err}
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}
	select {
	case r := <-ch:
		return r.result(call)
	case <-ctx.Done():
		return nil, &CommandError{Call: call.String(), Kind: FailureUnavailable, Message: "no reply from bridge", Err: ctx.Err()}
	}
}

// Close disconnects from the broker.
func (e *MQTTExecutor) Close() error {
	e.conn.Disconnect(250)
	return nil
}
