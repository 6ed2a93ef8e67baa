package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/nhirsama/Goster-ThermoRelay/src/device_manager"
	"github.com/nhirsama/Goster-ThermoRelay/src/inter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// MQTT 替身
// =============================================================================

type mockMsg struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

type mqttMock struct {
	mu     sync.Mutex
	pub    []mockMsg
	subs   map[string]mqtt.MessageHandler
	tokErr error
	hang   bool
	closed bool
}

func (m *mqttMock) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pub = append(m.pub, mockMsg{topic, qos, retained, payload.([]byte)})
	return mockToken{err: m.tokErr, hang: m.hang}
}

func (m *mqttMock) Subscribe(topic string, _ byte, callback mqtt.MessageHandler) mqtt.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subs == nil {
		m.subs = make(map[string]mqtt.MessageHandler)
	}
	m.subs[topic] = callback
	return mockToken{err: m.tokErr, hang: m.hang}
}

// deliver 模拟 broker 投递一条消息
func (m *mqttMock) deliver(sub, topic string, payload []byte) {
	m.mu.Lock()
	cb := m.subs[sub]
	m.mu.Unlock()
	cb(nil, mockMessage{topic: topic, payload: payload})
}

func (m *mqttMock) IsConnectionOpen() bool { return !m.closed }
func (m *mqttMock) Disconnect(uint)        { m.closed = true }

type mockToken struct {
	err  error
	hang bool
}

func (tok mockToken) Wait() bool                     { return !tok.hang }
func (tok mockToken) WaitTimeout(time.Duration) bool { return !tok.hang }
func (tok mockToken) Error() error                   { return tok.err }
func (tok mockToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	if !tok.hang {
		close(ch)
	}
	return ch
}

type mockMessage struct {
	topic   string
	payload []byte
}

func (mockMessage) Duplicate() bool   { return false }
func (mockMessage) Qos() byte         { return 1 }
func (mockMessage) Retained() bool    { return false }
func (m mockMessage) Topic() string   { return m.topic }
func (mockMessage) MessageID() uint16 { return 1 }
func (m mockMessage) Payload() []byte { return m.payload }
func (mockMessage) Ack()              {}

func sampleReading() inter.Reading {
	setpoint := 75.0
	return inter.Reading{
		InternalID:     7,
		Identifier:     "5cdad4a1b2c3",
		Timestamp:      time.UnixMilli(1_700_000_000_000).UTC(),
		Temperature:    72,
		Mode:           inter.HVACModeCool,
		ActiveSetpoint: &setpoint,
		RunState:       2,
		FanState:       1,
	}
}

// =============================================================================
// MqttPublisher
// =============================================================================

func TestMqttPublisher_InsertReading(t *testing.T) {
	mock := &mqttMock{}
	p := newMqttPublisher(mock, "", time.Second)

	require.NoError(t, p.InsertReading(context.Background(), sampleReading()))
	require.Len(t, mock.pub, 1)

	msg := mock.pub[0]
	assert.Equal(t, "thermostat/5cdad4a1b2c3/reading", msg.topic)
	assert.Equal(t, byte(1), msg.qos)
	assert.False(t, msg.retained)

	var got map[string]any
	require.NoError(t, json.Unmarshal(msg.payload, &got))
	assert.Equal(t, 72.0, got["temp"])
	assert.Equal(t, 2.0, got["tmode"])
	assert.Equal(t, 75.0, got["tTemp"])
	assert.Equal(t, 7.0, got["thermostat_id"])
}

func TestMqttPublisher_Failures(t *testing.T) {
	t.Run("Token_Error", func(t *testing.T) {
		p := newMqttPublisher(&mqttMock{tokErr: errors.New("not connected")}, "hvac", time.Second)
		err := p.InsertReading(context.Background(), sampleReading())
		assert.ErrorIs(t, err, inter.ErrPersistence)
	})

	t.Run("Timeout", func(t *testing.T) {
		p := newMqttPublisher(&mqttMock{hang: true}, "hvac", 10*time.Millisecond)
		err := p.InsertReading(context.Background(), sampleReading())
		assert.ErrorIs(t, err, inter.ErrPersistence)
	})

	t.Run("Custom_Prefix", func(t *testing.T) {
		p := newMqttPublisher(&mqttMock{}, "hvac", time.Second)
		assert.Equal(t, "hvac/abc/reading", p.Topic("abc"))
	})
}

func TestMqttPublisher_Close(t *testing.T) {
	mock := &mqttMock{}
	p := newMqttPublisher(mock, "", time.Second)
	require.NoError(t, p.Close())
	assert.True(t, mock.closed)
	require.NoError(t, p.Close())
}

func TestMqttPublisher_Commands(t *testing.T) {
	mock := &mqttMock{}
	p := newMqttPublisher(mock, "hvac", time.Second)
	q := device_manager.NewCommandQueue(4)

	require.NoError(t, p.SubscribeCommands(q))
	require.Contains(t, mock.subs, "hvac/+/command")

	mock.deliver("hvac/+/command", "hvac/5cdad4a1b2c3/command", []byte(`{"t_cool":74}`))
	cmd, ok := q.Pop("5cdad4a1b2c3")
	require.True(t, ok)
	assert.Equal(t, 74.0, cmd["t_cool"])

	// 非法消息被忽略
	mock.deliver("hvac/+/command", "hvac/5cdad4a1b2c3/command", []byte(`[1,2]`))
	mock.deliver("hvac/+/command", "hvac/5cdad4a1b2c3/command", []byte(`{}`))
	mock.deliver("hvac/+/command", "other/5cdad4a1b2c3/command", []byte(`{"a":1}`))
	mock.deliver("hvac/+/command", "hvac/a/b/command", []byte(`{"a":1}`))
	assert.Equal(t, 0, q.Pending("5cdad4a1b2c3"))
	assert.Equal(t, 0, q.Pending("a/b"))

	t.Run("Subscribe_Timeout", func(t *testing.T) {
		p := newMqttPublisher(&mqttMock{hang: true}, "hvac", 10*time.Millisecond)
		assert.Error(t, p.SubscribeCommands(q))
	})
}

// =============================================================================
// FanOut
// =============================================================================

type recordingSink struct {
	got []inter.Reading
	err error
}

func (s *recordingSink) InsertReading(_ context.Context, r inter.Reading) error {
	s.got = append(s.got, r)
	return s.err
}

func TestFanOut(t *testing.T) {
	t.Run("All_Sinks_Receive", func(t *testing.T) {
		a, b := &recordingSink{}, &recordingSink{}
		f := NewFanOut(a, nil, b)
		assert.Equal(t, 2, f.Len())

		require.NoError(t, f.InsertReading(context.Background(), sampleReading()))
		assert.Len(t, a.got, 1)
		assert.Len(t, b.got, 1)
	})

	t.Run("Failure_Does_Not_Stop_Others", func(t *testing.T) {
		a := &recordingSink{err: errors.New("disk full")}
		b := &recordingSink{}
		err := NewFanOut(a, b).InsertReading(context.Background(), sampleReading())
		assert.ErrorIs(t, err, inter.ErrPersistence)
		assert.Len(t, b.got, 1)
	})

	t.Run("Empty", func(t *testing.T) {
		assert.NoError(t, NewFanOut().InsertReading(context.Background(), sampleReading()))
	})
}
