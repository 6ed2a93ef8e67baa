package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/nhirsama/Goster-ThermoRelay/src/inter"
	"github.com/nhirsama/Goster-ThermoRelay/src/logger"
	"github.com/samber/oops"
)

const (
	DefaultTopicPrefix    = "thermostat"
	defaultNetworkTimeout = 5 * time.Second
)

// MqttOptions 发布端配置
type MqttOptions struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	// Timeout 连接与单次发布的等待上限
	Timeout time.Duration
	// Debug 打开 paho 内部调试日志
	Debug bool
	// Commands 非空时在每次连接后订阅 <prefix>/+/command
	Commands inter.CommandQueue
}

// publisher 是 mqtt.Client 中发布端用到的子集，便于测试替换
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	IsConnectionOpen() bool
	Disconnect(quiesce uint)
}

// MqttPublisher 把每条遥测以 JSON 发布到 <prefix>/<uuid>/reading
type MqttPublisher struct {
	client      publisher
	topicPrefix string
	timeout     time.Duration
}

// NewMqttPublisher 连接 broker，连接失败时返回错误
func NewMqttPublisher(opt MqttOptions) (*MqttPublisher, error) {
	mqttLog := logger.GetLogger().WithField("component", "mqtt")
	mqtt.CRITICAL = mqttLog
	mqtt.ERROR = mqttLog
	mqtt.WARN = mqttLog
	if opt.Debug {
		mqtt.DEBUG = mqttLog
	}

	timeout := opt.Timeout
	if timeout <= 0 {
		timeout = defaultNetworkTimeout
	}
	clientID := opt.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("thermo-relay-%d", time.Now().UnixNano()%1_000_000)
	}

	mopt := mqtt.NewClientOptions().
		AddBroker(opt.Broker).
		SetAutoReconnect(true).
		SetCleanSession(true).
		SetClientID(clientID).
		SetConnectTimeout(timeout).
		SetKeepAlive(30 * time.Second).
		SetMaxReconnectInterval(timeout * 6).
		SetOrderMatters(false).
		SetPingTimeout(timeout).
		SetWriteTimeout(timeout)
	if opt.Username != "" {
		mopt.SetUsername(opt.Username).SetPassword(opt.Password)
	}

	// clean session 下重连会丢失订阅，每次连接后重新订阅
	var p *MqttPublisher
	if opt.Commands != nil {
		mopt.SetOnConnectHandler(func(mqtt.Client) {
			if err := p.SubscribeCommands(opt.Commands); err != nil {
				mqttLog.WithError(err).Error("MQTT: 订阅指令主题失败")
			}
		})
	}

	client := mqtt.NewClient(mopt)
	p = newMqttPublisher(client, opt.TopicPrefix, timeout)
	if err := tokenWait(client.Connect(), timeout, "connect"); err != nil {
		return nil, oops.With("broker", opt.Broker).Wrap(err)
	}
	logger.GetLogger().Infof("MQTT: 已连接 %s (client_id=%s)", opt.Broker, clientID)
	return p, nil
}

func newMqttPublisher(client publisher, prefix string, timeout time.Duration) *MqttPublisher {
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return &MqttPublisher{client: client, topicPrefix: prefix, timeout: timeout}
}

// Topic 设备遥测主题
func (p *MqttPublisher) Topic(identifier string) string {
	return fmt.Sprintf("%s/%s/reading", p.topicPrefix, identifier)
}

// InsertReading 实现 inter.TelemetrySink；QoS 1，不保留
func (p *MqttPublisher) InsertReading(ctx context.Context, r inter.Reading) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return oops.Wrapf(inter.ErrPersistence, "序列化遥测失败: %v", err)
	}

	timeout := p.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}

	t := p.client.Publish(p.Topic(r.Identifier), 1, false, payload)
	if err := tokenWait(t, timeout, "publish"); err != nil {
		return oops.Wrapf(inter.ErrPersistence, "MQTT 发布失败: %v", err)
	}
	return nil
}

// CommandTopic 指令订阅主题，+ 匹配任意设备标识
func (p *MqttPublisher) CommandTopic() string {
	return p.topicPrefix + "/+/command"
}

// SubscribeCommands 把 <prefix>/<uuid>/command 上的 JSON 对象推入指令队列
func (p *MqttPublisher) SubscribeCommands(q inter.CommandQueue) error {
	t := p.client.Subscribe(p.CommandTopic(), 1, func(_ mqtt.Client, msg mqtt.Message) {
		p.handleCommand(q, msg.Topic(), msg.Payload())
	})
	return tokenWait(t, p.timeout, "subscribe")
}

func (p *MqttPublisher) handleCommand(q inter.CommandQueue, topic string, payload []byte) {
	log := logger.GetLogger().WithField("topic", topic)
	id, ok := p.commandTarget(topic)
	if !ok {
		log.Warn("MQTT: 无法从主题解析设备标识，已忽略")
		return
	}
	var cmd map[string]any
	if err := json.Unmarshal(payload, &cmd); err != nil || len(cmd) == 0 {
		log.Warn("MQTT: 指令不是非空 JSON 对象，已忽略")
		return
	}
	if err := q.Push(id, cmd); err != nil {
		log.WithError(err).Warn("MQTT: 指令入队失败")
		return
	}
	log.WithField("uuid", id).Info("MQTT: 指令已入队，等待设备下次签到")
}

func (p *MqttPublisher) commandTarget(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, p.topicPrefix+"/")
	if !ok {
		return "", false
	}
	id, ok := strings.CutSuffix(rest, "/command")
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

func (p *MqttPublisher) Close() error {
	if p.client.IsConnectionOpen() {
		p.client.Disconnect(uint(p.timeout / time.Millisecond))
	}
	return nil
}

func tokenWait(t mqtt.Token, timeout time.Duration, tag string) error {
	if !t.WaitTimeout(timeout) {
		return oops.Errorf("MQTT %s 超时 (%s)", tag, timeout)
	}
	if err := t.Error(); err != nil {
		return oops.Wrapf(err, "MQTT %s", tag)
	}
	return nil
}
