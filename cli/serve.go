package cli

import (
	"context"
	"errors"
	"net/http"

	"github.com/nhirsama/Goster-ThermoRelay/src/config"
	"github.com/nhirsama/Goster-ThermoRelay/src/datastore"
	"github.com/nhirsama/Goster-ThermoRelay/src/device_manager"
	"github.com/nhirsama/Goster-ThermoRelay/src/inter"
	"github.com/nhirsama/Goster-ThermoRelay/src/logger"
	"github.com/nhirsama/Goster-ThermoRelay/src/protocol"
	"github.com/nhirsama/Goster-ThermoRelay/src/relay"
	"github.com/nhirsama/Goster-ThermoRelay/src/telemetry"
	"github.com/spf13/cobra"
)

func (a *app) serveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "启动签到中继",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := a.load()
			if err := cfg.Validate(); err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	f := cmd.Flags()
	f.String("listen", "", "监听地址")
	f.String("forward-url", "", "上游签到地址，为空时本地应答")
	f.Bool("persist-all", false, "忽略设备 scanMode，全部落库")
	f.String("mqtt-broker", "", "MQTT broker 地址")
	a.v.BindPFlag("listen", f.Lookup("listen"))
	a.v.BindPFlag("forward.url", f.Lookup("forward-url"))
	a.v.BindPFlag("persist.all", f.Lookup("persist-all"))
	a.v.BindPFlag("mqtt.broker", f.Lookup("mqtt-broker"))
	return cmd
}

// stack 中继运行时依赖，close 按创建的逆序释放
type stack struct {
	handler *relay.Handler
	devices *device_manager.DeviceManager
	closers []func() error
}

func (s *stack) close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	return errors.Join(errs...)
}

// buildStack 按配置装配存储、遥测与签到处理器
func buildStack(ctx context.Context, cfg *config.Config) (*stack, error) {
	log := logger.GetLogger()
	s := &stack{}

	var (
		registry inter.DeviceRegistry
		sinks    []inter.TelemetrySink
	)
	if cfg.Store.DSN != "" {
		store, err := datastore.Open(ctx, cfg.Store.DSN)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, store.Close)
		registry = store
		sinks = append(sinks, store)
	} else {
		log.Warn("未配置 store.dsn，遥测不会落库")
	}

	commands := device_manager.NewCommandQueue(cfg.CommandCapacity)
	if cfg.MQTT.Broker != "" {
		pub, err := telemetry.NewMqttPublisher(telemetry.MqttOptions{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			Timeout:     cfg.MQTT.Timeout,
			Debug:       cfg.Debug,
			Commands:    commands,
		})
		if err != nil {
			s.close()
			return nil, err
		}
		s.closers = append(s.closers, pub.Close)
		sinks = append(sinks, pub)
	}

	dm := device_manager.NewDeviceManager(registry)
	opt := relay.Options{
		Frames:         protocol.NewFrameParser(cfg.DefaultIdentifier),
		Keys:           protocol.NewKeyCache([]byte(cfg.Secret), cfg.KDFIterations),
		Codec:          protocol.NewThermoCodec(),
		Identities:     dm,
		CheckIns:       dm,
		Commands:       commands,
		PersistAll:     cfg.Persist.All,
		PersistTimeout: cfg.Persist.Timeout,
		AckPayload:     []byte(cfg.AckPayload),
		MaxBodyBytes:   cfg.MaxBodyBytes,
	}
	if len(sinks) > 0 {
		opt.Sink = telemetry.NewFanOut(sinks...)
	}
	if cfg.ForwardingEnabled() {
		opt.Forwarder = relay.NewHTTPForwarder(cfg.Forward.URL, cfg.Forward.Timeout)
		log.Infof("签到将转发至 %s", cfg.Forward.URL)
	} else {
		log.Info("未配置上游，使用本地确认应答")
	}
	if len(cfg.Hooks.RequestOverrides) > 0 || len(cfg.Hooks.ResponseOverrides) > 0 {
		opt.Hooks = relay.OverrideHooks{
			Request:  cfg.Hooks.RequestOverrides,
			Response: cfg.Hooks.ResponseOverrides,
		}
	}
	if cfg.DefaultIdentifier != "" {
		log.Warnf("已启用默认设备标识 %s，缺少 uuid 的签到将按该设备处理", cfg.DefaultIdentifier)
	}

	s.handler = relay.NewHandler(opt)
	s.devices = dm
	return s, nil
}

func serve(ctx context.Context, cfg *config.Config) error {
	s, err := buildStack(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.close(); err != nil {
			logger.GetLogger().WithError(err).Warn("释放资源失败")
		}
	}()

	srv := newServer(cfg, s.handler)
	srv.Devices = s.devices
	err = srv.Start(ctx)
	if err == nil {
		logger.GetLogger().Info("系统正常关闭")
	}
	return err
}

// newServer 写超时随转发与落库超时放大
func newServer(cfg *config.Config, h http.Handler) *relay.Server {
	srv := relay.NewServer(cfg.Listen, cfg.Path, h)
	srv.WriteTimeout = relay.WriteTimeoutFor(cfg.Forward.Timeout, cfg.Persist.Timeout)
	return srv
}
