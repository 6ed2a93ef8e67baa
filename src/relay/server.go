package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/nhirsama/Goster-ThermoRelay/src/device_manager"
	"github.com/nhirsama/Goster-ThermoRelay/src/inter"
	"github.com/nhirsama/Goster-ThermoRelay/src/logger"
	"github.com/samber/oops"
)

const (
	DefaultListen = ":3000"
	DefaultPath   = "/captureStatIn"

	shutdownGrace = 10 * time.Second
	// writeMargin 转发与落库之外留给解析、加解密与回写的时间
	writeMargin = 30 * time.Second
)

// WriteTimeoutFor 写超时须大于转发与落库超时之和
func WriteTimeoutFor(forward, persist time.Duration) time.Duration {
	return forward + persist + writeMargin
}

// Server 中继 HTTP 服务
type Server struct {
	addr    string
	path    string
	handler http.Handler

	// WriteTimeout 需在 Start 之前设置，见 WriteTimeoutFor
	WriteTimeout time.Duration
	// Devices 非空时提供 GET /devices/{uuid}
	Devices DeviceStatusSource

	// ready 在开始监听后关闭，Addr 此后可用
	ready    chan struct{}
	listener net.Listener
}

// NewServer 创建中继服务实例
func NewServer(addr, path string, h http.Handler) *Server {
	if addr == "" {
		addr = DefaultListen
	}
	if path == "" {
		path = DefaultPath
	}
	return &Server{
		addr:         addr,
		path:         path,
		handler:      h,
		WriteTimeout: WriteTimeoutFor(DefaultForwardTimeout, DefaultPersistTimeout),
		ready:        make(chan struct{}),
	}
}

var _ inter.Relay = (*Server)(nil)

// DeviceStatusSource 进程内的设备运行时状态，由 device_manager.DeviceManager 实现
type DeviceStatusSource interface {
	Lookup(identifier string) (inter.DeviceIdentity, bool)
	QueryDeviceStatus(identifier string) (device_manager.DeviceStatus, time.Time, error)
}

// Mux 签到路由，另附 /healthz 与只读的设备状态查询
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle(s.path, s.handler)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok"))
	})
	if s.Devices != nil {
		mux.HandleFunc("GET /devices/{uuid}", s.deviceStatus)
	}
	return mux
}

type deviceStatusView struct {
	UUID        string     `json:"uuid"`
	Status      string     `json:"status"`
	LastCheckIn *time.Time `json:"last_check_in,omitempty"`
	Registered  bool       `json:"registered"`
	InternalID  int64      `json:"id,omitempty"`
	Location    string     `json:"location,omitempty"`
}

// deviceStatus 未签到且不在缓存中的设备返回 404
func (s *Server) deviceStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("uuid")
	view := deviceStatusView{UUID: id}

	status, seen, err := s.Devices.QueryDeviceStatus(id)
	view.Status = status.String()
	if err == nil {
		view.LastCheckIn = &seen
	}
	if dev, ok := s.Devices.Lookup(id); ok {
		view.Registered = true
		view.InternalID = dev.InternalID
		view.Location = dev.Location
	}
	if view.LastCheckIn == nil && !view.Registered {
		http.Error(w, "Unknown device", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(view); err != nil {
		logger.GetLogger().WithError(err).Warn("Relay: 写出设备状态失败")
	}
}

// Start 监听直到 ctx 取消，然后优雅关闭
func (s *Server) Start(ctx context.Context) error {
	l, err := net.Listen("tcp", s.addr)
	if err != nil {
		close(s.ready)
		return oops.Wrapf(err, "中继服务无法监听 %s", s.addr)
	}
	s.listener = l
	close(s.ready)

	log := logger.GetLogger()
	log.Infof("正在启动温控器中继服务于 %s%s", l.Addr(), s.path)

	srv := &http.Server{
		Handler:           s.Mux(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      s.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(l)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return oops.Wrapf(err, "中继服务异常退出")
	case <-ctx.Done():
	}

	log.Info("正在关闭中继服务...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return oops.Wrapf(err, "中继服务关闭超时")
	}
	return nil
}

// Addr 实际监听地址；Start 之前调用会阻塞，监听失败时返回 nil
func (s *Server) Addr() net.Addr {
	<-s.ready
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}
