package relay

import (
	"context"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nhirsama/Goster-ThermoRelay/src/inter"
	"github.com/nhirsama/Goster-ThermoRelay/src/logger"
	"github.com/nhirsama/Goster-ThermoRelay/src/protocol"
	"github.com/samber/oops"
	"github.com/sirupsen/logrus"
)

const (
	msgDecryptionFailed = "Decryption failed"
	msgCaptureFailed    = "Error capturing stream"
	msgBodyTooLarge     = "Request body too large"
	msgInternal         = "Internal error"

	DefaultMaxBodyBytes   = 1 << 20
	DefaultPersistTimeout = 5 * time.Second
)

// 读取请求体失败，映射为 500
var errCapture = errors.New("capture: 读取请求体失败")

// CheckInRecorder 记录设备签到时间
type CheckInRecorder interface {
	HandleCheckIn(identifier string, at time.Time) time.Duration
}

// forgetter 由 protocol.KeyCache 实现；认证失败的标识不保留在缓存中
type forgetter interface {
	Forget(identifier []byte)
}

// Options 签到处理器的依赖与参数
// Frames、Keys、Codec 必填，其余为空时关闭对应分支
type Options struct {
	Frames inter.FrameCodec
	Keys   inter.KeyDeriver
	Codec  inter.AuthCodec

	Identities inter.IdentityCache
	Sink       inter.TelemetrySink
	CheckIns   CheckInRecorder
	// Forwarder 为 nil 时本地应答
	Forwarder inter.Forwarder
	Hooks     inter.Hooks
	// Commands 待下发指令，合并进本地或上游应答
	Commands inter.CommandQueue

	// PersistAll 为 true 时忽略设备 scanMode，全部落库
	PersistAll     bool
	PersistTimeout time.Duration
	AckPayload     []byte
	MaxBodyBytes   int64

	// Now 测试中替换时钟
	Now func() time.Time
}

// Handler 温控器签到端点，每个请求完整运行一次状态机，不做重试
type Handler struct {
	opt Options
}

func NewHandler(opt Options) *Handler {
	if opt.Hooks == nil {
		opt.Hooks = NopHooks{}
	}
	if opt.PersistTimeout <= 0 {
		opt.PersistTimeout = DefaultPersistTimeout
	}
	if len(opt.AckPayload) == 0 {
		opt.AckPayload = []byte(inter.DefaultAckPayload)
	}
	if opt.MaxBodyBytes <= 0 {
		opt.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	return &Handler{opt: opt}
}

// checkIn 单次事务的上下文
type checkIn struct {
	state      State
	receivedAt time.Time
	remote     string
	log        *logrus.Entry

	frame     *inter.Frame
	keys      inter.DerivedKeys
	plaintext []byte
	reply     []byte
	forwarded bool
}

// advance 终态之后的迁移被忽略
func (c *checkIn) advance(next State) {
	if c.state.Terminal() {
		c.log.WithFields(logrus.Fields{"from": c.state, "to": next}).Warn("Relay: 事务已结束，忽略状态迁移")
		return
	}
	c.log.WithFields(logrus.Fields{"from": c.state, "to": next}).Debug("Relay: 状态迁移")
	c.state = next
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	c := &checkIn{
		state:      StateReceivingBody,
		receivedAt: h.opt.Now(),
		remote:     remoteAddr(r),
	}
	c.log = logger.GetLogger().WithField("remote", c.remote)

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.opt.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.fail(w, c, oops.Public(msgBodyTooLarge).Wrapf(inter.ErrFrame, "请求体超过 %d 字节", tooLarge.Limit))
			return
		}
		h.fail(w, c, oops.Wrapf(errCapture, "%v", err))
		return
	}
	c.log = c.log.WithField("frame", protocol.Fingerprint(raw))

	if err := h.run(r.Context(), c, raw); err != nil {
		h.fail(w, c, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(c.reply)

	c.advance(StateDone)
	c.log.WithFields(logrus.Fields{
		"forwarded": c.forwarded,
		"reply_len": len(c.reply),
	}).Info("Relay: 签到处理完成")
}

// run 按顺序推进状态机，任一步失败即返回
func (h *Handler) run(ctx context.Context, c *checkIn, raw []byte) error {
	frame, err := h.opt.Frames.Parse(raw)
	if err != nil {
		return err
	}
	c.frame = frame
	c.log = c.log.WithField("uuid", frame.Header.Identifier)
	if frame.DefaultedIdentifier {
		c.log.Warn("Relay: 头部缺少 uuid，使用默认设备标识")
	}
	c.advance(StateHeaderParsed)

	keys, err := h.opt.Keys.Keys([]byte(frame.Header.Identifier))
	if err != nil {
		return err
	}
	c.keys = keys
	if c.log.Logger.IsLevelEnabled(logrus.DebugLevel) {
		c.log.WithFields(logrus.Fields{
			"enc_key":    hex.EncodeToString(keys.EncryptionKey),
			"mac_key":    hex.EncodeToString(keys.MACKey),
			"eiv":        frame.Header.IVHex,
			"cipher_len": len(frame.Ciphertext),
		}).Debug("Relay: 派生密钥")
	}
	c.advance(StateKeysDerived)

	plaintext, err := h.opt.Codec.DecryptAndVerify(keys, frame.IV, frame.Ciphertext)
	if err != nil {
		if f, ok := h.opt.Keys.(forgetter); ok && errors.Is(err, inter.ErrAuthentication) {
			f.Forget([]byte(frame.Header.Identifier))
		}
		return err
	}
	c.plaintext = plaintext
	c.log.WithField("plaintext", string(plaintext)).Debug("Relay: [thermostat to us]")
	c.advance(StateRequestDecrypted)

	if h.opt.CheckIns != nil {
		if since := h.opt.CheckIns.HandleCheckIn(frame.Header.Identifier, c.receivedAt); since > 0 {
			c.log.WithField("since_last", since.Round(time.Millisecond)).Debug("Relay: 设备再次签到")
		}
	}

	if h.persist(ctx, c) {
		c.advance(StatePersisted)
	}

	if h.opt.Forwarder != nil {
		reply, err := h.forward(ctx, c)
		if err != nil {
			return err
		}
		c.reply = reply
		c.forwarded = true
	} else {
		c.reply = h.opt.AckPayload
	}
	c.reply = h.applyCommands(c)
	c.log.WithField("plaintext", string(c.reply)).Debug("Relay: [us to thermostat]")
	c.advance(StateForwardedOrLocal)

	encrypted, err := h.opt.Codec.EncryptAndAuthenticate(keys, frame.IV, c.reply)
	if err != nil {
		return err
	}
	c.reply = encrypted
	c.advance(StateResponseEncrypted)
	return nil
}

// persist 遥测落库分支，所有失败只记录日志；返回是否写入成功
func (h *Handler) persist(ctx context.Context, c *checkIn) bool {
	if h.opt.Sink == nil || h.opt.Identities == nil {
		return false
	}
	tel, ok := protocol.DecodePayload(c.plaintext).(protocol.Telemetry)
	if !ok {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, h.opt.PersistTimeout)
	defer cancel()

	device, err := h.opt.Identities.Resolve(ctx, c.frame.Header.Identifier)
	if err != nil {
		if errors.Is(err, inter.ErrDeviceNotFound) {
			c.log.Warn("Relay: 注册表中没有该设备，跳过落库")
		} else {
			c.log.WithError(err).Warn("Relay: 查询设备注册表失败，跳过落库")
		}
		return false
	}
	if !h.opt.PersistAll && device.ScanMode != inter.ScanCloud {
		return false
	}

	if err := h.opt.Sink.InsertReading(ctx, tel.Reading(device, c.receivedAt)); err != nil {
		c.log.WithError(err).WithField("location", device.Location).Warn("Relay: 遥测落库失败")
		return false
	}
	entry := c.log.WithField("location", device.Location)
	if tel.Status.Time != nil {
		entry = entry.WithField("device_clock", tel.Status.Time.String())
	}
	entry.Debug("Relay: 遥测已落库")
	return true
}

// forward 转发分支：重新加密、发往上游、校验回复
func (h *Handler) forward(ctx context.Context, c *checkIn) ([]byte, error) {
	id := c.frame.Header.Identifier
	patched := h.opt.Hooks.PatchRequest(id, c.plaintext)

	ciphertext, err := h.opt.Codec.EncryptAndAuthenticate(c.keys, c.frame.IV, patched)
	if err != nil {
		return nil, err
	}
	body, err := h.opt.Frames.MarshalOutbound(c.frame.Header, ciphertext)
	if err != nil {
		return nil, oops.Public(msgForwardFailed).Wrapf(inter.ErrForwarding, "序列化出站请求失败: %v", err)
	}

	replyCipher, err := h.opt.Forwarder.Forward(ctx, body)
	if err != nil {
		return nil, err
	}
	c.log.WithFields(logrus.Fields{
		"upstream_frame": protocol.Fingerprint(replyCipher),
		"upstream_len":   len(replyCipher),
	}).Debug("Relay: 收到上游回复")

	reply, err := h.opt.Codec.DecryptAndVerify(c.keys, c.frame.IV, replyCipher)
	if err != nil {
		return nil, oops.Public(msgForwardMalformed).Wrapf(inter.ErrForwarding, "上游回复校验失败: %v", err)
	}
	return h.opt.Hooks.PatchResponse(id, reply), nil
}

// applyCommands 依次合并该设备所有待下发指令
// 应答不是 JSON 对象时指令留在队列中，等待下一次签到
func (h *Handler) applyCommands(c *checkIn) []byte {
	if h.opt.Commands == nil {
		return c.reply
	}
	id := c.frame.Header.Identifier
	pending := h.opt.Commands.Pending(id)
	if pending == 0 {
		return c.reply
	}
	if !isJSONObject(c.reply) {
		c.log.WithField("commands", pending).Warn("Relay: 应答不是 JSON 对象，待下发指令保留到下次签到")
		return c.reply
	}

	reply := c.reply
	for n := 0; ; n++ {
		cmd, ok := h.opt.Commands.Pop(id)
		if !ok {
			c.log.WithField("commands", n).Info("Relay: 已下发待处理指令")
			return reply
		}
		reply = mergeObject(id, reply, cmd)
	}
}

// fail 把错误映射为状态码与对外文本，内部细节只写日志
func (h *Handler) fail(w http.ResponseWriter, c *checkIn, err error) {
	status, public := classify(err)
	c.log.WithFields(logrus.Fields{
		"state":  c.state,
		"status": status,
	}).WithError(err).Error("Relay: 签到处理失败")
	c.advance(StateErrored)
	http.Error(w, public, status)
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, inter.ErrForwarding):
		return http.StatusBadGateway, oops.GetPublic(err, msgForwardFailed)
	case errors.Is(err, inter.ErrFrame):
		if oops.GetPublic(err, "") == msgBodyTooLarge {
			return http.StatusRequestEntityTooLarge, msgBodyTooLarge
		}
		return http.StatusBadRequest, oops.GetPublic(err, "Invalid JSON header")
	case errors.Is(err, inter.ErrAuthentication), errors.Is(err, inter.ErrPrecondition):
		return http.StatusBadRequest, msgDecryptionFailed
	case errors.Is(err, errCapture):
		return http.StatusInternalServerError, msgCaptureFailed
	default:
		return http.StatusInternalServerError, msgInternal
	}
}

// remoteAddr 优先取 X-Forwarded-For 的第一项
func remoteAddr(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	return r.RemoteAddr
}
