package relay

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/nhirsama/Goster-ThermoRelay/src/inter"
	"github.com/samber/oops"
)

const (
	msgForwardFailed    = "Forward request failed"
	msgForwardMalformed = "Forward URL returned malformed response"

	DefaultForwardTimeout = 10 * time.Second
	maxUpstreamReply      = 1 << 20
)

// HTTPForwarder 把出站请求 POST 到上游云端
type HTTPForwarder struct {
	URL    string
	Client *http.Client
}

// NewHTTPForwarder timeout 同时约束连接、发送与读取回复
func NewHTTPForwarder(url string, timeout time.Duration) *HTTPForwarder {
	if timeout <= 0 {
		timeout = DefaultForwardTimeout
	}
	return &HTTPForwarder{
		URL:    url,
		Client: &http.Client{Timeout: timeout},
	}
}

func forwardError(format string, args ...any) error {
	return oops.Public(msgForwardFailed).Wrapf(inter.ErrForwarding, format, args...)
}

func (f *HTTPForwarder) Forward(ctx context.Context, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.URL, bytes.NewReader(body))
	if err != nil {
		return nil, forwardError("构造上游请求失败: %v", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, forwardError("上游请求失败: %v", err)
	}
	defer resp.Body.Close()

	reply, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamReply))
	if err != nil {
		return nil, forwardError("读取上游回复失败: %v", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, forwardError("上游返回状态码 %d", resp.StatusCode)
	}
	return reply, nil
}
