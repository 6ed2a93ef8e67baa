package cli

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/nhirsama/Goster-ThermoRelay/src/datastore"
	"github.com/nhirsama/Goster-ThermoRelay/src/inter"
	"github.com/nhirsama/Goster-ThermoRelay/src/protocol"
	"github.com/samber/oops"
	"github.com/spf13/cobra"
)

func (a *app) keysCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "keys <uuid>",
		Short: "打印设备的派生密钥",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.load()
			if cfg.Secret == "" {
				return oops.Errorf("未配置共享密钥")
			}
			keys, err := protocol.DeriveKeys([]byte(args[0]), []byte(cfg.Secret), cfg.KDFIterations)
			if err != nil {
				return err
			}
			printf(cmd, "uuid:    %s\n", args[0])
			printf(cmd, "enc_key: %s\n", hex.EncodeToString(keys.EncryptionKey))
			printf(cmd, "mac_key: %s\n", hex.EncodeToString(keys.MACKey))
			return nil
		},
	}
}

func (a *app) deviceCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "device",
		Short: "管理设备注册表",
	}

	var rec inter.DeviceRecord
	var scanMode int
	add := &cobra.Command{
		Use:   "add <uuid>",
		Short: "注册一台温控器",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if scanMode < int(inter.ScanDisabled) || scanMode > int(inter.ScanCloud) {
				return oops.Errorf("scan-mode 必须为 0、1 或 2")
			}
			rec.Identifier = args[0]
			rec.ScanMode = inter.ScanMode(scanMode)
			return a.withStore(cmd.Context(), func(store inter.DataStore) error {
				id, err := store.RegisterDevice(cmd.Context(), rec)
				if err != nil {
					return err
				}
				printf(cmd, "已注册 %s (id=%d, scanMode=%d)\n", rec.Identifier, id, rec.ScanMode)
				return nil
			})
		},
	}
	add.Flags().StringVar(&rec.IP, "ip", "", "设备 IP")
	add.Flags().StringVar(&rec.Location, "location", "", "安装位置")
	add.Flags().StringVar(&rec.Model, "model", "", "型号")
	add.Flags().IntVar(&scanMode, "scan-mode", int(inter.ScanCloud), "0 不采集, 1 按需, 2 云端签到")

	var since time.Duration
	readings := &cobra.Command{
		Use:   "readings <uuid>",
		Short: "以 JSON 行输出设备遥测",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(cmd.Context(), func(store inter.DataStore) error {
				dev, err := store.LookupInternalID(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				end := time.Now()
				rows, err := store.QueryReadings(cmd.Context(), dev.InternalID, end.Add(-since), end)
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				for _, r := range rows {
					if err := enc.Encode(r); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	readings.Flags().DurationVar(&since, "since", 24*time.Hour, "查询时间窗口")

	cmd.AddCommand(add, readings)
	return cmd
}

func (a *app) withStore(ctx context.Context, fn func(inter.DataStore) error) error {
	cfg := a.load()
	if cfg.Store.DSN == "" {
		return oops.Errorf("未配置 store.dsn")
	}
	store, err := datastore.Open(ctx, cfg.Store.DSN)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}

const simulatePayload = `{"tstat":{"temp":72,"tmode":2,"fmode":0,"override":0,"hold":0,"t_cool":75,"tstate":2,"fstate":1}}`

func (a *app) simulateCommand() *cobra.Command {
	var (
		target  string
		payload string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "simulate <uuid>",
		Short: "模拟一次温控器签到并打印解密后的应答",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.load()
			if cfg.Secret == "" {
				return oops.Errorf("未配置共享密钥")
			}
			keys, err := protocol.DeriveKeys([]byte(args[0]), []byte(cfg.Secret), cfg.KDFIterations)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			reply, err := simulateCheckIn(ctx, http.DefaultClient, target, args[0], keys, []byte(payload))
			if err != nil {
				return err
			}
			printf(cmd, "%s\n", reply)
			return nil
		},
	}
	cmd.Flags().StringVar(&target, "url", "http://127.0.0.1:3000/captureStatIn", "中继签到地址")
	cmd.Flags().StringVar(&payload, "payload", simulatePayload, "签到明文")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "请求超时")
	return cmd
}

// simulateCheckIn 以设备固件的方式封帧并发送，返回解密后的应答明文
func simulateCheckIn(ctx context.Context, client *http.Client, target, identifier string, keys inter.DerivedKeys, payload []byte) ([]byte, error) {
	iv := make([]byte, inter.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}
	ciphertext, err := protocol.SealControllerFrame(keys, iv, payload)
	if err != nil {
		return nil, err
	}
	header := inter.FrameHeader{Identifier: identifier, IVHex: hex.EncodeToString(iv)}
	body, err := protocol.MarshalInbound(header, ciphertext)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := client.Do(req)
	if err != nil {
		return nil, oops.Wrapf(err, "发送签到失败")
	}
	defer resp.Body.Close()

	reply, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, oops.Wrapf(err, "读取应答失败")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, oops.With("status", resp.StatusCode).Errorf("中继返回 %d: %s", resp.StatusCode, bytes.TrimSpace(reply))
	}
	return protocol.OpenReply(keys, iv, reply)
}
