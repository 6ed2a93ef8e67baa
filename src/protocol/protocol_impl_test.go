package protocol

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"testing"

	"github.com/nhirsama/Goster-ThermoRelay/src/inter"
	"github.com/samber/oops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// 辅助函数与变量
// =============================================================================

const (
	testIdentifier = "5cdad4a1b2c3"
	testSecret     = "s3cr3tK!"
	testPayload    = `{"tstat":{"temp":72,"tmode":2}}`
)

// 由独立实现计算得到的已知向量
var (
	testEncKeyHex = "664f439660c24f057d06d8419f5489f7"
	testMACKeyHex = "869722704ccc29a2782b242c6621a385"
	testMACHex    = "0cd108cffe6814120d8b5cabe7b7b466"
	// IV = 00 01 02 ... 0f，明文 = MAC || testPayload || 0x00 补齐
	testCipherHex = "36d8766541d786fd7419c6239a22176610e9927309c587388f6b97503f7f9e1e8df5336febd18ad2b8aa0e29690102ea"
)

func mustHex(t testing.TB, s string) []byte {
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

func sequentialIV() []byte {
	iv := make([]byte, inter.IVSize)
	for i := range iv {
		iv[i] = byte(i)
	}
	return iv
}

func randomIV() []byte {
	iv := make([]byte, inter.IVSize)
	rand.Read(iv)
	return iv
}

func testKeys(t testing.TB) inter.DerivedKeys {
	keys, err := DeriveKeys([]byte(testIdentifier), []byte(testSecret), inter.DefaultKDFIterations)
	require.NoError(t, err)
	return keys
}

// =============================================================================
// 密钥派生
// =============================================================================

func TestDeriveKeys_KnownVector(t *testing.T) {
	keys := testKeys(t)
	assert.Equal(t, testEncKeyHex, hex.EncodeToString(keys.EncryptionKey))
	assert.Equal(t, testMACKeyHex, hex.EncodeToString(keys.MACKey))
}

func TestDeriveKeys_Properties(t *testing.T) {
	t.Run("Deterministic", func(t *testing.T) {
		a := testKeys(t)
		b := testKeys(t)
		assert.Equal(t, a, b)
	})

	t.Run("MACKey_Uses_Secret_Prefix_Only", func(t *testing.T) {
		// 前 8 字节相同的密钥得到相同的 MAC 密钥，但加密密钥不同
		long, err := DeriveKeys([]byte(testIdentifier), []byte(testSecret+"extra"), inter.DefaultKDFIterations)
		require.NoError(t, err)
		assert.Equal(t, testMACKeyHex, hex.EncodeToString(long.MACKey))
		assert.Equal(t, "ffa32de606149899de156e9b2b774cef", hex.EncodeToString(long.EncryptionKey))
	})

	t.Run("Salt_Uses_Identifier_Suffix", func(t *testing.T) {
		// 后 8 字节相同的标识派生出相同密钥
		other, err := DeriveKeys([]byte("ffffd4a1b2c3"), []byte(testSecret), inter.DefaultKDFIterations)
		require.NoError(t, err)
		assert.Equal(t, testEncKeyHex, hex.EncodeToString(other.EncryptionKey))
	})

	t.Run("Short_Inputs", func(t *testing.T) {
		keys, err := DeriveKeys([]byte("abc"), []byte("short"), 1)
		require.NoError(t, err)
		assert.Equal(t, "05ab3a4dec9d18c92a3376c5ea959024", hex.EncodeToString(keys.EncryptionKey))
		assert.Equal(t, "4f09daa9d95bcb166a302407a0e0babe", hex.EncodeToString(keys.MACKey))
	})

	t.Run("Iterations_Change_Key", func(t *testing.T) {
		one, err := DeriveKeys([]byte(testIdentifier), []byte(testSecret), 1)
		require.NoError(t, err)
		assert.NotEqual(t, testEncKeyHex, hex.EncodeToString(one.EncryptionKey))
		assert.Len(t, one.EncryptionKey, inter.KeySize)
	})

	t.Run("Rejects_Empty_Inputs", func(t *testing.T) {
		_, err := DeriveKeys(nil, []byte(testSecret), 1000)
		assert.ErrorIs(t, err, inter.ErrPrecondition)
		_, err = DeriveKeys([]byte(testIdentifier), nil, 1000)
		assert.ErrorIs(t, err, inter.ErrPrecondition)
		_, err = DeriveKeys([]byte(testIdentifier), []byte(testSecret), 0)
		assert.ErrorIs(t, err, inter.ErrPrecondition)
	})
}

func TestKeyCache(t *testing.T) {
	cache := NewKeyCache([]byte(testSecret), 0)

	keys, err := cache.Keys([]byte(testIdentifier))
	require.NoError(t, err)
	assert.Equal(t, testEncKeyHex, hex.EncodeToString(keys.EncryptionKey))
	assert.Equal(t, 1, cache.Len())

	// 并发读取同一标识只保留一条
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			k, err := cache.Keys([]byte(testIdentifier))
			assert.NoError(t, err)
			assert.Equal(t, keys, k)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, cache.Len())

	cache.Forget([]byte(testIdentifier))
	assert.Equal(t, 0, cache.Len())

	_, err = cache.Keys(nil)
	assert.ErrorIs(t, err, inter.ErrPrecondition)
	assert.Equal(t, 0, cache.Len())
}

// =============================================================================
// 认证编解码
// =============================================================================

func TestDecryptAndVerify_KnownVector(t *testing.T) {
	codec := NewThermoCodec()
	keys := testKeys(t)

	sealed, err := SealControllerFrame(keys, sequentialIV(), []byte(testPayload))
	require.NoError(t, err)
	assert.Equal(t, testCipherHex, hex.EncodeToString(sealed))

	plain, err := codec.DecryptAndVerify(keys, sequentialIV(), mustHex(t, testCipherHex))
	require.NoError(t, err)
	assert.Equal(t, testPayload, string(plain))

	assert.Equal(t, testMACHex, hex.EncodeToString(hmacMD5(keys.MACKey, []byte(testPayload))))
}

func TestEncryptAndAuthenticate_RoundTrip(t *testing.T) {
	codec := NewThermoCodec()
	keys := testKeys(t)

	for _, size := range []int{0, 1, 15, 16, 17, 31, 32, 1024} {
		payload := bytes.Repeat([]byte("a"), size)
		iv := randomIV()

		ct, err := codec.EncryptAndAuthenticate(keys, iv, payload)
		require.NoError(t, err)
		assert.Zero(t, len(ct)%inter.BlockSize, "size=%d", size)
		// MAC + 明文 + 至少 1 字节 PKCS#7
		assert.Greater(t, len(ct), inter.MACSize+size)

		got, err := OpenReply(keys, iv, ct)
		require.NoError(t, err, "size=%d", size)
		assert.Equal(t, payload, got)
	}
}

func TestDecryptAndVerify_ControllerFrames(t *testing.T) {
	codec := NewThermoCodec()
	keys := testKeys(t)

	cases := map[string]struct {
		sent string
		want string
	}{
		"Plain":              {sent: testPayload, want: testPayload},
		"Block_Aligned":      {sent: "0123456789abcdef", want: "0123456789abcdef"},
		"Trailing_Newline":   {sent: "{\"a\":1}\r\n", want: `{"a":1}`},
		"Leading_BOM":        {sent: "\uFEFF{\"a\":1}", want: `{"a":1}`},
		"Embedded_NUL":       {sent: "{\"a\":\x001}", want: `{"a":1}`},
		"NEL_Is_Not_Trimmed": {sent: "{}\u0085", want: "{}\u0085"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			// 设备对规范化之后的内容计算 MAC
			iv := randomIV()
			buf := append(hmacMD5(keys.MACKey, []byte(tc.want)), tc.sent...)
			ct, err := cbcEncryptNoPadding(keys.EncryptionKey, iv, zeroPad(buf))
			require.NoError(t, err)

			got, err := codec.DecryptAndVerify(keys, iv, ct)
			require.NoError(t, err)
			assert.Equal(t, tc.want, string(got))
		})
	}
}

// 逐位翻转密文与 IV，每一次都必须被拒绝
func TestDecryptAndVerify_BitFlips(t *testing.T) {
	codec := NewThermoCodec()
	keys := testKeys(t)
	iv := sequentialIV()
	ct := mustHex(t, testCipherHex)

	for i := 0; i < len(ct)*8; i++ {
		tampered := bytes.Clone(ct)
		tampered[i/8] ^= 1 << (i % 8)
		_, err := codec.DecryptAndVerify(keys, iv, tampered)
		if !assert.ErrorIs(t, err, inter.ErrAuthentication, "ciphertext bit %d", i) {
			return
		}
	}

	for i := 0; i < len(iv)*8; i++ {
		tamperedIV := bytes.Clone(iv)
		tamperedIV[i/8] ^= 1 << (i % 8)
		_, err := codec.DecryptAndVerify(keys, tamperedIV, ct)
		if !assert.ErrorIs(t, err, inter.ErrAuthentication, "iv bit %d", i) {
			return
		}
	}
}

func TestDecryptAndVerify_WrongKeys(t *testing.T) {
	codec := NewThermoCodec()
	other, err := DeriveKeys([]byte(testIdentifier), []byte("wrong!!!"), inter.DefaultKDFIterations)
	require.NoError(t, err)

	_, err = codec.DecryptAndVerify(other, sequentialIV(), mustHex(t, testCipherHex))
	assert.ErrorIs(t, err, inter.ErrAuthentication)
}

func TestCodec_Preconditions(t *testing.T) {
	codec := NewThermoCodec()
	keys := testKeys(t)

	_, err := codec.DecryptAndVerify(keys, sequentialIV(), make([]byte, 8))
	assert.ErrorIs(t, err, inter.ErrPrecondition, "短于 MAC 的密文")

	_, err = codec.DecryptAndVerify(keys, sequentialIV(), make([]byte, 20))
	assert.ErrorIs(t, err, inter.ErrPrecondition, "未对齐的密文")

	_, err = codec.EncryptAndAuthenticate(keys, make([]byte, 8), []byte("x"))
	assert.ErrorIs(t, err, inter.ErrPrecondition, "IV 长度错误")

	bad := inter.DerivedKeys{EncryptionKey: make([]byte, 24), MACKey: keys.MACKey}
	_, err = codec.EncryptAndAuthenticate(bad, sequentialIV(), []byte("x"))
	assert.ErrorIs(t, err, inter.ErrPrecondition, "加密密钥长度错误")
}

func TestOpenReply_RejectsTampering(t *testing.T) {
	codec := NewThermoCodec()
	keys := testKeys(t)
	iv := randomIV()

	ct, err := codec.EncryptAndAuthenticate(keys, iv, []byte(inter.DefaultAckPayload))
	require.NoError(t, err)

	ct[0] ^= 0x01
	_, err = OpenReply(keys, iv, ct)
	assert.ErrorIs(t, err, inter.ErrAuthentication)
}

// =============================================================================
// 帧解析
// =============================================================================

func validFrame(t testing.TB) []byte {
	raw, err := MarshalInbound(inter.FrameHeader{
		Identifier: testIdentifier,
		IVHex:      hex.EncodeToString(sequentialIV()),
	}, mustHex(t, testCipherHex))
	require.NoError(t, err)
	return raw
}

func TestFrameParser_Parse(t *testing.T) {
	p := NewFrameParser("")

	frame, err := p.Parse(validFrame(t))
	require.NoError(t, err)
	assert.Equal(t, testIdentifier, frame.Header.Identifier)
	assert.Equal(t, sequentialIV(), frame.IV)
	assert.Equal(t, mustHex(t, testCipherHex), frame.Ciphertext)
	assert.False(t, frame.DefaultedIdentifier)
}

func TestFrameParser_Rejects(t *testing.T) {
	p := NewFrameParser("")
	iv := hex.EncodeToString(sequentialIV())
	block := string(make([]byte, 16))

	cases := map[string]struct {
		raw    string
		public string
	}{
		"No_Closing_Brace":   {raw: `{"uuid":"a","eiv":"` + iv + `"`, public: msgNeedHeader},
		"Empty":              {raw: ``, public: msgNeedHeader},
		"Malformed_JSON":     {raw: `{"uuid":"a",,"eiv":"` + iv + `"}` + block, public: msgInvalidJSON},
		"Brace_Inside_Value": {raw: `{"uuid":"a}","eiv":"` + iv + `"}` + block, public: msgInvalidJSON},
		"Missing_UUID":       {raw: `{"eiv":"` + iv + `"}` + block, public: msgInvalidHeader},
		"Missing_EIV":        {raw: `{"uuid":"a"}` + block, public: msgInvalidHeader},
		"Short_EIV":          {raw: `{"uuid":"a","eiv":"` + iv[:30] + `"}` + block, public: msgInvalidHeader},
		"Long_EIV":           {raw: `{"uuid":"a","eiv":"` + iv + `00"}` + block, public: msgInvalidHeader},
		"Non_Hex_EIV":        {raw: `{"uuid":"a","eiv":"` + iv[:30] + `zz"}` + block, public: msgInvalidHex},
		"Numeric_UUID":       {raw: `{"uuid":12,"eiv":"` + iv + `"}` + block, public: msgInvalidJSON},
		"No_Ciphertext":      {raw: `{"uuid":"a","eiv":"` + iv + `"}`, public: msgMissingPayload},
		"Unaligned":          {raw: `{"uuid":"a","eiv":"` + iv + `"}` + block + "x", public: msgUnalignedCipher},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := p.Parse([]byte(tc.raw))
			require.Error(t, err)
			assert.True(t, errors.Is(err, inter.ErrFrame))
			assert.Equal(t, tc.public, oops.GetPublic(err, ""))
		})
	}
}

func TestFrameParser_DefaultIdentifier(t *testing.T) {
	p := NewFrameParser("000000000000")
	raw := `{"eiv":"` + hex.EncodeToString(sequentialIV()) + `"}` + string(make([]byte, 16))

	frame, err := p.Parse([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, "000000000000", frame.Header.Identifier)
	assert.True(t, frame.DefaultedIdentifier)
}

func TestOutboundFrame(t *testing.T) {
	p := NewFrameParser("")
	header := inter.FrameHeader{Identifier: testIdentifier, IVHex: hex.EncodeToString(sequentialIV())}
	ct := []byte{0, 1, 254, 255}

	body, err := p.MarshalOutbound(header, ct)
	require.NoError(t, err)
	assert.JSONEq(t, `{"uuid":"5cdad4a1b2c3","eiv":"000102030405060708090a0b0c0d0e0f","payload":{"type":"Buffer","data":[0,1,254,255]}}`, string(body))

	gotHeader, gotCT, err := ParseOutbound(body)
	require.NoError(t, err)
	assert.Equal(t, header, gotHeader)
	assert.Equal(t, ct, gotCT)

	_, _, err = ParseOutbound([]byte(`{"uuid":"a","payload":{"type":"Buffer","data":[256]}}`))
	assert.Error(t, err)
	_, _, err = ParseOutbound([]byte(`{"uuid":"a","payload":{"type":"String","data":[]}}`))
	assert.Error(t, err)
}

// =============================================================================
// 报文识别
// =============================================================================

func TestDecodePayload(t *testing.T) {
	t.Run("Telemetry_Cool", func(t *testing.T) {
		got := DecodePayload([]byte(`{"tstat":{"temp":72,"tmode":2,"t_cool":75,"t_heat":65,"tstate":2,"fstate":1}}`))
		tel, ok := got.(Telemetry)
		require.True(t, ok)
		assert.Equal(t, 72.0, tel.Status.Temp)
		assert.Equal(t, inter.HVACModeCool, tel.Status.Mode)
		require.NotNil(t, tel.Status.ActiveSetpoint())
		assert.Equal(t, 75.0, *tel.Status.ActiveSetpoint())
	})

	t.Run("Telemetry_Heat", func(t *testing.T) {
		tel := DecodePayload([]byte(`{"tstat":{"temp":66.5,"tmode":1,"t_heat":68}}`)).(Telemetry)
		require.NotNil(t, tel.Status.ActiveSetpoint())
		assert.Equal(t, 68.0, *tel.Status.ActiveSetpoint())
	})

	t.Run("Telemetry_Off_Has_No_Setpoint", func(t *testing.T) {
		tel := DecodePayload([]byte(`{"tstat":{"temp":70,"tmode":0,"t_heat":68}}`)).(Telemetry)
		assert.Nil(t, tel.Status.ActiveSetpoint())
	})

	t.Run("Device_Clock", func(t *testing.T) {
		tel := DecodePayload([]byte(`{"tstat":{"temp":71,"tmode":2,"time":{"day":3,"hour":14,"minute":5}}}`)).(Telemetry)
		require.NotNil(t, tel.Status.Time)
		assert.Equal(t, DeviceClock{Day: 3, Hour: 14, Minute: 5}, *tel.Status.Time)
		assert.Equal(t, "day=3 14:05", tel.Status.Time.String())

		// 形态不符的 time 不影响其余字段
		tel, ok := DecodePayload([]byte(`{"tstat":{"temp":71,"tmode":2,"time":"14:05"}}`)).(Telemetry)
		require.True(t, ok)
		assert.Equal(t, 71.0, tel.Status.Temp)
		assert.Equal(t, DeviceClock{}, *tel.Status.Time)

		tel = DecodePayload([]byte(`{"tstat":{"temp":71,"tmode":2}}`)).(Telemetry)
		assert.Nil(t, tel.Status.Time)
	})

	t.Run("Unrecognized", func(t *testing.T) {
		for _, raw := range []string{`not json`, `{"other":1}`, `{"tstat":null}`, `{"tstat":"x"}`, `[1,2]`} {
			_, ok := DecodePayload([]byte(raw)).(Unrecognized)
			assert.True(t, ok, raw)
		}
	})
}

func TestFingerprint(t *testing.T) {
	// CRC-16/MODBUS 标准校验值
	assert.Equal(t, "4b37", Fingerprint([]byte("123456789")))
	assert.Len(t, Fingerprint(validFrame(t)), 4)
}

// =============================================================================
// 性能测试 (Benchmarks)
// =============================================================================

func BenchmarkDeriveKeys(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_, _ = DeriveKeys([]byte(testIdentifier), []byte(testSecret), inter.DefaultKDFIterations)
	}
}

func BenchmarkKeyCache_Hit(b *testing.B) {
	cache := NewKeyCache([]byte(testSecret), inter.DefaultKDFIterations)
	_, _ = cache.Keys([]byte(testIdentifier))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = cache.Keys([]byte(testIdentifier))
	}
}

func BenchmarkEncrypt_1KB(b *testing.B) {
	codec := NewThermoCodec()
	keys := testKeys(b)
	payload := bytes.Repeat([]byte("x"), 1024)
	iv := sequentialIV()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = codec.EncryptAndAuthenticate(keys, iv, payload)
	}
}

func BenchmarkDecrypt_1KB(b *testing.B) {
	codec := NewThermoCodec()
	keys := testKeys(b)
	iv := sequentialIV()
	ct, _ := SealControllerFrame(keys, iv, bytes.Repeat([]byte("x"), 1024))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = codec.DecryptAndVerify(keys, iv, ct)
	}
}
