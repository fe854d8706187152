package ipsec

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/iniwex5/esp-go/pkg/crypto"
	"github.com/iniwex5/esp-go/pkg/cryptodev"
	"github.com/iniwex5/esp-go/pkg/logger"
	"github.com/iniwex5/esp-go/pkg/sa"
)

// Config 变换配置
type Config struct {
	MaxBusyRetries int                   // 后端报告忙时的最大重新提交次数
	Registerer     prometheus.Registerer // 为 nil 时不注册指标
	Rand           io.Reader             // IV 和随机填充的来源
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		MaxBusyRetries: 8,
		Rand:           rand.Reader,
	}
}

// Transform ESP 出入站变换，实际加解密交给异步后端
// 同一个 Transform 可以被任意多个 goroutine 并发使用
type Transform struct {
	cfg     Config
	backend cryptodev.Backend
	stats   *Stats
	log     *zap.Logger
}

// NewTransform 创建变换
func NewTransform(backend cryptodev.Backend, cfg *Config) *Transform {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := *cfg
	if c.MaxBusyRetries < 0 {
		c.MaxBusyRetries = 0
	}
	if c.Rand == nil {
		c.Rand = rand.Reader
	}
	return &Transform{
		cfg:     c,
		backend: backend,
		stats:   newStats(c.Registerer),
		log:     logger.Named("esp"),
	}
}

// Stats 统计
func (t *Transform) Stats() *Stats { return t.stats }

// Init 为 SA 打开后端会话并缓存会话 ID；SA 最终释放时关闭会话
func (t *Transform) Init(sav *sa.SecurityAssociation) error {
	if sav.Dead() {
		return newError(ReasonSADead, sav.SPI(), nil)
	}
	sid, err := t.backend.NewSession(cryptodev.SessionParams{
		Cipher:    sav.Cipher().ID,
		CipherKey: sav.CipherKey(),
		Auth:      sav.Auth().ID,
		AuthKey:   sav.AuthKey(),
	})
	if err != nil {
		if errors.Is(err, crypto.ErrNotSupported) {
			return newError(ReasonUnsupported, sav.SPI(), err)
		}
		return newError(ReasonBackend, sav.SPI(), fmt.Errorf("创建加密会话失败: %w", err))
	}
	sav.SetCryptoSession(sid)
	sav.OnFree(func() error {
		return t.backend.FreeSession(sav.CryptoSession())
	})

	t.log.Info("ESP SA 已初始化",
		logger.SPI(sav.SPI()),
		zap.Stringer("cipher", sav.Cipher().ID),
		zap.Stringer("auth", sav.Auth().ID),
		zap.Bool("legacy", sav.Legacy()),
		zap.Int("replay_window", sav.ReplayWindow()))
	return nil
}

// submitError 提交失败映射到错误分类
func submitError(spi uint32, err error) *Error {
	if errors.Is(err, cryptodev.ErrNoResources) {
		return newError(ReasonNoResources, spi, err)
	}
	return newError(ReasonBackend, spi, err)
}

// completionError 后端硬错误映射；AEAD 校验失败属于完整性错误
func completionError(spi uint32, err error) *Error {
	if errors.Is(err, cryptodev.ErrAuth) {
		return newError(ReasonAuth, spi, nil)
	}
	if err == nil {
		err = errors.New("未知后端错误")
	}
	return newError(ReasonBackend, spi, err)
}

// fail 计数并记录一次丢包，返回同一个错误
func (t *Transform) fail(dir Direction, e *Error, seq uint32) *Error {
	t.stats.drop(dir, e.Reason)
	fields := []zap.Field{
		zap.Stringer("direction", dir),
		logger.SPI(e.SPI),
		logger.Uint32("seq", seq),
		zap.Stringer("reason", e.Reason),
		logger.Err(e.Err),
	}
	if e.Reason == ReasonBackend {
		t.log.Warn("ESP 后端错误", fields...)
	} else {
		t.log.Debug("ESP 丢包", fields...)
	}
	return e
}
