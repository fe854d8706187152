package sa

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"

	"github.com/iniwex5/esp-go/pkg/algo"
	"github.com/iniwex5/esp-go/pkg/logger"
	"github.com/iniwex5/esp-go/pkg/replay"
)

var (
	ErrUnsupportedAlgorithm = errors.New("不支持的算法")
	ErrInvalidKey           = errors.New("密钥长度非法")
	ErrInvalidConfig        = errors.New("SA 参数非法")
	ErrDead                 = errors.New("SA 已失效")
	ErrSequenceOverflow     = errors.New("序列号溢出，需要重新协商密钥")
)

// PaddingPolicy 出站填充字节的生成方式
type PaddingPolicy uint8

const (
	PaddingSequential PaddingPolicy = iota // 1, 2, 3 ... (RFC 4303 默认，可自校验)
	PaddingRandom
	PaddingZero
)

func (p PaddingPolicy) String() string {
	switch p {
	case PaddingSequential:
		return "sequential"
	case PaddingRandom:
		return "random"
	case PaddingZero:
		return "zero"
	default:
		return "unknown"
	}
}

// DefaultReplayWindow 默认抗重放窗口宽度 (位)
const DefaultReplayWindow = 64

// Config 单个 SA 的参数
type Config struct {
	SPI       uint32
	Cipher    algo.ID
	CipherKey []byte // AEAD 时包含尾部盐
	Auth      algo.ID
	AuthKey   []byte

	Legacy        bool // 旧式 ESP (RFC 1827)，没有序列号字段
	CycleSequence bool // 允许序列号回绕
	Padding       PaddingPolicy

	// 抗重放窗口宽度 (位)，0 关闭检查
	ReplayWindow int
}

// SecurityAssociation 一个方向的 ESP SA
// 除 seq / window 外全部字段创建后只读；seq 与 window 只在 mu 下修改
type SecurityAssociation struct {
	spi       uint32
	cipher    algo.Descriptor
	auth      algo.Descriptor
	cipherKey []byte
	authKey   []byte
	legacy    bool
	cycle     bool
	padding   PaddingPolicy

	lt lifetime

	mu     sync.Mutex
	seq    uint32
	window *replay.Window

	session atomic.Uint64 // 缓存的加密会话 ID

	packets atomic.Uint64
	bytes   atomic.Uint64

	hooksMu sync.Mutex
	onFree  []func() error
}

// New 校验参数并创建 SA
func New(cfg Config) (*SecurityAssociation, error) {
	// SPI 0-255 为 IANA 保留
	if cfg.SPI <= 255 {
		return nil, fmt.Errorf("%w: SPI %d 位于保留范围", ErrInvalidConfig, cfg.SPI)
	}

	enc, ok := algo.Lookup(cfg.Cipher)
	if !ok || enc.Family == algo.FamilyMac {
		return nil, fmt.Errorf("%w: 加密算法 %d", ErrUnsupportedAlgorithm, cfg.Cipher)
	}
	auth, ok := algo.Lookup(cfg.Auth)
	if !ok || auth.Family != algo.FamilyMac {
		return nil, fmt.Errorf("%w: 完整性算法 %d", ErrUnsupportedAlgorithm, cfg.Auth)
	}

	if enc.Family == algo.FamilyAead {
		if cfg.Auth != algo.None {
			return nil, fmt.Errorf("%w: AEAD 不能再叠加独立的完整性算法", ErrInvalidConfig)
		}
		if cfg.Legacy {
			return nil, fmt.Errorf("%w: 旧式 ESP 不支持 AEAD", ErrInvalidConfig)
		}
	}
	if cfg.Cipher == algo.NullCipher && cfg.Auth == algo.None {
		return nil, fmt.Errorf("%w: 加密和完整性算法不能同时为空", ErrInvalidConfig)
	}

	if !enc.KeyValid(cfg.CipherKey) {
		return nil, keyError(enc, cfg.CipherKey)
	}
	if !auth.KeyValid(cfg.AuthKey) {
		return nil, keyError(auth, cfg.AuthKey)
	}
	if cfg.Padding > PaddingZero {
		return nil, fmt.Errorf("%w: 填充策略 %d", ErrInvalidConfig, cfg.Padding)
	}

	s := &SecurityAssociation{
		spi:       cfg.SPI,
		cipher:    enc,
		auth:      auth,
		cipherKey: append([]byte(nil), cfg.CipherKey...),
		authKey:   append([]byte(nil), cfg.AuthKey...),
		legacy:    cfg.Legacy,
		cycle:     cfg.CycleSequence,
		padding:   cfg.Padding,
		window:    replay.New(cfg.ReplayWindow),
	}
	s.lt.onFree = s.free
	return s, nil
}

func (s *SecurityAssociation) SPI() uint32                  { return s.spi }
func (s *SecurityAssociation) Cipher() algo.Descriptor      { return s.cipher }
func (s *SecurityAssociation) Auth() algo.Descriptor        { return s.auth }
func (s *SecurityAssociation) CipherKey() []byte            { return s.cipherKey }
func (s *SecurityAssociation) AuthKey() []byte              { return s.authKey }
func (s *SecurityAssociation) Legacy() bool                 { return s.legacy }
func (s *SecurityAssociation) PaddingPolicy() PaddingPolicy { return s.padding }
func (s *SecurityAssociation) IVLen() int                   { return s.cipher.IVSize }

// IsAEAD 是否使用组合模式
func (s *SecurityAssociation) IsAEAD() bool { return s.cipher.Family == algo.FamilyAead }

// TagLen ICV 长度 (AEAD 标签或截断 MAC)
func (s *SecurityAssociation) TagLen() int {
	if s.IsAEAD() {
		return s.cipher.TagSize
	}
	return s.auth.TagSize
}

// Authenticated 报文是否带完整性保护 (只有这类 SA 的序列号可信)
func (s *SecurityAssociation) Authenticated() bool {
	return s.IsAEAD() || s.auth.ID != algo.None
}

// NextSequence 分配下一个出站序列号
// 必须在任何异步步骤之前同步调用，保证提交顺序 == 序列号顺序
func (s *SecurityAssociation) NextSequence() (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seq == math.MaxUint32 {
		if !s.cycle {
			return 0, ErrSequenceOverflow
		}
		s.seq = 0 // 跳过 0
	}
	s.seq++
	return s.seq, nil
}

// Sequence 最近一次分配的出站序列号
func (s *SecurityAssociation) Sequence() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// SetSequence 供测试和 SA 迁移使用
func (s *SecurityAssociation) SetSequence(seq uint32) {
	s.mu.Lock()
	s.seq = seq
	s.mu.Unlock()
}

// CheckReplay 只读检查，不更新窗口
func (s *SecurityAssociation) CheckReplay(seq uint32) bool {
	if s.window == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.window.Check(seq)
}

// UpdateReplay 认证通过后检查并更新窗口，这是窗口唯一的写入点
func (s *SecurityAssociation) UpdateReplay(seq uint32) bool {
	if s.window == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.window.CheckAndUpdate(seq)
}

// ReplayWindow 窗口宽度，0 表示关闭
func (s *SecurityAssociation) ReplayWindow() int {
	if s.window == nil {
		return 0
	}
	return s.window.Size()
}

// CryptoSession 缓存的后端会话 ID
func (s *SecurityAssociation) CryptoSession() uint64 { return s.session.Load() }

// SetCryptoSession 后端迁移会话后更新缓存
func (s *SecurityAssociation) SetCryptoSession(id uint64) { s.session.Store(id) }

// AddTraffic 成功处理一个报文后累计生命周期计数
func (s *SecurityAssociation) AddTraffic(n int) {
	s.packets.Add(1)
	s.bytes.Add(uint64(n))
}

// Traffic 生命周期计数
func (s *SecurityAssociation) Traffic() (packets, bytes uint64) {
	return s.packets.Load(), s.bytes.Load()
}

// Acquire 原子地检查存活并增加引用
func (s *SecurityAssociation) Acquire() (*Ref, error) {
	if !s.lt.acquire() {
		return nil, ErrDead
	}
	return newRef(&s.lt), nil
}

// Kill 标记 SA 失效；最后一个引用释放时清零密钥并执行 OnFree 钩子
func (s *SecurityAssociation) Kill() bool { return s.lt.kill() }

func (s *SecurityAssociation) Dead() bool { return s.lt.dead() }

// Refs 当前在途引用数
func (s *SecurityAssociation) Refs() int { return s.lt.refs() }

// OnFree 注册 SA 释放时的清理函数
func (s *SecurityAssociation) OnFree(fn func() error) {
	s.hooksMu.Lock()
	s.onFree = append(s.onFree, fn)
	s.hooksMu.Unlock()
}

func (s *SecurityAssociation) free() {
	s.hooksMu.Lock()
	hooks := s.onFree
	s.onFree = nil
	s.hooksMu.Unlock()

	var err error
	for i := len(hooks) - 1; i >= 0; i-- {
		err = multierr.Append(err, hooks[i]())
	}
	if err != nil {
		logger.Warn("SA 释放钩子执行失败", logger.SPI(s.spi), logger.Err(err))
	}

	zero(s.cipherKey)
	zero(s.authKey)
	logger.Debug("SA 已释放", logger.SPI(s.spi))
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func keyError(d algo.Descriptor, key []byte) error {
	if len(d.KeySizes) > 0 {
		return fmt.Errorf("%w: %s 需要 %v 位之一, 实际 %d 位", ErrInvalidKey, d.Name, d.KeySizes, len(key)*8)
	}
	return fmt.Errorf("%w: %s 需要 %d-%d 位, 实际 %d 位", ErrInvalidKey, d.Name, d.KeyBitsMin, d.KeyBitsMax, len(key)*8)
}
