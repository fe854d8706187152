package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/iniwex5/esp-go/pkg/algo"
	"github.com/iniwex5/esp-go/pkg/cryptodev"
	"github.com/iniwex5/esp-go/pkg/ipsec"
	"github.com/iniwex5/esp-go/pkg/sa"
)

// fileConfig 隧道配置文件
type fileConfig struct {
	Local  string `yaml:"local"`
	Remote string `yaml:"remote"`

	TUN struct {
		Name  string `yaml:"name"`
		MTU   int    `yaml:"mtu"`
		NetNS string `yaml:"netns"`
	} `yaml:"tun"`

	Backend struct {
		Workers     int   `yaml:"workers"`
		Nonblocking *bool `yaml:"nonblocking"`
	} `yaml:"backend"`

	// NAT-keepalive 间隔，0 关闭
	Keepalive time.Duration `yaml:"keepalive"`

	// 把 SA 下发到内核 XFRM，由内核在 UDP 套接字上处理 ESP
	KernelOffload struct {
		Enabled bool `yaml:"enabled"`
		Ifid    int  `yaml:"ifid"`
	} `yaml:"kernel_offload"`

	MaxBusyRetries *int `yaml:"max_busy_retries"`

	Outbound saConfig `yaml:"outbound"`
	Inbound  saConfig `yaml:"inbound"`
}

type saConfig struct {
	SPI           uint32 `yaml:"spi"`
	Cipher        string `yaml:"cipher"`
	CipherKey     string `yaml:"cipher_key"` // 十六进制
	Auth          string `yaml:"auth"`
	AuthKey       string `yaml:"auth_key"`
	Legacy        bool   `yaml:"legacy"`
	CycleSequence bool   `yaml:"cycle_sequence"`
	Padding       string `yaml:"padding"`
	ReplayWindow  int    `yaml:"replay_window"`
}

func loadConfig(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}
	return parseConfig(data)
}

func parseConfig(data []byte) (*fileConfig, error) {
	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	if cfg.Local == "" {
		cfg.Local = "0.0.0.0:4500"
	}
	if cfg.Remote == "" {
		return nil, errors.New("缺少 remote")
	}
	if cfg.TUN.MTU == 0 {
		cfg.TUN.MTU = 1400
	}
	if cfg.Keepalive < 0 {
		return nil, fmt.Errorf("keepalive 不能为负: %v", cfg.Keepalive)
	}
	return &cfg, nil
}

func (c *fileConfig) transformConfig() *ipsec.Config {
	tc := ipsec.DefaultConfig()
	if c.MaxBusyRetries != nil {
		tc.MaxBusyRetries = *c.MaxBusyRetries
	}
	return tc
}

func (c *fileConfig) backendConfig() *cryptodev.Config {
	bc := cryptodev.DefaultConfig()
	if c.Backend.Workers > 0 {
		bc.Workers = c.Backend.Workers
	}
	if c.Backend.Nonblocking != nil {
		bc.Nonblocking = *c.Backend.Nonblocking
	}
	return bc
}

// toSA 把配置项转换为 sa.Config
func (s saConfig) toSA() (sa.Config, error) {
	cipher, ok := algo.ByName(s.Cipher)
	if !ok {
		return sa.Config{}, fmt.Errorf("%w: 加密算法 %q", sa.ErrUnsupportedAlgorithm, s.Cipher)
	}
	auth := algo.Descriptor{ID: algo.None}
	if s.Auth != "" {
		if auth, ok = algo.ByName(s.Auth); !ok {
			return sa.Config{}, fmt.Errorf("%w: 完整性算法 %q", sa.ErrUnsupportedAlgorithm, s.Auth)
		}
	}

	ck, err := hex.DecodeString(s.CipherKey)
	if err != nil {
		return sa.Config{}, fmt.Errorf("cipher_key: %w", err)
	}
	ak, err := hex.DecodeString(s.AuthKey)
	if err != nil {
		return sa.Config{}, fmt.Errorf("auth_key: %w", err)
	}

	pad, err := parsePadding(s.Padding)
	if err != nil {
		return sa.Config{}, err
	}

	return sa.Config{
		SPI:           s.SPI,
		Cipher:        cipher.ID,
		CipherKey:     ck,
		Auth:          auth.ID,
		AuthKey:       ak,
		Legacy:        s.Legacy,
		CycleSequence: s.CycleSequence,
		Padding:       pad,
		ReplayWindow:  s.ReplayWindow,
	}, nil
}

func parsePadding(name string) (sa.PaddingPolicy, error) {
	if name == "" {
		return sa.PaddingSequential, nil
	}
	for _, p := range []sa.PaddingPolicy{sa.PaddingSequential, sa.PaddingRandom, sa.PaddingZero} {
		if p.String() == name {
			return p, nil
		}
	}
	return 0, fmt.Errorf("%w: 填充策略 %q", sa.ErrInvalidConfig, name)
}
