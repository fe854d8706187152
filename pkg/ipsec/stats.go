package ipsec

import (
	"errors"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Reason 丢包统计原因
type Reason uint8

const (
	ReasonNone        Reason = iota
	ReasonBadLength          // 载荷未按块对齐 / 过短
	ReasonTooLarge           // 超过报文长度上限
	ReasonBadPad             // 填充长度越界
	ReasonUnsupported        // 算法不支持
	ReasonAuth               // 完整性校验失败
	ReasonReplay             // 重放
	ReasonDecrypt            // 填充自校验失败
	ReasonNoResources        // 后端资源不足
	ReasonSADead             // SA 已失效
	ReasonPolicyDead         // 策略已失效
	ReasonBackend            // 后端硬错误
	ReasonWrap               // 序列号溢出
	ReasonTruncated          // 外层报文过短
	ReasonSPI                // SPI 不匹配

	numReasons
)

var reasonNames = [numReasons]string{
	ReasonNone:        "none",
	ReasonBadLength:   "bad_length",
	ReasonTooLarge:    "too_large",
	ReasonBadPad:      "bad_pad",
	ReasonUnsupported: "unsupported",
	ReasonAuth:        "auth_failed",
	ReasonReplay:      "replay",
	ReasonDecrypt:     "decrypt_failed",
	ReasonNoResources: "no_resources",
	ReasonSADead:      "sa_dead",
	ReasonPolicyDead:  "policy_dead",
	ReasonBackend:     "backend",
	ReasonWrap:        "wrap",
	ReasonTruncated:   "truncated",
	ReasonSPI:         "spi_mismatch",
}

func (r Reason) String() string {
	if r < numReasons {
		return reasonNames[r]
	}
	return "unknown"
}

// Direction 流量方向
type Direction uint8

const (
	Inbound Direction = iota
	Outbound
)

func (d Direction) String() string {
	if d == Inbound {
		return "inbound"
	}
	return "outbound"
}

// Stats ESP 统计
// 计数同时导出为 prometheus 指标并保留一份原子快照，统计不影响处理流程
type Stats struct {
	drops   *prometheus.CounterVec
	packets *prometheus.CounterVec
	bytes   *prometheus.CounterVec
	retries *prometheus.CounterVec

	dropped   [2][numReasons]atomic.Uint64
	processed [2]atomic.Uint64
	octets    [2]atomic.Uint64
	resubmits [2]atomic.Uint64
}

func newStats(reg prometheus.Registerer) *Stats {
	s := &Stats{
		drops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "esp",
			Name:      "drops_total",
			Help:      "Number of ESP packets dropped, by direction and reason.",
		}, []string{"direction", "reason"}),
		packets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "esp",
			Name:      "packets_total",
			Help:      "Number of ESP packets successfully transformed.",
		}, []string{"direction"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "esp",
			Name:      "bytes_total",
			Help:      "Number of payload bytes successfully transformed.",
		}, []string{"direction"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "esp",
			Name:      "backend_retries_total",
			Help:      "Number of crypto requests resubmitted after the backend reported busy.",
		}, []string{"direction"}),
	}
	if reg != nil {
		s.drops = register(reg, s.drops)
		s.packets = register(reg, s.packets)
		s.bytes = register(reg, s.bytes)
		s.retries = register(reg, s.retries)
	}
	return s
}

// register 同名指标已注册时复用已有的
func register(reg prometheus.Registerer, c *prometheus.CounterVec) *prometheus.CounterVec {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
	}
	return c
}

func (s *Stats) drop(dir Direction, r Reason) {
	s.dropped[dir][r].Add(1)
	s.drops.WithLabelValues(dir.String(), r.String()).Inc()
}

func (s *Stats) done(dir Direction, n int) {
	s.processed[dir].Add(1)
	s.octets[dir].Add(uint64(n))
	s.packets.WithLabelValues(dir.String()).Inc()
	s.bytes.WithLabelValues(dir.String()).Add(float64(n))
}

func (s *Stats) retry(dir Direction) {
	s.resubmits[dir].Add(1)
	s.retries.WithLabelValues(dir.String()).Inc()
}

// Dropped 某方向某原因的丢包数
func (s *Stats) Dropped(dir Direction, r Reason) uint64 {
	if r >= numReasons {
		return 0
	}
	return s.dropped[dir][r].Load()
}

// Packets 成功处理的报文数和载荷字节数
func (s *Stats) Packets(dir Direction) (packets, bytes uint64) {
	return s.processed[dir].Load(), s.octets[dir].Load()
}

// Retries 因后端忙重新提交的次数
func (s *Stats) Retries(dir Direction) uint64 { return s.resubmits[dir].Load() }

// Collectors 未注册到 Registerer 时供调用方自行收集
func (s *Stats) Collectors() []prometheus.Collector {
	return []prometheus.Collector{s.drops, s.packets, s.bytes, s.retries}
}
