package ipsec

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/gopacket/layers"

	"github.com/iniwex5/esp-go/pkg/algo"
	"github.com/iniwex5/esp-go/pkg/logger"
	"github.com/iniwex5/esp-go/pkg/sa"
)

// maxOverhead ESP 头 + 最长 IV + 最长填充 + 最长 ICV
const maxOverhead = HeaderLen + 16 + 16 + trailerLen + algo.MaxTagSize

// DataPlane 隧道模式数据平面：TUN <-> ESP
// 读循环只负责提交，加解密完成后在回调里发送或写回 TUN
type DataPlane struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	flight sync.WaitGroup // 在途的异步请求

	transform *Transform
	tun       io.ReadWriter
	transport Transport
	mtu       int

	mu         sync.RWMutex
	inbound    map[uint32]*sa.SecurityAssociation
	outboundSA *sa.SecurityAssociation
	policy     *sa.Policy

	packetsSent     atomic.Uint64
	packetsReceived atomic.Uint64
	bytesSent       atomic.Uint64
	bytesReceived   atomic.Uint64
	encryptErrors   atomic.Uint64
	decryptErrors   atomic.Uint64
}

// DataPlaneStats 数据平面统计
type DataPlaneStats struct {
	PacketsSent     uint64
	PacketsReceived uint64
	BytesSent       uint64
	BytesReceived   uint64
	EncryptErrors   uint64
	DecryptErrors   uint64
}

// NewDataPlane 创建数据平面，mtu 为 TUN 上单个明文报文的最大长度
func NewDataPlane(ctx context.Context, t *Transform, tun io.ReadWriter, transport Transport, mtu int) *DataPlane {
	dpCtx, cancel := context.WithCancel(ctx)
	if mtu <= 0 {
		mtu = 1500
	}
	return &DataPlane{
		ctx:       dpCtx,
		cancel:    cancel,
		transform: t,
		tun:       tun,
		transport: transport,
		mtu:       mtu,
		inbound:   make(map[uint32]*sa.SecurityAssociation),
	}
}

// SetSecurityAssociations 设置出站 SA 和策略，并登记入站 SA
// 重新协商期间新旧入站 SA 可以同时存在，旧的用 RemoveInbound 删除
func (dp *DataPlane) SetSecurityAssociations(inbound, outbound *sa.SecurityAssociation, pol *sa.Policy) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	if inbound != nil {
		dp.inbound[inbound.SPI()] = inbound
	}
	dp.outboundSA = outbound
	dp.policy = pol
}

// RemoveInbound 删除入站 SA
func (dp *DataPlane) RemoveInbound(spi uint32) {
	dp.mu.Lock()
	delete(dp.inbound, spi)
	dp.mu.Unlock()
}

// Start 启动数据平面处理
func (dp *DataPlane) Start() {
	dp.wg.Add(2)
	go dp.encryptLoop()
	go dp.decryptLoop()
}

// Stop 停止读循环并等待在途请求完成
// 阻塞在 Read / Receive 上的循环需要调用方关闭 TUN 和传输通道才能退出
func (dp *DataPlane) Stop() {
	dp.cancel()
	dp.wg.Wait()
	dp.flight.Wait()
}

func closed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

// encryptLoop 加密循环：TUN -> ESP -> Network
func (dp *DataPlane) encryptLoop() {
	defer dp.wg.Done()

	for {
		select {
		case <-dp.ctx.Done():
			return
		default:
		}

		// 每个报文独立的缓冲区，预留 ESP 开销，异步完成前不能复用
		buf := make([]byte, dp.mtu, dp.mtu+maxOverhead)
		n, err := dp.tun.Read(buf)
		if err != nil {
			if dp.ctx.Err() != nil || closed(err) {
				return
			}
			logger.Debug("TUN 读取错误", logger.Err(err))
			continue
		}

		dp.mu.RLock()
		sav, pol := dp.outboundSA, dp.policy
		dp.mu.RUnlock()

		if sav == nil {
			continue
		}

		pkt := TunnelPacket(buf[:n])
		dp.flight.Add(1)
		err = dp.transform.Output(&pkt, sav, pol, func(res OutputResult, err error) {
			defer dp.flight.Done()
			if err != nil {
				dp.encryptErrors.Add(1)
				return
			}
			if err := dp.transport.Send(res.Buf); err != nil {
				logger.Debug("ESP 发送错误", logger.Err(err))
				return
			}
			dp.packetsSent.Add(1)
			dp.bytesSent.Add(uint64(len(res.Buf)))
		})
		if err != nil {
			dp.flight.Done()
			dp.encryptErrors.Add(1)
		}
	}
}

// decryptLoop 解密循环：Network -> ESP -> TUN
func (dp *DataPlane) decryptLoop() {
	defer dp.wg.Done()

	for {
		select {
		case <-dp.ctx.Done():
			return
		default:
		}

		espPacket, err := dp.transport.Receive()
		if err != nil {
			if dp.ctx.Err() != nil || closed(err) {
				return
			}
			if !errors.Is(err, ErrNotESP) {
				logger.Debug("ESP 接收错误", logger.Err(err))
			}
			continue
		}

		sav, err := dp.lookup(espPacket)
		if err != nil {
			dp.decryptErrors.Add(1)
			continue
		}

		pkt := Packet{Buf: espPacket, ProtoOffset: -1, Family: FamilyIPv4}
		dp.flight.Add(1)
		err = dp.transform.Input(&pkt, sav, func(res InputResult, err error) {
			defer dp.flight.Done()
			if err != nil {
				dp.decryptErrors.Add(1)
				return
			}
			if res.NextProto != layers.IPProtocolIPv4 && res.NextProto != layers.IPProtocolIPv6 {
				logger.Debug("隧道模式下的非 IP 载荷", logger.Uint32("next", uint32(res.NextProto)))
				dp.decryptErrors.Add(1)
				return
			}
			if _, err := dp.tun.Write(res.Buf); err != nil {
				logger.Debug("TUN 写入错误", logger.Err(err))
				return
			}
			dp.packetsReceived.Add(1)
			dp.bytesReceived.Add(uint64(len(res.Buf)))
		})
		if err != nil {
			dp.flight.Done()
			dp.decryptErrors.Add(1)
		}
	}
}

// lookup 按 SPI 找入站 SA，找不到计为 SPI 不匹配
func (dp *DataPlane) lookup(espPacket []byte) (*sa.SecurityAssociation, error) {
	spi, err := GetSPI(espPacket)
	if err != nil {
		return nil, dp.transform.fail(Inbound, newError(ReasonTruncated, 0, err), 0)
	}
	dp.mu.RLock()
	sav := dp.inbound[spi]
	dp.mu.RUnlock()
	if sav == nil {
		return nil, dp.transform.fail(Inbound, newError(ReasonSPI, spi, nil), 0)
	}
	return sav, nil
}

// GetStats 获取统计信息
func (dp *DataPlane) GetStats() DataPlaneStats {
	return DataPlaneStats{
		PacketsSent:     dp.packetsSent.Load(),
		PacketsReceived: dp.packetsReceived.Load(),
		BytesSent:       dp.bytesSent.Load(),
		BytesReceived:   dp.bytesReceived.Load(),
		EncryptErrors:   dp.encryptErrors.Load(),
		DecryptErrors:   dp.decryptErrors.Load(),
	}
}
