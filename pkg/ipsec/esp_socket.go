package ipsec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/iniwex5/esp-go/pkg/logger"
)

// ErrNotESP UDP 4500 上收到的非 ESP 报文 (IKE 或 NAT-keepalive)
var ErrNotESP = errors.New("不是 ESP 报文")

// Transport ESP 报文的收发通道，Send 可能被多个完成回调并发调用
type Transport interface {
	Send(data []byte) error
	Receive() ([]byte, error)
}

// UDPTransport UDP 封装的 ESP 套接字 (NAT-T, RFC 3948)
type UDPTransport struct {
	conn *net.UDPConn

	mu     sync.RWMutex
	remote *net.UDPAddr

	bufSize int
}

// NewUDPTransport 创建 UDP 封装的 ESP 套接字
func NewUDPTransport(localAddr, remoteAddr string) (*UDPTransport, error) {
	local, err := net.ResolveUDPAddr("udp", localAddr)
	if err != nil {
		return nil, err
	}

	remote, err := net.ResolveUDPAddr("udp", remoteAddr)
	if err != nil {
		return nil, err
	}

	conn, err := net.ListenUDP("udp", local)
	if err != nil {
		return nil, err
	}

	return &UDPTransport{
		conn:    conn,
		remote:  remote,
		bufSize: MaxIPv4Packet,
	}, nil
}

// Send 发送 ESP 报文；SPI 非零即表示 ESP，不需要额外标记
func (s *UDPTransport) Send(data []byte) error {
	s.mu.RLock()
	remote := s.remote
	s.mu.RUnlock()
	_, err := s.conn.WriteToUDP(data, remote)
	return err
}

// SendKeepalive 发送 NAT-keepalive (单字节 0xff)
func (s *UDPTransport) SendKeepalive() error {
	return s.Send([]byte{0xff})
}

// Receive 接收 ESP 报文
// NAT-keepalive 和带 non-ESP marker 的 IKE 报文返回 ErrNotESP
func (s *UDPTransport) Receive() ([]byte, error) {
	buf := make([]byte, s.bufSize)
	n, _, err := s.conn.ReadFromUDP(buf)
	if err != nil {
		return nil, err
	}

	if n == 1 && buf[0] == 0xff {
		return nil, ErrNotESP
	}
	if n < 4 || binary.BigEndian.Uint32(buf[:4]) == 0 {
		return nil, ErrNotESP
	}
	return buf[:n], nil
}

// RemoteAddr 当前对端地址
func (s *UDPTransport) RemoteAddr() *net.UDPAddr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.remote
}

func (s *UDPTransport) LocalAddr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// SetUDPEncap 在 socket 上设置 UDP_ENCAP_ESPINUDP
// 把 SA 下发到内核 XFRM 后，由内核在此 socket 上收发 ESP-in-UDP
func (s *UDPTransport) SetUDPEncap() error {
	rawConn, err := s.conn.SyscallConn()
	if err != nil {
		return fmt.Errorf("获取 SyscallConn 失败: %w", err)
	}

	var setErr error
	err = rawConn.Control(func(fd uintptr) {
		setErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_UDP, unix.UDP_ENCAP, unix.UDP_ENCAP_ESPINUDP)
	})
	if err != nil {
		return fmt.Errorf("Control 调用失败: %w", err)
	}
	if setErr != nil {
		return fmt.Errorf("设置 UDP_ENCAP_ESPINUDP 失败: %w", setErr)
	}

	logger.Info("已在 socket 上设置 UDP_ENCAP_ESPINUDP", logger.String("local", s.LocalAddr().String()))
	return nil
}

// Close 关闭套接字
func (s *UDPTransport) Close() error {
	return s.conn.Close()
}

// GetSPI 从 ESP 包中提取 SPI
func GetSPI(espPacket []byte) (uint32, error) {
	if len(espPacket) < LegacyHeaderLen {
		return 0, ErrTruncated
	}
	return binary.BigEndian.Uint32(espPacket[0:4]), nil
}

// GetSequenceNumber 从新式 ESP 包中提取序列号
func GetSequenceNumber(espPacket []byte) (uint32, error) {
	if len(espPacket) < HeaderLen {
		return 0, ErrTruncated
	}
	return binary.BigEndian.Uint32(espPacket[4:8]), nil
}
