package ipsec

import (
	"encoding/binary"
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Family 外层地址族，决定报文长度上限
type Family uint8

const (
	FamilyIPv4 Family = 4
	FamilyIPv6 Family = 6
)

const (
	ipv6HeaderLen = 40

	MaxIPv4Packet = 65535
	MaxIPv6Packet = 65535 + ipv6HeaderLen // payload length 字段不含固定头
)

// MaxPacket 地址族对应的报文长度上限
func (f Family) MaxPacket() int {
	if f == FamilyIPv6 {
		return MaxIPv6Packet
	}
	return MaxIPv4Packet
}

// Packet 外层流水线交给变换的报文
//
// Buf[:Skip] 是外层头 (可以为空)，Buf[Skip:] 在出站时是待保护的载荷、入站时是 ESP 报文。
// ProtoOffset 指向外层头中的 next-protocol 字节；没有外层头时为 -1，
// 出站的下一个头部由 NextProto 给出，入站恢复出的值只通过结果返回。
type Packet struct {
	Buf         []byte
	Skip        int
	ProtoOffset int
	NextProto   layers.IPProtocol
	Family      Family
}

// ParsePacket 从完整 IPv4/IPv6 数据报构造 Packet (不处理 IPv6 扩展头)
func ParsePacket(buf []byte) (Packet, error) {
	if len(buf) < 1 {
		return Packet{}, ErrTruncated
	}
	switch buf[0] >> 4 {
	case 4:
		var ip4 layers.IPv4
		if err := ip4.DecodeFromBytes(buf, gopacket.NilDecodeFeedback); err != nil {
			return Packet{}, fmt.Errorf("%w: %v", ErrTruncated, err)
		}
		return Packet{
			Buf:         buf,
			Skip:        int(ip4.IHL) * 4,
			ProtoOffset: 9,
			NextProto:   ip4.Protocol,
			Family:      FamilyIPv4,
		}, nil
	case 6:
		if len(buf) < ipv6HeaderLen {
			return Packet{}, ErrTruncated
		}
		return Packet{
			Buf:         buf,
			Skip:        ipv6HeaderLen,
			ProtoOffset: 6,
			NextProto:   layers.IPProtocol(buf[6]),
			Family:      FamilyIPv6,
		}, nil
	default:
		return Packet{}, fmt.Errorf("未知的 IP 版本 %d", buf[0]>>4)
	}
}

// TunnelPacket 隧道模式下没有外层头，下一个头部由内层 IP 版本决定
func TunnelPacket(inner []byte) Packet {
	pkt := Packet{Buf: inner, ProtoOffset: -1, Family: FamilyIPv4}
	if len(inner) > 0 {
		switch inner[0] >> 4 {
		case 4:
			pkt.NextProto = layers.IPProtocolIPv4
		case 6:
			pkt.NextProto = layers.IPProtocolIPv6
			pkt.Family = FamilyIPv6
		}
	}
	return pkt
}

func (p *Packet) nextProto() layers.IPProtocol {
	if p.ProtoOffset >= 0 && p.ProtoOffset < p.Skip {
		return layers.IPProtocol(p.Buf[p.ProtoOffset])
	}
	return p.NextProto
}

func (p *Packet) setNextProto(proto layers.IPProtocol) {
	if p.ProtoOffset >= 0 && p.ProtoOffset < p.Skip {
		p.Buf[p.ProtoOffset] = byte(proto)
	}
	p.NextProto = proto
}

// FixupLength 变换后更新外层头的长度字段 (IPv4 同时重算校验和)
func FixupLength(buf []byte, family Family) error {
	switch family {
	case FamilyIPv4:
		var ip4 layers.IPv4
		if err := ip4.DecodeFromBytes(buf, gopacket.NilDecodeFeedback); err != nil {
			return fmt.Errorf("%w: %v", ErrTruncated, err)
		}
		hlen := int(ip4.IHL) * 4
		if len(buf) > MaxIPv4Packet {
			return ErrPacketTooLarge
		}
		ip4.Length = uint16(len(buf))
		sb := gopacket.NewSerializeBuffer()
		if err := ip4.SerializeTo(sb, gopacket.SerializeOptions{ComputeChecksums: true}); err != nil {
			return err
		}
		copy(buf[:hlen], sb.Bytes())
		return nil
	case FamilyIPv6:
		if len(buf) < ipv6HeaderLen {
			return ErrTruncated
		}
		if len(buf)-ipv6HeaderLen > 0xffff {
			return ErrPacketTooLarge
		}
		binary.BigEndian.PutUint16(buf[4:6], uint16(len(buf)-ipv6HeaderLen))
		return nil
	default:
		return fmt.Errorf("未知的地址族 %d", family)
	}
}
