package ipsec

import (
	"errors"
	"testing"

	"github.com/iniwex5/esp-go/pkg/algo"
	"github.com/iniwex5/esp-go/pkg/sa"
)

func TestPadLengthProperty(t *testing.T) {
	for _, bs := range []int{4, 8, 16} {
		for raw := 0; raw < 600; raw++ {
			pad := PadLength(raw, bs)
			if (raw+pad)%bs != 0 {
				t.Fatalf("块 %d 载荷 %d: 填充 %d 后未对齐", bs, raw, pad)
			}
			if pad < 2 || pad > bs+1 {
				t.Fatalf("块 %d 载荷 %d: 填充 %d 越界", bs, raw, pad)
			}
		}
	}
}

func TestPadLengthFormula(t *testing.T) {
	cases := []struct{ raw, bs, want int }{
		{0, 4, 4},
		{2, 4, 2},
		{4, 4, 4},
		{5, 4, 3},
		{14, 16, 2},
		{16, 16, 16},
		{20, 16, 12},
		{6, 8, 2},
		{7, 8, 9},
	}
	for _, c := range cases {
		if got := PadLength(c.raw, c.bs); got != c.want {
			t.Errorf("PadLength(%d, %d) = %d, 期望 %d", c.raw, c.bs, got, c.want)
		}
	}
}

func mustSA(t *testing.T, cfg sa.Config) *sa.SecurityAssociation {
	t.Helper()
	s, err := sa.New(cfg)
	if err != nil {
		t.Fatalf("创建 SA 失败: %v", err)
	}
	return s
}

func TestEncryptLayoutOffsets(t *testing.T) {
	s := mustSA(t, sa.Config{
		SPI: 0x300, Cipher: algo.AESCBC, CipherKey: make([]byte, 16),
		Auth: algo.HMACSHA256_128, AuthKey: make([]byte, 32),
	})

	l, err := EncryptLayout(s, 20, 100, FamilyIPv4)
	if err != nil {
		t.Fatalf("计算布局失败: %v", err)
	}
	want := Layout{
		Skip: 20, HeaderLen: 24, IVLen: 16, BlockSize: 16, TagLen: 16,
		PayloadLen: 100, PadLen: 12, TotalLen: 20 + 24 + 112 + 16,
		IVOffset: 28, PayloadOffset: 44, CipherLen: 112,
		TrailerOffset: 44 + 110, TagOffset: 44 + 112,
	}
	if l != want {
		t.Fatalf("布局不符:\n got=%+v\nwant=%+v", l, want)
	}
}

func TestLegacyHeaderIsShorter(t *testing.T) {
	cfg := sa.Config{SPI: 0x301, Cipher: algo.BlowfishCBC, CipherKey: make([]byte, 16)}
	modern := mustSA(t, cfg)
	cfg.Legacy = true
	legacy := mustSA(t, cfg)

	lm, _ := EncryptLayout(modern, 0, 10, FamilyIPv4)
	ll, _ := EncryptLayout(legacy, 0, 10, FamilyIPv4)
	if lm.HeaderLen-ll.HeaderLen != HeaderLen-LegacyHeaderLen {
		t.Fatalf("头长度差 %d", lm.HeaderLen-ll.HeaderLen)
	}
	if ll.IVOffset != LegacyHeaderLen {
		t.Fatalf("旧式 IV 偏移 %d", ll.IVOffset)
	}
}

func TestEncryptLayoutCeiling(t *testing.T) {
	s := mustSA(t, sa.Config{SPI: 0x302, Cipher: algo.NullCipher, Auth: algo.HMACMD5_96, AuthKey: make([]byte, 16)})

	// 8 + raw + pad + 12；raw = 65514 时 pad = 2，总长恰好 65536
	if _, err := EncryptLayout(s, 0, 65514, FamilyIPv4); !errors.Is(err, ErrPacketTooLarge) {
		t.Fatalf("期望 ErrPacketTooLarge, 实际 %v", err)
	}
	if _, err := EncryptLayout(s, 0, 65510, FamilyIPv4); err != nil {
		t.Fatalf("上限以内不应失败: %v", err)
	}
	if _, err := EncryptLayout(s, 0, 65514, FamilyIPv6); err != nil {
		t.Fatalf("IPv6 上限更高: %v", err)
	}
}

func TestDecryptLayoutValidation(t *testing.T) {
	s := mustSA(t, sa.Config{
		SPI: 0x303, Cipher: algo.AESCBC, CipherKey: make([]byte, 16),
		Auth: algo.HMACSHA1_96, AuthKey: make([]byte, 20),
	})
	overhead := 8 + 16 + 12

	for _, espLen := range []int{0, 7, overhead, overhead + 15, overhead + 17, overhead - 16} {
		if _, err := DecryptLayout(s, 0, espLen); !errors.Is(err, ErrPayloadNotBlockAligned) {
			t.Errorf("长度 %d: 期望 ErrPayloadNotBlockAligned, 实际 %v", espLen, err)
		}
	}

	l, err := DecryptLayout(s, 40, overhead+32)
	if err != nil {
		t.Fatalf("合法长度失败: %v", err)
	}
	if l.CipherLen != 32 || l.TagOffset != 40+24+32 || l.TrailerOffset != 40+24+30 || l.TotalLen != 40+overhead+32 {
		t.Fatalf("入站布局不符: %+v", l)
	}
}
