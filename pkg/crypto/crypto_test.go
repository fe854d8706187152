package crypto

import (
	"bytes"
	"errors"
	"testing"

	"github.com/iniwex5/esp-go/pkg/algo"
)

func keyOf(n int) []byte {
	k := make([]byte, n)
	for i := range k {
		k[i] = byte(i*7 + 1)
	}
	return k
}

// TestEncrypterRoundTrip 测试全部加密算法的原地加解密
func TestEncrypterRoundTrip(t *testing.T) {
	for _, d := range algo.ByFamily(algo.FamilyCipher) {
		t.Run(d.Name, func(t *testing.T) {
			enc, err := NewEncrypter(d.ID, keyOf(d.KeyBitsMax/8))
			if err != nil {
				t.Fatalf("获取加密器失败: %v", err)
			}

			plaintext := bytes.Repeat([]byte("HelloESPWorld!!!"), 4) // 64 字节，所有块大小都对齐
			buf := append([]byte(nil), plaintext...)
			iv := keyOf(d.IVSize)

			if err := enc.EncryptInPlace(buf, iv); err != nil {
				t.Fatalf("加密失败: %v", err)
			}
			if d.ID != algo.NullCipher && bytes.Equal(buf, plaintext) {
				t.Fatal("密文不应等于明文")
			}
			if err := enc.DecryptInPlace(buf, iv); err != nil {
				t.Fatalf("解密失败: %v", err)
			}
			if !bytes.Equal(buf, plaintext) {
				t.Errorf("解密结果不匹配: got %x, want %x", buf, plaintext)
			}
		})
	}
}

// TestAESCBCRejectsUnaligned 测试 CBC 拒绝未对齐输入
func TestAESCBCRejectsUnaligned(t *testing.T) {
	enc, err := NewEncrypter(algo.AESCBC, keyOf(16))
	if err != nil {
		t.Fatalf("获取加密器失败: %v", err)
	}
	if err := enc.EncryptInPlace(make([]byte, 15), make([]byte, 16)); !errors.Is(err, ErrNotAligned) {
		t.Fatalf("期望 ErrNotAligned, got %v", err)
	}
}

func TestNewEncrypterRejectsBadKey(t *testing.T) {
	if _, err := NewEncrypter(algo.AESCBC, keyOf(15)); !errors.Is(err, ErrBadKey) {
		t.Fatalf("期望 ErrBadKey, got %v", err)
	}
	if _, err := NewEncrypter(algo.HMACSHA1_96, keyOf(20)); !errors.Is(err, ErrNotSupported) {
		t.Fatalf("完整性算法不能作为加密器: %v", err)
	}
}

// TestAEADSealOpen 测试 AEAD 原地加解密
func TestAEADSealOpen(t *testing.T) {
	for _, d := range algo.ByFamily(algo.FamilyAead) {
		t.Run(d.Name, func(t *testing.T) {
			a, err := NewAEAD(d.ID, keyOf(d.KeyBitsMin/8))
			if err != nil {
				t.Fatalf("获取 AEAD 失败: %v", err)
			}
			if a.Overhead() != d.TagSize {
				t.Fatalf("标签长度 %d != %d", a.Overhead(), d.TagSize)
			}

			plaintext := []byte("Hello, ESP AEAD!")
			aad := []byte{1, 2, 3, 4, 0, 0, 0, 1}
			iv := keyOf(8)

			buf := make([]byte, len(plaintext)+a.Overhead())
			copy(buf, plaintext)
			if err := a.SealInPlace(buf, len(plaintext), iv, aad); err != nil {
				t.Fatalf("加密失败: %v", err)
			}

			n, err := a.OpenInPlace(append([]byte(nil), buf...), iv, aad)
			if err != nil || n != len(plaintext) {
				t.Fatalf("解密失败: n=%d err=%v", n, err)
			}

			tampered := append([]byte(nil), buf...)
			tampered[len(tampered)-1] ^= 0x01
			if _, err := a.OpenInPlace(tampered, iv, aad); !errors.Is(err, ErrOpen) {
				t.Fatalf("篡改的标签应校验失败: %v", err)
			}

			badAAD := []byte{9, 2, 3, 4, 0, 0, 0, 1}
			if _, err := a.OpenInPlace(append([]byte(nil), buf...), iv, badAAD); !errors.Is(err, ErrOpen) {
				t.Fatalf("篡改的 AAD 应校验失败: %v", err)
			}
		})
	}
}

// TestIntegrityAlgorithms 测试 HMAC 截断长度与校验
func TestIntegrityAlgorithms(t *testing.T) {
	for _, d := range algo.ByFamily(algo.FamilyMac) {
		integ, err := GetIntegrityAlgorithm(d.ID)
		if err != nil {
			t.Fatalf("%s: %v", d.Name, err)
		}
		if integ.OutputSize() != d.TagSize {
			t.Errorf("%s: 输出长度 %d != %d", d.Name, integ.OutputSize(), d.TagSize)
		}
		if d.ID == algo.None {
			continue
		}
		key := keyOf(d.KeyBitsMin / 8)
		data := []byte("esp header and ciphertext")
		mac := integ.Compute(key, data)
		if len(mac) != d.TagSize {
			t.Errorf("%s: MAC 长度 %d", d.Name, len(mac))
		}
		if !bytes.Equal(mac, integ.Compute(key, data)) {
			t.Errorf("%s: 相同输入的 MAC 不一致", d.Name)
		}
		if bytes.Equal(mac, integ.Compute(key, append(data, 0))) {
			t.Errorf("%s: 不同输入得到相同的 MAC", d.Name)
		}
	}
}
