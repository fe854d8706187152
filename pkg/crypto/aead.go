package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/iniwex5/esp-go/pkg/algo"
)

// ErrOpen AEAD 标签校验失败
var ErrOpen = errors.New("AEAD 认证失败")

// AEAD ESP 组合模式 (RFC 4106 / RFC 7634)
// 密钥结构: [密钥 | 盐 (4 字节)]，nonce = 盐 + 报文中的 8 字节 IV
type AEAD struct {
	aead cipher.AEAD
	salt [4]byte
}

// NewAEAD 根据算法 ID 构造 AEAD
func NewAEAD(id algo.ID, key []byte) (*AEAD, error) {
	d, ok := algo.Lookup(id)
	if !ok || d.Family != algo.FamilyAead {
		return nil, ErrNotSupported
	}
	if !d.KeyValid(key) {
		return nil, fmt.Errorf("%s: %w", d.Name, ErrBadKey)
	}
	realKey := key[:len(key)-d.SaltSize]

	var (
		a   cipher.AEAD
		err error
	)
	switch id {
	case algo.AESGCM12, algo.AESGCM16:
		block, berr := aes.NewCipher(realKey)
		if berr != nil {
			return nil, berr
		}
		a, err = cipher.NewGCMWithTagSize(block, d.TagSize)
	case algo.ChaCha20Poly1305:
		a, err = chacha20poly1305.New(realKey)
	default:
		return nil, ErrNotSupported
	}
	if err != nil {
		return nil, err
	}

	out := &AEAD{aead: a}
	copy(out.salt[:], key[len(key)-d.SaltSize:])
	return out, nil
}

// Overhead 标签长度
func (a *AEAD) Overhead() int { return a.aead.Overhead() }

func (a *AEAD) nonce(iv []byte) ([]byte, error) {
	if len(iv) != 8 {
		return nil, ErrBadIV
	}
	n := make([]byte, 0, 12)
	n = append(n, a.salt[:]...)
	return append(n, iv...), nil
}

// SealInPlace 加密 buf[:n] 并把标签写在其后，buf 长度必须为 n + Overhead()
func (a *AEAD) SealInPlace(buf []byte, n int, iv, aad []byte) error {
	if n < 0 || len(buf) != n+a.Overhead() {
		return ErrNotAligned
	}
	nonce, err := a.nonce(iv)
	if err != nil {
		return err
	}
	a.aead.Seal(buf[:0], nonce, buf[:n], aad)
	return nil
}

// OpenInPlace 校验并解密 buf (密文 + 标签)，返回明文长度
func (a *AEAD) OpenInPlace(buf []byte, iv, aad []byte) (int, error) {
	if len(buf) < a.Overhead() {
		return 0, ErrNotAligned
	}
	nonce, err := a.nonce(iv)
	if err != nil {
		return 0, err
	}
	pt, err := a.aead.Open(buf[:0], nonce, buf, aad)
	if err != nil {
		return 0, ErrOpen
	}
	return len(pt), nil
}
