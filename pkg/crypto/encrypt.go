package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/des"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/blowfish"
	"golang.org/x/crypto/cast5"

	"github.com/iniwex5/esp-go/pkg/algo"
)

var (
	ErrNotAligned   = errors.New("数据未按块对齐")
	ErrBadIV        = errors.New("IV 长度错误")
	ErrBadKey       = errors.New("密钥长度错误")
	ErrNotSupported = errors.New("不支持的加密算法")
)

// Encrypter 原地加解密接口
// 填充由调用者处理 (ESP 填充是特定的)，buf 必须已按算法块大小对齐
type Encrypter interface {
	EncryptInPlace(buf []byte, iv []byte) error
	DecryptInPlace(buf []byte, iv []byte) error
}

// 空加密，仅保留 4 字节对齐语义
type nullCipher struct{}

func (nullCipher) EncryptInPlace(buf []byte, iv []byte) error { return nil }
func (nullCipher) DecryptInPlace(buf []byte, iv []byte) error { return nil }

// 通用 CBC (AES / 3DES / Blowfish / CAST-128)
type cbcCipher struct {
	block cipher.Block
}

func (c *cbcCipher) check(buf, iv []byte) error {
	bs := c.block.BlockSize()
	if len(iv) != bs {
		return ErrBadIV
	}
	if len(buf)%bs != 0 {
		return ErrNotAligned
	}
	return nil
}

func (c *cbcCipher) EncryptInPlace(buf []byte, iv []byte) error {
	if err := c.check(buf, iv); err != nil {
		return err
	}
	cipher.NewCBCEncrypter(c.block, iv).CryptBlocks(buf, buf)
	return nil
}

func (c *cbcCipher) DecryptInPlace(buf []byte, iv []byte) error {
	if err := c.check(buf, iv); err != nil {
		return err
	}
	cipher.NewCBCDecrypter(c.block, iv).CryptBlocks(buf, buf)
	return nil
}

// AES-CTR (RFC 3686)
// 计数器块: [nonce (4) | IV (8) | 计数器 (4, 从 1 开始)]
type aesCTR struct {
	block cipher.Block
	nonce [4]byte
}

func (c *aesCTR) xor(buf []byte, iv []byte) error {
	if len(iv) != 8 {
		return ErrBadIV
	}
	var ctr [aes.BlockSize]byte
	copy(ctr[:4], c.nonce[:])
	copy(ctr[4:12], iv)
	binary.BigEndian.PutUint32(ctr[12:], 1)
	cipher.NewCTR(c.block, ctr[:]).XORKeyStream(buf, buf)
	return nil
}

func (c *aesCTR) EncryptInPlace(buf []byte, iv []byte) error { return c.xor(buf, iv) }
func (c *aesCTR) DecryptInPlace(buf []byte, iv []byte) error { return c.xor(buf, iv) }

// NewEncrypter 根据算法 ID 构造加密器
func NewEncrypter(id algo.ID, key []byte) (Encrypter, error) {
	d, ok := algo.Lookup(id)
	if !ok || d.Family != algo.FamilyCipher {
		return nil, ErrNotSupported
	}
	if !d.KeyValid(key) {
		return nil, fmt.Errorf("%s: %w", d.Name, ErrBadKey)
	}

	var (
		block cipher.Block
		err   error
	)
	switch id {
	case algo.NullCipher:
		return nullCipher{}, nil
	case algo.AESCTR:
		realKey := key[:len(key)-d.SaltSize]
		if block, err = aes.NewCipher(realKey); err != nil {
			return nil, err
		}
		c := &aesCTR{block: block}
		copy(c.nonce[:], key[len(key)-d.SaltSize:])
		return c, nil
	case algo.AESCBC:
		block, err = aes.NewCipher(key)
	case algo.TripleDESCBC:
		block, err = des.NewTripleDESCipher(key)
	case algo.BlowfishCBC:
		block, err = blowfish.NewCipher(key)
	case algo.CAST128CBC:
		block, err = cast5.NewCipher(key)
	default:
		return nil, ErrNotSupported
	}
	if err != nil {
		return nil, err
	}
	return &cbcCipher{block: block}, nil
}
