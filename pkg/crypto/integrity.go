package crypto

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"hash"

	"golang.org/x/crypto/ripemd160"

	"github.com/iniwex5/esp-go/pkg/algo"
)

// IntegrityAlgorithm 完整性算法接口
type IntegrityAlgorithm interface {
	// Compute 计算截断后的 MAC
	Compute(key, data []byte) []byte
	// Output 长度
	OutputSize() int
}

// 截断 HMAC，ESP 的全部 HMAC 变体只在哈希函数和截断长度上不同
type truncatedHMAC struct {
	newHash func() hash.Hash
	outLen  int
}

func (h *truncatedHMAC) Compute(key, data []byte) []byte {
	mac := hmac.New(h.newHash, key)
	mac.Write(data)
	return mac.Sum(nil)[:h.outLen]
}

func (h *truncatedHMAC) OutputSize() int { return h.outLen }

// 空完整性算法 (用于 AEAD 或仅加密 SA)
type nullIntegrity struct{}

func (h *nullIntegrity) Compute(key, data []byte) []byte { return nil }
func (h *nullIntegrity) OutputSize() int                 { return 0 }

var (
	HMAC_MD5_96       IntegrityAlgorithm = &truncatedHMAC{newHash: md5.New, outLen: 12}
	HMAC_SHA1_96      IntegrityAlgorithm = &truncatedHMAC{newHash: sha1.New, outLen: 12}
	HMAC_SHA2_256_128 IntegrityAlgorithm = &truncatedHMAC{newHash: sha256.New, outLen: 16}
	HMAC_SHA2_384_192 IntegrityAlgorithm = &truncatedHMAC{newHash: sha512.New384, outLen: 24}
	HMAC_SHA2_512_256 IntegrityAlgorithm = &truncatedHMAC{newHash: sha512.New, outLen: 32}
	HMAC_RIPEMD160_96 IntegrityAlgorithm = &truncatedHMAC{newHash: ripemd160.New, outLen: 12}
)

// GetIntegrityAlgorithm 根据 ID 获取完整性算法
func GetIntegrityAlgorithm(id algo.ID) (IntegrityAlgorithm, error) {
	switch id {
	case algo.None:
		return &nullIntegrity{}, nil
	case algo.HMACMD5_96:
		return HMAC_MD5_96, nil
	case algo.HMACSHA1_96:
		return HMAC_SHA1_96, nil
	case algo.HMACSHA256_128:
		return HMAC_SHA2_256_128, nil
	case algo.HMACSHA384_192:
		return HMAC_SHA2_384_192, nil
	case algo.HMACSHA512_256:
		return HMAC_SHA2_512_256, nil
	case algo.HMACRIPEMD160_96:
		return HMAC_RIPEMD160_96, nil
	default:
		return nil, errors.New("不支持的完整性算法")
	}
}
