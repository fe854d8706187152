package cryptodev

import (
	"fmt"

	"github.com/iniwex5/esp-go/pkg/algo"
	"github.com/iniwex5/esp-go/pkg/crypto"
)

// session 预先构造好的算法实例，可被多个 worker 并发使用
type session struct {
	params SessionParams
	enc    crypto.Encrypter
	aead   *crypto.AEAD
	mac    crypto.IntegrityAlgorithm
	ivLen  int
}

func newSession(p SessionParams) (*session, error) {
	cd, ok := algo.Lookup(p.Cipher)
	if !ok {
		return nil, fmt.Errorf("%w: cipher %d", crypto.ErrNotSupported, p.Cipher)
	}
	s := &session{
		params: SessionParams{
			Cipher:    p.Cipher,
			CipherKey: append([]byte(nil), p.CipherKey...),
			Auth:      p.Auth,
			AuthKey:   append([]byte(nil), p.AuthKey...),
		},
		ivLen: cd.IVSize,
	}

	var err error
	switch cd.Family {
	case algo.FamilyAead:
		s.aead, err = crypto.NewAEAD(p.Cipher, s.params.CipherKey)
	case algo.FamilyCipher:
		s.enc, err = crypto.NewEncrypter(p.Cipher, s.params.CipherKey)
	default:
		err = crypto.ErrNotSupported
	}
	if err != nil {
		return nil, err
	}
	if s.mac, err = crypto.GetIntegrityAlgorithm(p.Auth); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *session) zeroize() {
	for i := range s.params.CipherKey {
		s.params.CipherKey[i] = 0
	}
	for i := range s.params.AuthKey {
		s.params.AuthKey[i] = 0
	}
}

func region(buf []byte, off, n int) ([]byte, bool) {
	if off < 0 || n < 0 || off+n > len(buf) {
		return nil, false
	}
	return buf[off : off+n], true
}

// process 顺序执行全部描述符
func (s *session) process(req *Request) error {
	for i := range req.Descs {
		if err := s.run(req.Buf, &req.Descs[i]); err != nil {
			return fmt.Errorf("描述符 %d (%s): %w", i, req.Descs[i].Op, err)
		}
	}
	return nil
}

func (s *session) run(buf []byte, d *Descriptor) error {
	data, ok := region(buf, d.Offset, d.Length)
	if !ok {
		return ErrBadRequest
	}

	switch d.Op {
	case OpEncrypt, OpDecrypt:
		if s.enc == nil {
			return ErrBadRequest
		}
		iv, ok := region(buf, d.IVOffset, s.ivLen)
		if !ok {
			return ErrBadRequest
		}
		if d.Op == OpEncrypt {
			return s.enc.EncryptInPlace(data, iv)
		}
		return s.enc.DecryptInPlace(data, iv)

	case OpDigest:
		out, ok := region(buf, d.InjectOffset, s.mac.OutputSize())
		if !ok || s.mac.OutputSize() == 0 {
			return ErrBadRequest
		}
		copy(out, s.mac.Compute(s.params.AuthKey, data))
		return nil

	case OpSeal, OpOpen:
		if s.aead == nil {
			return ErrBadRequest
		}
		iv, ok := region(buf, d.IVOffset, s.ivLen)
		if !ok {
			return ErrBadRequest
		}
		aad, ok := region(buf, d.AADOffset, d.AADLength)
		if !ok {
			return ErrBadRequest
		}
		if d.Op == OpSeal {
			full, ok := region(buf, d.Offset, d.Length+s.aead.Overhead())
			if !ok {
				return ErrBadRequest
			}
			return s.aead.SealInPlace(full, d.Length, iv, aad)
		}
		if _, err := s.aead.OpenInPlace(data, iv, aad); err != nil {
			return ErrAuth
		}
		return nil

	default:
		return ErrBadRequest
	}
}
