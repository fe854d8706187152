package algo

import (
	"sort"

	"golang.org/x/sys/cpu"
)

// ID ESP 变换算法标识 (加密、完整性、AEAD 共用一个编号空间)
type ID uint8

const (
	None ID = iota // 无完整性算法

	// 加密算法
	NullCipher
	AESCBC
	AESCTR
	TripleDESCBC
	BlowfishCBC
	CAST128CBC

	// 完整性算法
	HMACMD5_96
	HMACSHA1_96
	HMACSHA256_128
	HMACSHA384_192
	HMACSHA512_256
	HMACRIPEMD160_96

	// AEAD
	AESGCM12
	AESGCM16
	ChaCha20Poly1305
)

// Family 算法族
type Family uint8

const (
	FamilyCipher Family = iota + 1
	FamilyMac
	FamilyAead
)

func (f Family) String() string {
	switch f {
	case FamilyCipher:
		return "cipher"
	case FamilyMac:
		return "mac"
	case FamilyAead:
		return "aead"
	default:
		return "unknown"
	}
}

// MaxTagSize 所有已注册算法中最长的认证标签 (HMAC-SHA2-512-256)
const MaxTagSize = 32

// Descriptor 算法描述
type Descriptor struct {
	ID     ID
	Name   string
	Family Family

	BlockSize int // 对齐单位，ESP 填充以此为准
	IVSize    int // 报文中显式携带的 IV 长度
	TagSize   int // ICV 长度

	// 密钥位数范围，包含 SaltSize (CTR/GCM/ChaCha 的 nonce 盐附在密钥尾部)
	KeyBitsMin int
	KeyBitsMax int
	KeySizes   []int // 非空时只接受这些位数 (同样包含盐)
	SaltSize   int

	IKEv2ID  uint16 // IKEv2 transform ID
	XFRMName string // Linux XFRM 内核算法名

	Accelerated bool // 当前 CPU 是否有硬件加速
}

// KeyValid 检查密钥长度是否在允许范围内
func (d Descriptor) KeyValid(key []byte) bool {
	bits := len(key) * 8
	if bits < d.KeyBitsMin || bits > d.KeyBitsMax {
		return false
	}
	if len(d.KeySizes) == 0 {
		return true
	}
	for _, n := range d.KeySizes {
		if n == bits {
			return true
		}
	}
	return false
}

var (
	aesKeyBits     = []int{128, 192, 256}
	aesSaltKeyBits = []int{160, 224, 288}
)

var hasAES = cpu.X86.HasAES || cpu.ARM64.HasAES || cpu.S390X.HasAES

// 进程级只读表，init 之后不再修改
var registry = map[ID]Descriptor{
	None: {Name: "none", Family: FamilyMac},

	NullCipher: {Name: "null", Family: FamilyCipher, BlockSize: 4,
		IKEv2ID: 11, XFRMName: "ecb(cipher_null)"},
	AESCBC: {Name: "aes-cbc", Family: FamilyCipher, BlockSize: 16, IVSize: 16,
		KeyBitsMin: 128, KeyBitsMax: 256, KeySizes: aesKeyBits, IKEv2ID: 12, XFRMName: "cbc(aes)", Accelerated: hasAES},
	AESCTR: {Name: "aes-ctr", Family: FamilyCipher, BlockSize: 4, IVSize: 8,
		KeyBitsMin: 160, KeyBitsMax: 288, KeySizes: aesSaltKeyBits, SaltSize: 4, IKEv2ID: 13, XFRMName: "rfc3686(ctr(aes))", Accelerated: hasAES},
	TripleDESCBC: {Name: "3des-cbc", Family: FamilyCipher, BlockSize: 8, IVSize: 8,
		KeyBitsMin: 192, KeyBitsMax: 192, IKEv2ID: 3, XFRMName: "cbc(des3_ede)"},
	BlowfishCBC: {Name: "blowfish-cbc", Family: FamilyCipher, BlockSize: 8, IVSize: 8,
		KeyBitsMin: 40, KeyBitsMax: 448, IKEv2ID: 7, XFRMName: "cbc(blowfish)"},
	CAST128CBC: {Name: "cast128-cbc", Family: FamilyCipher, BlockSize: 8, IVSize: 8,
		KeyBitsMin: 128, KeyBitsMax: 128, IKEv2ID: 6, XFRMName: "cbc(cast5)"},

	HMACMD5_96: {Name: "hmac-md5-96", Family: FamilyMac, TagSize: 12,
		KeyBitsMin: 128, KeyBitsMax: 128, IKEv2ID: 1, XFRMName: "hmac(md5)"},
	HMACSHA1_96: {Name: "hmac-sha1-96", Family: FamilyMac, TagSize: 12,
		KeyBitsMin: 160, KeyBitsMax: 160, IKEv2ID: 2, XFRMName: "hmac(sha1)"},
	HMACSHA256_128: {Name: "hmac-sha2-256-128", Family: FamilyMac, TagSize: 16,
		KeyBitsMin: 256, KeyBitsMax: 256, IKEv2ID: 12, XFRMName: "hmac(sha256)"},
	HMACSHA384_192: {Name: "hmac-sha2-384-192", Family: FamilyMac, TagSize: 24,
		KeyBitsMin: 384, KeyBitsMax: 384, IKEv2ID: 13, XFRMName: "hmac(sha384)"},
	HMACSHA512_256: {Name: "hmac-sha2-512-256", Family: FamilyMac, TagSize: 32,
		KeyBitsMin: 512, KeyBitsMax: 512, IKEv2ID: 14, XFRMName: "hmac(sha512)"},
	HMACRIPEMD160_96: {Name: "hmac-ripemd160-96", Family: FamilyMac, TagSize: 12,
		KeyBitsMin: 160, KeyBitsMax: 160, XFRMName: "hmac(rmd160)"},

	// RFC 4106: 4 字节对齐，8 字节显式 IV，密钥尾部 4 字节盐
	AESGCM12: {Name: "aes-gcm-12", Family: FamilyAead, BlockSize: 4, IVSize: 8, TagSize: 12,
		KeyBitsMin: 160, KeyBitsMax: 288, KeySizes: aesSaltKeyBits, SaltSize: 4, IKEv2ID: 19, XFRMName: "rfc4106(gcm(aes))", Accelerated: hasAES},
	AESGCM16: {Name: "aes-gcm-16", Family: FamilyAead, BlockSize: 4, IVSize: 8, TagSize: 16,
		KeyBitsMin: 160, KeyBitsMax: 288, KeySizes: aesSaltKeyBits, SaltSize: 4, IKEv2ID: 20, XFRMName: "rfc4106(gcm(aes))", Accelerated: hasAES},
	// RFC 7634
	ChaCha20Poly1305: {Name: "chacha20-poly1305", Family: FamilyAead, BlockSize: 4, IVSize: 8, TagSize: 16,
		KeyBitsMin: 288, KeyBitsMax: 288, SaltSize: 4, IKEv2ID: 28, XFRMName: "rfc7539esp(chacha20,poly1305)"},
}

func init() {
	for id, d := range registry {
		d.ID = id
		registry[id] = d
	}
}

// Lookup 按 ID 查找算法描述，未知 ID 返回 false
func Lookup(id ID) (Descriptor, bool) {
	d, ok := registry[id]
	return d, ok
}

// ByName 按名字查找 (如 "aes-cbc"、"hmac-sha1-96")
func ByName(name string) (Descriptor, bool) {
	for _, d := range registry {
		if d.Name == name {
			return d, true
		}
	}
	return Descriptor{}, false
}

// All 返回全部算法描述 (按 ID 排序的副本)
func All() []Descriptor {
	out := make([]Descriptor, 0, len(registry))
	for _, d := range registry {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ByFamily 返回某一算法族的全部描述
func ByFamily(f Family) []Descriptor {
	var out []Descriptor
	for _, d := range All() {
		if d.Family == f {
			out = append(out, d)
		}
	}
	return out
}

func (id ID) String() string {
	if d, ok := registry[id]; ok {
		return d.Name
	}
	return "unknown"
}
