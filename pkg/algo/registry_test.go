package algo

import "testing"

func TestLookupUnknown(t *testing.T) {
	if _, ok := Lookup(ID(200)); ok {
		t.Fatal("未知算法 ID 不应返回描述")
	}
}

func TestNullCipherBlockSize(t *testing.T) {
	d, ok := Lookup(NullCipher)
	if !ok {
		t.Fatal("null 加密算法未注册")
	}
	if d.BlockSize != 4 || d.IVSize != 0 || d.Family != FamilyCipher {
		t.Fatalf("null 描述错误: %+v", d)
	}
}

func TestFamiliesPresent(t *testing.T) {
	if n := len(ByFamily(FamilyCipher)); n < 2 {
		t.Errorf("加密算法数量不足: %d", n)
	}
	if n := len(ByFamily(FamilyMac)); n < 2 {
		t.Errorf("完整性算法数量不足: %d", n)
	}
	if n := len(ByFamily(FamilyAead)); n < 1 {
		t.Errorf("AEAD 算法数量不足: %d", n)
	}
}

func TestMaxTagSize(t *testing.T) {
	max := 0
	for _, d := range All() {
		if d.TagSize > max {
			max = d.TagSize
		}
		if d.ID != None && d.Family != FamilyMac && d.BlockSize == 0 {
			t.Errorf("%s: 块大小为 0", d.Name)
		}
	}
	if max != MaxTagSize {
		t.Fatalf("MaxTagSize=%d, 实际最大 %d", MaxTagSize, max)
	}
}

func TestKeyValid(t *testing.T) {
	d, _ := Lookup(AESGCM16)
	if !d.KeyValid(make([]byte, 20)) {
		t.Error("AES-128 + 盐应合法")
	}
	if d.KeyValid(make([]byte, 16)) {
		t.Error("缺少盐的密钥应非法")
	}

	// 范围内但不是 AES 密钥长度
	cases := []struct {
		id    ID
		bytes int
		want  bool
	}{
		{AESCBC, 16, true},
		{AESCBC, 24, true},
		{AESCBC, 32, true},
		{AESCBC, 20, false},
		{AESCTR, 28, true},
		{AESCTR, 25, false},
		{AESGCM12, 36, true},
		{AESGCM16, 21, false},
		{BlowfishCBC, 21, true},
	}
	for _, c := range cases {
		d, _ := Lookup(c.id)
		if got := d.KeyValid(make([]byte, c.bytes)); got != c.want {
			t.Errorf("%s %d 字节: KeyValid=%v, 期望 %v", d.Name, c.bytes, got, c.want)
		}
	}
}

func TestDescriptorCarriesID(t *testing.T) {
	for _, d := range All() {
		got, _ := Lookup(d.ID)
		if got.Name != d.Name {
			t.Errorf("ID %d 映射错误: %s != %s", d.ID, got.Name, d.Name)
		}
	}
}

func TestByName(t *testing.T) {
	for _, d := range All() {
		got, ok := ByName(d.Name)
		if !ok || got.ID != d.ID {
			t.Errorf("%s: 按名字查找失败", d.Name)
		}
	}
	if _, ok := ByName("aes-xts"); ok {
		t.Fatal("未注册的名字不应找到")
	}
}
