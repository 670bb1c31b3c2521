package mime

import (
	"errors"
	"strings"
)

// ErrInvalidCid Content-ID 为空或只有尖括号
var ErrInvalidCid = errors.New("invalid content-id")

// Cid 去掉尖括号包裹后的 Content-ID，可直接用 == 比较。
type Cid struct {
	value string
}

// CidFrom 严格解析：空值报错，"<...>" 形式去掉包裹。
func CidFrom(value string) (Cid, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return Cid{}, ErrInvalidCid
	}
	unwrapped := unwrap(value)
	if unwrapped == "" {
		return Cid{}, ErrInvalidCid
	}
	return Cid{value: unwrapped}, nil
}

// ParseCid 宽松解析头部值，缺少尖括号也接受，空值返回 false。
func ParseCid(headerValue string) (Cid, bool) {
	cid, err := CidFrom(headerValue)
	if err != nil {
		return Cid{}, false
	}
	return cid, true
}

// Value 规范化后的值
func (c Cid) Value() string { return c.value }

func (c Cid) String() string { return c.value }

func unwrap(value string) string {
	if len(value) >= 2 && strings.HasPrefix(value, "<") && strings.HasSuffix(value, ">") {
		return strings.TrimSpace(value[1 : len(value)-1])
	}
	return value
}
