package mime

import (
	"fmt"
	"io"
	stdmime "mime"
	"strings"

	"github.com/emersion/go-message"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/korean"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/traditionalchinese"
	"golang.org/x/text/transform"
)

const (
	DefaultMimeType    = "text/plain"
	DefaultContentType = "application/octet-stream"
)

// 常见但 IANA 注册名不一致的字符集别名
var charsetAliases = map[string]encoding.Encoding{
	"gb2312":         simplifiedchinese.GBK,
	"gbk":            simplifiedchinese.GBK,
	"gb18030":        simplifiedchinese.GB18030,
	"big5":           traditionalchinese.Big5,
	"shift_jis":      japanese.ShiftJIS,
	"iso-2022-jp":    japanese.ISO2022JP,
	"euc-jp":         japanese.EUCJP,
	"euc-kr":         korean.EUCKR,
	"ks_c_5601-1987": korean.EUCKR,
}

// lookupCharset 按名称查找解码器，未知字符集返回 nil
func lookupCharset(charset string) encoding.Encoding {
	charset = strings.ToLower(strings.TrimSpace(charset))
	if enc, ok := charsetAliases[charset]; ok {
		return enc
	}
	enc, err := ianaindex.MIME.Encoding(charset)
	if err != nil || enc == nil {
		return nil
	}
	return enc
}

// CharsetReader 将指定字符集的输入转为 UTF-8
func CharsetReader(charset string, input io.Reader) (io.Reader, error) {
	switch strings.ToLower(strings.TrimSpace(charset)) {
	case "", "utf-8", "utf8", "us-ascii", "ascii":
		return input, nil
	}
	enc := lookupCharset(charset)
	if enc == nil {
		return nil, fmt.Errorf("unsupported charset %q", charset)
	}
	return transform.NewReader(input, enc.NewDecoder()), nil
}

var wordDecoder = &stdmime.WordDecoder{CharsetReader: CharsetReader}

// DecodeHeaderValue 解码 RFC 2047 encoded-word，失败时原样返回
func DecodeHeaderValue(value string) string {
	decoded, err := wordDecoder.DecodeHeader(value)
	if err != nil {
		return value
	}
	return decoded
}

// mediaType 宽松解析 Content-Type，返回小写的 "type/subtype" 与参数。
// 头部缺失时按 RFC 2045 默认为 text/plain。
func mediaType(h message.Header) (string, map[string]string) {
	raw := strings.TrimSpace(h.Get("Content-Type"))
	if raw == "" {
		return DefaultMimeType, map[string]string{}
	}
	mt, params, err := h.ContentType()
	if err != nil || mt == "" {
		mt = strings.TrimSpace(strings.SplitN(raw, ";", 2)[0])
		params = map[string]string{}
	}
	mt = strings.ToLower(mt)
	if !strings.Contains(mt, "/") {
		return DefaultMimeType, params
	}
	return mt, params
}

// disposition 宽松解析 Content-Disposition，类型统一小写
func disposition(h message.Header) (string, map[string]string) {
	raw := strings.TrimSpace(h.Get("Content-Disposition"))
	if raw == "" {
		return "", map[string]string{}
	}
	disp, params, err := h.ContentDisposition()
	if err != nil || disp == "" {
		disp = strings.TrimSpace(strings.SplitN(raw, ";", 2)[0])
		params = map[string]string{}
	}
	return strings.ToLower(disp), params
}

// rawContentType 未经解析的 Content-Type 值，折行已展开
func rawContentType(h message.Header) string {
	return strings.Join(strings.Fields(h.Get("Content-Type")), " ")
}

func splitMediaType(mt string) (string, string) {
	parts := strings.SplitN(mt, "/", 2)
	if len(parts) != 2 {
		return mt, ""
	}
	return parts[0], parts[1]
}

// isLenientError 字符集或传输编码未知时仍可继续处理
func isLenientError(err error) bool {
	return message.IsUnknownCharset(err) || message.IsUnknownEncoding(err)
}
