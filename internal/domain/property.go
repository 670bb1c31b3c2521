package domain

import (
	"encoding/json"
	"sort"
	"strings"
)

// 属性命名空间与本地名称
const (
	NamespaceRFC2045                 = "urn:mailindex:rfc2045"
	NamespaceContentTypeParameter    = "urn:mailindex:rfc2045:content-type-parameter"
	NamespaceContentLanguage         = "urn:mailindex:rfc3282"
	NamespaceContentLocation         = "urn:mailindex:rfc2557"
	NamespaceContentMD5              = "urn:mailindex:rfc1864"
	NamespaceContentDisposition      = "urn:mailindex:rfc2183"
	NamespaceContentDispositionParam = "urn:mailindex:rfc2183:parameter"

	LocalMediaType               = "media-type"
	LocalSubType                 = "sub-type"
	LocalContentID               = "content-id"
	LocalContentDescription      = "content-description"
	LocalContentTransferEncoding = "content-transfer-encoding"
	LocalContentLanguage         = "content-language"
	LocalContentLocation         = "content-location"
	LocalContentMD5              = "content-md5"
	LocalDispositionType         = "disposition-type"
	LocalCharset                 = "charset"
	LocalBoundary                = "boundary"
)

// Property 一条 MIME 元数据（命名空间、本地名称、值），三者均非空。
type Property struct {
	Namespace string `json:"namespace"`
	LocalName string `json:"localName"`
	Value     string `json:"value"`
}

// Parameter 参数名与值
type Parameter struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Parameters 按参数名排序的参数列表
type Parameters []Parameter

// Get 按名称查找
func (p Parameters) Get(name string) (string, bool) {
	for _, param := range p {
		if param.Name == name {
			return param.Value, true
		}
	}
	return "", false
}

// Map 转为 map
func (p Parameters) Map() map[string]string {
	out := make(map[string]string, len(p))
	for _, param := range p {
		out[param.Name] = param.Value
	}
	return out
}

// propertyList 读写两侧共用的查找逻辑
type propertyList []Property

func (l propertyList) first(namespace, localName string) (string, bool) {
	for _, p := range l {
		if p.Namespace == namespace && p.LocalName == localName {
			return p.Value, true
		}
	}
	return "", false
}

func (l propertyList) values(namespace, localName string) []string {
	var out []string
	for _, p := range l {
		if p.Namespace == namespace && p.LocalName == localName {
			out = append(out, p.Value)
		}
	}
	return out
}

// namespace 同名参数以最后一次出现为准
func (l propertyList) namespace(namespace string) Parameters {
	byName := make(map[string]string)
	for _, p := range l {
		if p.Namespace == namespace {
			byName[p.LocalName] = p.Value
		}
	}
	out := make(Parameters, 0, len(byName))
	for name, value := range byName {
		out = append(out, Parameter{Name: name, Value: value})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// PropertyBuilder 属性列表的唯一修改入口。单值 setter 先删除同键属性再写入，
// 空字符串表示删除。
type PropertyBuilder struct {
	props            propertyList
	textualLineCount *int64
}

// NewPropertyBuilder 创建空构建器
func NewPropertyBuilder() *PropertyBuilder {
	return &PropertyBuilder{}
}

// PropertyBuilderFrom 以已有属性为初始内容
func PropertyBuilderFrom(props []Property) *PropertyBuilder {
	return &PropertyBuilder{props: append(propertyList(nil), props...)}
}

// TextualLineCount 文本类正文的行数
func (b *PropertyBuilder) TextualLineCount() (int64, bool) {
	if b.textualLineCount == nil {
		return 0, false
	}
	return *b.textualLineCount, true
}

// SetTextualLineCount 设置文本行数
func (b *PropertyBuilder) SetTextualLineCount(count int64) {
	b.textualLineCount = &count
}

// ClearTextualLineCount 清除文本行数
func (b *PropertyBuilder) ClearTextualLineCount() {
	b.textualLineCount = nil
}

// FirstValue 返回第一个匹配值
func (b *PropertyBuilder) FirstValue(namespace, localName string) (string, bool) {
	return b.props.first(namespace, localName)
}

// Values 返回全部匹配值
func (b *PropertyBuilder) Values(namespace, localName string) []string {
	return b.props.values(namespace, localName)
}

// SetProperty 单值写入
func (b *PropertyBuilder) SetProperty(namespace, localName, value string) {
	b.remove(func(p Property) bool { return p.Namespace == namespace && p.LocalName == localName })
	if value != "" {
		b.props = append(b.props, Property{Namespace: namespace, LocalName: localName, Value: value})
	}
}

// SetPropertyValues 多值写入，整键替换，忽略空值
func (b *PropertyBuilder) SetPropertyValues(namespace, localName string, values []string) {
	b.remove(func(p Property) bool { return p.Namespace == namespace && p.LocalName == localName })
	for _, v := range values {
		if v != "" {
			b.props = append(b.props, Property{Namespace: namespace, LocalName: localName, Value: v})
		}
	}
}

// Properties 返回命名空间下的参数（按名称排序）
func (b *PropertyBuilder) Properties(namespace string) Parameters {
	return b.props.namespace(namespace)
}

// SetProperties 清空整个命名空间后重新写入，参数名转小写，忽略空值。
func (b *PropertyBuilder) SetProperties(namespace string, valuesByLocalName map[string]string) {
	b.remove(func(p Property) bool { return p.Namespace == namespace })
	names := make([]string, 0, len(valuesByLocalName))
	for name := range valuesByLocalName {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		value := valuesByLocalName[name]
		if value == "" {
			continue
		}
		b.SetProperty(namespace, strings.ToLower(name), value)
	}
}

func (b *PropertyBuilder) remove(match func(Property) bool) {
	kept := b.props[:0]
	for _, p := range b.props {
		if !match(p) {
			kept = append(kept, p)
		}
	}
	b.props = kept
}

func (b *PropertyBuilder) MediaType() (string, bool) { return b.FirstValue(NamespaceRFC2045, LocalMediaType) }
func (b *PropertyBuilder) SetMediaType(v string)     { b.SetProperty(NamespaceRFC2045, LocalMediaType, v) }
func (b *PropertyBuilder) SubType() (string, bool)   { return b.FirstValue(NamespaceRFC2045, LocalSubType) }
func (b *PropertyBuilder) SetSubType(v string)       { b.SetProperty(NamespaceRFC2045, LocalSubType, v) }
func (b *PropertyBuilder) ContentID() (string, bool) { return b.FirstValue(NamespaceRFC2045, LocalContentID) }
func (b *PropertyBuilder) SetContentID(v string)     { b.SetProperty(NamespaceRFC2045, LocalContentID, v) }

func (b *PropertyBuilder) ContentDescription() (string, bool) {
	return b.FirstValue(NamespaceRFC2045, LocalContentDescription)
}

func (b *PropertyBuilder) SetContentDescription(v string) {
	b.SetProperty(NamespaceRFC2045, LocalContentDescription, v)
}

func (b *PropertyBuilder) ContentTransferEncoding() (string, bool) {
	return b.FirstValue(NamespaceRFC2045, LocalContentTransferEncoding)
}

func (b *PropertyBuilder) SetContentTransferEncoding(v string) {
	b.SetProperty(NamespaceRFC2045, LocalContentTransferEncoding, v)
}

func (b *PropertyBuilder) ContentLocation() (string, bool) {
	return b.FirstValue(NamespaceContentLocation, LocalContentLocation)
}

func (b *PropertyBuilder) SetContentLocation(v string) {
	b.SetProperty(NamespaceContentLocation, LocalContentLocation, v)
}

func (b *PropertyBuilder) ContentDispositionType() (string, bool) {
	return b.FirstValue(NamespaceContentDisposition, LocalDispositionType)
}

func (b *PropertyBuilder) SetContentDispositionType(v string) {
	b.SetProperty(NamespaceContentDisposition, LocalDispositionType, v)
}

func (b *PropertyBuilder) ContentDispositionParameters() Parameters {
	return b.Properties(NamespaceContentDispositionParam)
}

func (b *PropertyBuilder) SetContentDispositionParameters(params map[string]string) {
	b.SetProperties(NamespaceContentDispositionParam, params)
}

func (b *PropertyBuilder) ContentTypeParameters() Parameters {
	return b.Properties(NamespaceContentTypeParameter)
}

func (b *PropertyBuilder) SetContentTypeParameters(params map[string]string) {
	b.SetProperties(NamespaceContentTypeParameter, params)
}

func (b *PropertyBuilder) ContentMD5() (string, bool) {
	return b.FirstValue(NamespaceContentMD5, LocalContentMD5)
}

func (b *PropertyBuilder) SetContentMD5(v string) { b.SetProperty(NamespaceContentMD5, LocalContentMD5, v) }

func (b *PropertyBuilder) Charset() (string, bool) {
	return b.FirstValue(NamespaceContentTypeParameter, LocalCharset)
}

func (b *PropertyBuilder) SetCharset(v string) { b.SetProperty(NamespaceContentTypeParameter, LocalCharset, v) }

func (b *PropertyBuilder) Boundary() (string, bool) {
	return b.FirstValue(NamespaceContentTypeParameter, LocalBoundary)
}

func (b *PropertyBuilder) SetBoundary(v string) { b.SetProperty(NamespaceContentTypeParameter, LocalBoundary, v) }

func (b *PropertyBuilder) ContentLanguage() []string {
	return b.Values(NamespaceContentLanguage, LocalContentLanguage)
}

func (b *PropertyBuilder) SetContentLanguage(values []string) {
	b.SetPropertyValues(NamespaceContentLanguage, LocalContentLanguage, values)
}

// Build 生成不可变快照，之后对构建器的修改不会影响它。
func (b *PropertyBuilder) Build() Properties {
	props := Properties{props: append(propertyList(nil), b.props...)}
	if b.textualLineCount != nil {
		n := *b.textualLineCount
		props.textualLineCount = &n
	}
	return props
}

// Properties 不可变的属性视图
type Properties struct {
	props            propertyList
	textualLineCount *int64
}

// All 返回全部属性的副本（保持插入顺序）
func (p Properties) All() []Property {
	return append([]Property(nil), p.props...)
}

// Len 属性数量
func (p Properties) Len() int { return len(p.props) }

func (p Properties) FirstValue(namespace, localName string) (string, bool) {
	return p.props.first(namespace, localName)
}

func (p Properties) Values(namespace, localName string) []string {
	return p.props.values(namespace, localName)
}

func (p Properties) Namespace(namespace string) Parameters {
	return p.props.namespace(namespace)
}

func (p Properties) TextualLineCount() (int64, bool) {
	if p.textualLineCount == nil {
		return 0, false
	}
	return *p.textualLineCount, true
}

func (p Properties) MediaType() (string, bool) { return p.FirstValue(NamespaceRFC2045, LocalMediaType) }
func (p Properties) SubType() (string, bool)   { return p.FirstValue(NamespaceRFC2045, LocalSubType) }
func (p Properties) ContentID() (string, bool) { return p.FirstValue(NamespaceRFC2045, LocalContentID) }

func (p Properties) ContentDescription() (string, bool) {
	return p.FirstValue(NamespaceRFC2045, LocalContentDescription)
}

func (p Properties) ContentTransferEncoding() (string, bool) {
	return p.FirstValue(NamespaceRFC2045, LocalContentTransferEncoding)
}

func (p Properties) ContentLocation() (string, bool) {
	return p.FirstValue(NamespaceContentLocation, LocalContentLocation)
}

func (p Properties) ContentDispositionType() (string, bool) {
	return p.FirstValue(NamespaceContentDisposition, LocalDispositionType)
}

func (p Properties) ContentMD5() (string, bool) {
	return p.FirstValue(NamespaceContentMD5, LocalContentMD5)
}

func (p Properties) Charset() (string, bool) {
	return p.FirstValue(NamespaceContentTypeParameter, LocalCharset)
}

func (p Properties) Boundary() (string, bool) {
	return p.FirstValue(NamespaceContentTypeParameter, LocalBoundary)
}

func (p Properties) ContentLanguage() []string {
	return p.Values(NamespaceContentLanguage, LocalContentLanguage)
}

func (p Properties) ContentDispositionParameters() Parameters {
	return p.Namespace(NamespaceContentDispositionParam)
}

func (p Properties) ContentTypeParameters() Parameters {
	return p.Namespace(NamespaceContentTypeParameter)
}

// ToBuilder 以当前内容创建新的构建器
func (p Properties) ToBuilder() *PropertyBuilder {
	b := PropertyBuilderFrom(p.props)
	if p.textualLineCount != nil {
		b.SetTextualLineCount(*p.textualLineCount)
	}
	return b
}

type propertiesJSON struct {
	Properties       []Property `json:"properties"`
	TextualLineCount *int64     `json:"textualLineCount,omitempty"`
}

// MarshalJSON 持久化到元数据文件与数据库
func (p Properties) MarshalJSON() ([]byte, error) {
	return json.Marshal(propertiesJSON{Properties: p.All(), TextualLineCount: p.textualLineCount})
}

// UnmarshalJSON 从持久化格式恢复
func (p *Properties) UnmarshalJSON(data []byte) error {
	var raw propertiesJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	p.props = propertyList(raw.Properties)
	p.textualLineCount = raw.TextualLineCount
	return nil
}
