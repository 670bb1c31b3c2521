package filesystem

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
)

// PlatformUtils 平台兼容性工具
type PlatformUtils struct{}

// NewPlatformUtils 创建平台工具实例
func NewPlatformUtils() *PlatformUtils {
	return &PlatformUtils{}
}

// ValidatePath 验证路径是否安全
func (p *PlatformUtils) ValidatePath(path string) error {
	if path == "" {
		return fmt.Errorf("empty path")
	}
	if len(path) > 2000 {
		return fmt.Errorf("path too long: %d characters", len(path))
	}
	for _, part := range strings.FieldsFunc(path, func(r rune) bool { return r == '/' || r == '\\' }) {
		if part == ".." {
			return fmt.Errorf("path traversal detected: %s", path)
		}
	}
	return nil
}

// IsCaseSensitive 检查当前文件系统是否大小写敏感
func (p *PlatformUtils) IsCaseSensitive() bool {
	return runtime.GOOS != "windows"
}

// NormalizePath 标准化路径
func (p *PlatformUtils) NormalizePath(path string) string {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	cleanPath := filepath.Clean(absPath)
	if !p.IsCaseSensitive() {
		cleanPath = strings.ToLower(cleanPath)
	}
	return cleanPath
}

// JoinPath 连接路径，任一片段不安全时返回错误
func (p *PlatformUtils) JoinPath(base string, elem ...string) (string, error) {
	for _, e := range elem {
		if e == "" || strings.ContainsAny(e, `/\`) || e == "." || e == ".." {
			return "", fmt.Errorf("invalid path element: %q", e)
		}
	}
	return filepath.Join(append([]string{base}, elem...)...), nil
}
