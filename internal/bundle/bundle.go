package bundle

import (
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/apk-analysis/apk-patchkit/internal/domain"
)

// Encoding 文件内容编码标记
type Encoding string

const (
	EncodingUTF8        Encoding = "utf8"
	EncodingBinary      Encoding = "binary"
	EncodingUndecodable Encoding = "undecodable"
)

// FileArtifact 包内单个文件
type FileArtifact struct {
	Path     string   // 相对路径，使用 / 分隔
	Content  []byte   // 原始字节
	Encoding Encoding // 编码标记
}

// IsText 是否为可扫描的文本
func (a FileArtifact) IsText() bool {
	return a.Encoding == EncodingUTF8
}

// Writer 持久化单个被修改的文件
// 返回错误时 Bundle 内容保持不变
type Writer interface {
	WriteArtifact(relPath string, content []byte) error
}

// Bundle 解包后的应用目录
// 文件顺序固定；Update 是唯一的写入入口
type Bundle struct {
	root   string
	mu     sync.RWMutex
	files  []FileArtifact
	index  map[string]int
	writer Writer
}

// New 创建 Bundle，路径重复时返回 BundleError
func New(root string, files []FileArtifact) (*Bundle, error) {
	b := &Bundle{
		root:  root,
		files: make([]FileArtifact, 0, len(files)),
		index: make(map[string]int, len(files)),
	}
	for _, f := range files {
		p, err := CleanPath(f.Path)
		if err != nil {
			return nil, &domain.BundleError{Path: root, Err: err}
		}
		if _, dup := b.index[p]; dup {
			return nil, &domain.BundleError{Path: root, Err: fmt.Errorf("duplicate file path %q", p)}
		}
		f.Path = p
		if f.Encoding == "" {
			f.Encoding = Classify(p, f.Content)
		}
		b.index[p] = len(b.files)
		b.files = append(b.files, f)
	}
	return b, nil
}

// CleanPath 规范化相对路径，拒绝绝对路径和越界路径
func CleanPath(p string) (string, error) {
	p = strings.ReplaceAll(p, "\\", "/")
	if p == "" {
		return "", fmt.Errorf("empty file path")
	}
	if strings.HasPrefix(p, "/") || (len(p) > 1 && p[1] == ':') {
		return "", fmt.Errorf("absolute file path %q", p)
	}
	clean := path.Clean(p)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("file path %q escapes bundle root", p)
	}
	return clean, nil
}

// Root 返回包根路径
func (b *Bundle) Root() string {
	return b.root
}

// SetWriter 设置持久化器；nil 表示仅内存
func (b *Bundle) SetWriter(w Writer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.writer = w
}

// Len 文件数
func (b *Bundle) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.files)
}

// Files 按包顺序返回文件快照
func (b *Bundle) Files() []FileArtifact {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]FileArtifact, len(b.files))
	copy(out, b.files)
	return out
}

// Paths 按包顺序返回全部路径
func (b *Bundle) Paths() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, len(b.files))
	for i, f := range b.files {
		out[i] = f.Path
	}
	return out
}

// Get 按路径查找文件
func (b *Bundle) Get(p string) (FileArtifact, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	i, ok := b.index[p]
	if !ok {
		return FileArtifact{}, false
	}
	return b.files[i], true
}

// Update 替换文本文件内容
// 先交给 Writer 持久化，失败则内存内容不变
func (b *Bundle) Update(p string, content []byte) error {
	b.mu.RLock()
	i, ok := b.index[p]
	w := b.writer
	var enc Encoding
	if ok {
		enc = b.files[i].Encoding
	}
	b.mu.RUnlock()

	if !ok {
		return fmt.Errorf("file %q not in bundle", p)
	}
	if enc != EncodingUTF8 {
		return fmt.Errorf("file %q is %s, refusing to modify", p, enc)
	}
	if w != nil {
		if err := w.WriteArtifact(p, content); err != nil {
			return fmt.Errorf("persist %s: %w", p, err)
		}
	}

	stored := make([]byte, len(content))
	copy(stored, content)

	b.mu.Lock()
	b.files[i].Content = stored
	b.mu.Unlock()
	return nil
}

// Clone 深拷贝，不复制 Writer
func (b *Bundle) Clone() *Bundle {
	b.mu.RLock()
	defer b.mu.RUnlock()
	c := &Bundle{
		root:  b.root,
		files: make([]FileArtifact, len(b.files)),
		index: make(map[string]int, len(b.index)),
	}
	for i, f := range b.files {
		content := make([]byte, len(f.Content))
		copy(content, f.Content)
		f.Content = content
		c.files[i] = f
		c.index[f.Path] = i
	}
	return c
}

// Summary 各编码的文件数
func (b *Bundle) Summary() map[Encoding]int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[Encoding]int, 3)
	for _, f := range b.files {
		out[f.Encoding]++
	}
	return out
}
