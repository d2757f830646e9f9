package bundle

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/apk-analysis/apk-patchkit/internal/domain"
)

// maxEntrySize 单个压缩条目上限
const maxEntrySize = 512 << 20

// ReportFile 运行报告在输出根目录下的文件名，读取时不属于包内容
const ReportFile = "report.json"

// Open 根据路径类型读取目录或 zip 包
func Open(p string) (*Bundle, error) {
	info, err := os.Stat(p)
	if err != nil {
		return nil, &domain.BundleError{Path: p, Err: err}
	}
	if info.IsDir() {
		return ReadDir(p)
	}
	return ReadZip(p)
}

// ReadDir 读取解包目录，文件按字典序排列
func ReadDir(root string) (*Bundle, error) {
	var files []FileArtifact
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == ReportFile {
			return nil
		}
		content, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("read %s: %w", rel, err)
		}
		files = append(files, FileArtifact{Path: rel, Content: content, Encoding: Classify(rel, content)})
		return nil
	})
	if err != nil {
		return nil, &domain.BundleError{Path: root, Err: err}
	}
	return New(root, files)
}

// ReadZip 读取 zip/apk 包，拒绝越界路径和重复条目
func ReadZip(p string) (*Bundle, error) {
	zr, err := zip.OpenReader(p)
	if err != nil {
		return nil, &domain.BundleError{Path: p, Err: err}
	}
	defer zr.Close()

	files := make([]FileArtifact, 0, len(zr.File))
	for _, zf := range zr.File {
		if zf.FileInfo().IsDir() || zf.Name == ReportFile {
			continue
		}
		if _, err := CleanPath(zf.Name); err != nil {
			return nil, &domain.BundleError{Path: p, Err: err}
		}
		if zf.UncompressedSize64 > maxEntrySize {
			return nil, &domain.BundleError{Path: p, Err: fmt.Errorf("entry %s too large (%d bytes)", zf.Name, zf.UncompressedSize64)}
		}
		content, err := readZipEntry(zf)
		if err != nil {
			return nil, &domain.BundleError{Path: p, Err: fmt.Errorf("read entry %s: %w", zf.Name, err)}
		}
		files = append(files, FileArtifact{Path: zf.Name, Content: content})
	}
	return New(p, files)
}

func readZipEntry(zf *zip.File) ([]byte, error) {
	rc, err := zf.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(io.LimitReader(rc, maxEntrySize))
}

// WriteDir 将全部文件写入目录，每个文件先写临时文件再重命名
// 根目录下的报告文件名保留给运行报告，不会被包内容覆盖
func WriteDir(b *Bundle, dir string) error {
	w := NewDirWriter(dir)
	for _, f := range b.Files() {
		if f.Path == ReportFile {
			continue
		}
		if err := w.WriteArtifact(f.Path, f.Content); err != nil {
			return err
		}
	}
	return nil
}

// WriteZip 重新打包为 zip，写完整临时文件后重命名
func WriteZip(b *Bundle, dest string) error {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, f := range b.Files() {
		method := zip.Deflate
		if f.Encoding == EncodingBinary {
			method = zip.Store
		}
		fw, err := zw.CreateHeader(&zip.FileHeader{Name: f.Path, Method: method})
		if err != nil {
			return fmt.Errorf("create zip entry %s: %w", f.Path, err)
		}
		if _, err := fw.Write(f.Content); err != nil {
			return fmt.Errorf("write zip entry %s: %w", f.Path, err)
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("finalize zip: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	return WriteFileAtomic(dest, buf.Bytes(), 0644)
}

// DirWriter 将文件原子写入根目录
type DirWriter struct {
	Root string
}

// NewDirWriter 创建目录写入器
func NewDirWriter(root string) *DirWriter {
	return &DirWriter{Root: root}
}

// WriteArtifact 实现 Writer
func (w *DirWriter) WriteArtifact(relPath string, content []byte) error {
	clean, err := CleanPath(relPath)
	if err != nil {
		return err
	}
	dest := filepath.Join(w.Root, filepath.FromSlash(clean))
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("create dir for %s: %w", clean, err)
	}
	return WriteFileAtomic(dest, content, 0644)
}

// WriteFileAtomic 写入同目录临时文件后重命名
func WriteFileAtomic(dest string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		cleanup()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		cleanup()
		return fmt.Errorf("rename %s: %w", filepath.Base(dest), err)
	}
	return nil
}
