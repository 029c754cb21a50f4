package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/Adrian-Rewaj/invoices-poc/internal/config"
)

var (
	// ErrPDFNotFound 共享存储中没有该文件
	ErrPDFNotFound = errors.New("pdf not found")
	// ErrInvalidPDFName 文件名不是单个路径段
	ErrInvalidPDFName = errors.New("invalid pdf file name")
)

// PDFStore 两个阶段共享的 PDF 存储。
// 渲染任务总是先写入本地目录，Put 负责让 Stage 2 可以按文件名读到它。
type PDFStore interface {
	Put(ctx context.Context, name, localPath string) error
	Get(ctx context.Context, name string) ([]byte, error)
}

// CheckPDFName 文件名只能是单个路径段
func CheckPDFName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidPDFName, name)
	}
	return nil
}

// NewPDFStore 按 storage.backend 选择实现
func NewPDFStore(ctx context.Context, cfg *config.Config) (PDFStore, error) {
	switch cfg.Storage.Backend {
	case "", config.PDFBackendFS:
		return NewFSPDFStore(cfg.Storage.PDFPath)
	case config.PDFBackendMinIO:
		return NewMinIOPDFStore(ctx, cfg.Storage.PDFPath, &cfg.MinIO)
	default:
		return nil, fmt.Errorf("不支持的 PDF 存储后端: %s", cfg.Storage.Backend)
	}
}

// FSPDFStore 本地或挂载的共享目录
type FSPDFStore struct {
	dir string
}

var _ PDFStore = (*FSPDFStore)(nil)

// NewFSPDFStore 创建目录存储，目录不存在时创建
func NewFSPDFStore(dir string) (*FSPDFStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("PDF 存储目录不能为空")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("创建 PDF 存储目录 %s 失败: %w", dir, err)
	}
	return &FSPDFStore{dir: dir}, nil
}

// Dir 存储目录
func (s *FSPDFStore) Dir() string { return s.dir }

// Path 文件在存储目录中的完整路径
func (s *FSPDFStore) Path(name string) string { return filepath.Join(s.dir, name) }

// Put 文件已在存储目录中时只确认存在，否则复制进来
func (s *FSPDFStore) Put(ctx context.Context, name, localPath string) error {
	if err := CheckPDFName(name); err != nil {
		return err
	}
	dst := s.Path(name)
	if filepath.Clean(localPath) == filepath.Clean(dst) {
		if _, err := os.Stat(dst); err != nil {
			return fmt.Errorf("PDF 文件 %s 不存在: %w", dst, err)
		}
		return nil
	}

	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("打开 PDF 文件 %s 失败: %w", localPath, err)
	}
	defer src.Close()

	tmp, err := os.CreateTemp(s.dir, "."+name+".*")
	if err != nil {
		return fmt.Errorf("创建临时文件失败: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		return fmt.Errorf("复制 PDF 文件失败: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	// 重命名保证 Stage 2 不会读到写了一半的文件
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return fmt.Errorf("移动 PDF 文件到 %s 失败: %w", dst, err)
	}
	return nil
}

// Get 读取整个文件
func (s *FSPDFStore) Get(ctx context.Context, name string) ([]byte, error) {
	if err := CheckPDFName(name); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.Path(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrPDFNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("读取 PDF 文件 %s 失败: %w", name, err)
	}
	return data, nil
}
