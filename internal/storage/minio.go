package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/Adrian-Rewaj/invoices-poc/internal/config"
	"github.com/Adrian-Rewaj/invoices-poc/internal/logger"
	"github.com/Adrian-Rewaj/invoices-poc/internal/tracing"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/lifecycle"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var objTracer = otel.Tracer("invoices-poc/storage/minio")

const pdfContentType = "application/pdf"

// objectClient 是 MinIOPDFStore 用到的 minio 调用子集
type objectClient interface {
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error
	SetBucketLifecycle(ctx context.Context, bucketName string, config *lifecycle.Configuration) error
	FPutObject(ctx context.Context, bucketName, objectName, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	FGetObject(ctx context.Context, bucketName, objectName, filePath string, opts minio.GetObjectOptions) error
}

// MinIOPDFStore 共享目录仍是主存储，存储桶保存一份镜像。
// 本地文件缺失时从存储桶取回并落回共享目录。
type MinIOPDFStore struct {
	*FSPDFStore
	client objectClient
	bucket string
}

var _ PDFStore = (*MinIOPDFStore)(nil)

// NewMinIOPDFStore 创建客户端，确保存储桶存在并按配置设置过期规则
func NewMinIOPDFStore(ctx context.Context, dir string, cfg *config.MinIOConfig) (*MinIOPDFStore, error) {
	if cfg == nil || cfg.Endpoint == "" {
		return nil, fmt.Errorf("MinIO endpoint 不能为空")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("创建MinIO客户端失败: %w", err)
	}
	s, err := newMinIOPDFStore(ctx, dir, client, cfg)
	if err != nil {
		return nil, err
	}
	logger.Info().Str("endpoint", cfg.Endpoint).Str("bucket", s.bucket).Str("dir", dir).Msg("MinIO PDF 镜像已就绪")
	return s, nil
}

func newMinIOPDFStore(ctx context.Context, dir string, client objectClient, cfg *config.MinIOConfig) (*MinIOPDFStore, error) {
	fs, err := NewFSPDFStore(dir)
	if err != nil {
		return nil, err
	}
	s := &MinIOPDFStore{FSPDFStore: fs, client: client, bucket: cfg.Bucket}
	if err := s.ensureBucketExists(ctx, cfg.Location); err != nil {
		return nil, err
	}
	if cfg.ExpireDays > 0 {
		if err := s.setupLifecycle(ctx, cfg.ExpireDays); err != nil {
			// 失败只记录警告
			logger.Warn().Err(err).Str("bucket", s.bucket).Msg("设置存储桶生命周期失败")
		}
	}
	return s, nil
}

func (s *MinIOPDFStore) ensureBucketExists(ctx context.Context, location string) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("检查存储桶 %s 是否存在时出错: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: location}); err != nil {
		return fmt.Errorf("创建存储桶 %s 失败: %w", s.bucket, err)
	}
	logger.Info().Str("bucket", s.bucket).Msg("存储桶已创建")
	return nil
}

func (s *MinIOPDFStore) setupLifecycle(ctx context.Context, expireDays int) error {
	lc := lifecycle.NewConfiguration()
	lc.Rules = []lifecycle.Rule{{
		ID:     "expire-invoice-pdfs",
		Status: "Enabled",
		Expiration: lifecycle.Expiration{
			Days: lifecycle.ExpirationDays(expireDays),
		},
	}}
	return s.client.SetBucketLifecycle(ctx, s.bucket, lc)
}

func (s *MinIOPDFStore) startSpan(ctx context.Context, op, name string) (context.Context, trace.Span) {
	return objTracer.Start(ctx, op, trace.WithAttributes(
		attribute.String("minio.bucket", s.bucket),
		attribute.String("minio.object", name),
	))
}

// Put 先放进共享目录，再上传镜像，对象名即文件名
func (s *MinIOPDFStore) Put(ctx context.Context, name, localPath string) error {
	if err := s.FSPDFStore.Put(ctx, name, localPath); err != nil {
		return err
	}

	ctx, span := s.startSpan(ctx, "MinIO.PutPDF", name)
	defer span.End()

	info, err := s.client.FPutObject(ctx, s.bucket, name, s.Path(name), minio.PutObjectOptions{ContentType: pdfContentType})
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeStorage)
		return fmt.Errorf("上传对象 %s/%s 失败: %w", s.bucket, name, err)
	}
	span.SetAttributes(attribute.Int64("minio.size", info.Size))
	return nil
}

// Get 先读共享目录；文件缺失时取回镜像，两处都没有时返回 ErrPDFNotFound
func (s *MinIOPDFStore) Get(ctx context.Context, name string) ([]byte, error) {
	data, err := s.FSPDFStore.Get(ctx, name)
	if !errors.Is(err, ErrPDFNotFound) {
		return data, err
	}

	ctx, span := s.startSpan(ctx, "MinIO.RestorePDF", name)
	defer span.End()

	if err := s.client.FGetObject(ctx, s.bucket, name, s.Path(name), minio.GetObjectOptions{}); err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, fmt.Errorf("%w: %s (存储桶 %s 中也没有)", ErrPDFNotFound, name, s.bucket)
		}
		tracing.RecordError(span, err, tracing.ErrorTypeStorage)
		return nil, fmt.Errorf("从存储桶 %s 取回 %s 失败: %w", s.bucket, name, err)
	}
	logger.FromContext(ctx).Info().Str("bucket", s.bucket).Str("file", name).Msg("本地缺失的 PDF 已从镜像取回")
	return s.FSPDFStore.Get(ctx, name)
}
