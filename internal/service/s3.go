package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"tush00nka/portal_chat/internal/config"
	"tush00nka/portal_chat/internal/model"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

// Uploader загрузчик вложений; ядро получает от него только дескриптор
type Uploader interface {
	Upload(ctx context.Context, file io.Reader, filename, contentType string, size int64, chatID uint) (*model.Attachment, error)
}

type S3Service struct {
	config   *config.Config
	uploader *manager.Uploader
	s3Client *s3.Client
	logger   *slog.Logger
}

func NewS3Service(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*S3Service, error) {
	// Используем BaseEndpoint для кастомного endpoint
	s3Opts := []func(*s3.Options){}

	if cfg.S3Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			o.UsePathStyle = true // Обязательно для MinIO
		})
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.S3Region),
	}
	if cfg.S3AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKeyID, cfg.S3SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	s3Client := s3.NewFromConfig(awsCfg, s3Opts...)

	service := &S3Service{
		config:   cfg,
		uploader: manager.NewUploader(s3Client),
		s3Client: s3Client,
		logger:   logger,
	}

	logger.Info("s3 service initialized", "endpoint", cfg.S3Endpoint, "bucket", cfg.S3BucketName)
	return service, nil
}

// Upload кладет файл в бакет и возвращает дескриптор вложения
func (s *S3Service) Upload(ctx context.Context, file io.Reader, filename, contentType string, size int64, chatID uint) (*model.Attachment, error) {
	fileID := uuid.New().String()
	s3Key := path.Join("chats", fmt.Sprint(chatID), fileID, path.Base(filename))

	s.logger.DebugContext(ctx, "uploading file", "filename", filename, "bucket", s.config.S3BucketName, "key", s3Key)

	result, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.config.S3BucketName),
		Key:         aws.String(s3Key),
		Body:        file,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upload file: %w", err)
	}

	s.logger.InfoContext(ctx, "file uploaded", "location", result.Location, "chat_id", chatID)

	return &model.Attachment{
		URL:              result.Location,
		Format:           strings.TrimPrefix(strings.ToLower(path.Ext(filename)), "."),
		ResourceType:     resourceType(contentType),
		Bytes:            size,
		OriginalFilename: filename,
	}, nil
}

func (s *S3Service) GeneratePresignedURL(ctx context.Context, key string, expires time.Duration) (string, error) {
	presignClient := s3.NewPresignClient(s.s3Client)

	request, err := presignClient.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.config.S3BucketName),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(expires))

	if err != nil {
		return "", fmt.Errorf("failed to generate presigned URL: %w", err)
	}

	return request.URL, nil
}

func (s *S3Service) HealthCheck(ctx context.Context) error {
	_, err := s.s3Client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.config.S3BucketName)})
	if err != nil {
		return fmt.Errorf("storage health check failed: %w", err)
	}
	return nil
}

// resourceType грубая категория файла по MIME-типу
func resourceType(contentType string) string {
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return "image"
	case strings.HasPrefix(contentType, "video/"):
		return "video"
	case strings.HasPrefix(contentType, "audio/"):
		return "audio"
	}
	return "raw"
}
