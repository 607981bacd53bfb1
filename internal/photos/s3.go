package photos

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/google/uuid"
)

var (
	ErrEmptyPhoto  = errors.New("empty photo")
	ErrNotAnImage  = errors.New("photo is not an image")
	ErrPhotoTooBig = errors.New("photo too large")
)

// MaxPhotoBytes bounds a single upload.
const MaxPhotoBytes = 10 << 20

type S3Config struct {
	Bucket        string
	Region        string
	Endpoint      string // S3-compatible endpoint, empty for AWS
	AccessKey     string
	SecretKey     string
	PublicBaseURL string // prefix for returned urls
}

type putter interface {
	PutObjectWithContext(ctx aws.Context, in *s3.PutObjectInput, opts ...request.Option) (*s3.PutObjectOutput, error)
}

// S3Uploader stores job photos in a bucket and returns their public urls.
type S3Uploader struct {
	client  putter
	bucket  string
	baseURL string
}

func NewS3Uploader(cfg S3Config) (*S3Uploader, error) {
	awsCfg := &aws.Config{Region: aws.String(cfg.Region)}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}
	if cfg.AccessKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, "")
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("s3 session: %w", err)
	}
	base := cfg.PublicBaseURL
	if base == "" {
		base = fmt.Sprintf("https://%s.s3.%s.amazonaws.com", cfg.Bucket, cfg.Region)
	}
	return &S3Uploader{client: s3.New(sess), bucket: cfg.Bucket, baseURL: strings.TrimRight(base, "/")}, nil
}

// Upload stores one photo under jobs/<job>/<kind>/ and returns its url.
func (u *S3Uploader) Upload(ctx context.Context, jobID, kind string, data []byte) (string, error) {
	if len(data) == 0 {
		return "", ErrEmptyPhoto
	}
	if len(data) > MaxPhotoBytes {
		return "", ErrPhotoTooBig
	}
	ct := http.DetectContentType(data)
	if !strings.HasPrefix(ct, "image/") {
		return "", ErrNotAnImage
	}
	key := fmt.Sprintf("jobs/%s/%s/%s%s", jobID, kind, uuid.NewString(), extension(ct))
	_, err := u.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(ct),
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	return u.baseURL + "/" + key, nil
}

func extension(contentType string) string {
	switch contentType {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	}
	return ""
}
