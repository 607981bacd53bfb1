package photos

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeS3 struct {
	inputs []*s3.PutObjectInput
	err    error
}

func (f *fakeS3) PutObjectWithContext(_ aws.Context, in *s3.PutObjectInput, _ ...request.Option) (*s3.PutObjectOutput, error) {
	f.inputs = append(f.inputs, in)
	return &s3.PutObjectOutput{}, f.err
}

// smallest valid PNG header is enough for content sniffing
var pngBytes = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

func TestUploadReturnsPublicURL(t *testing.T) {
	f := &fakeS3{}
	u := &S3Uploader{client: f, bucket: "photos", baseURL: "https://cdn.example.com"}

	url, err := u.Upload(context.Background(), "j1", "before", pngBytes)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(url, "https://cdn.example.com/jobs/j1/before/"))
	assert.True(t, strings.HasSuffix(url, ".png"))
	require.Len(t, f.inputs, 1)
	assert.Equal(t, "photos", aws.StringValue(f.inputs[0].Bucket))
	assert.Equal(t, "image/png", aws.StringValue(f.inputs[0].ContentType))
}

func TestUploadRejectsNonImages(t *testing.T) {
	u := &S3Uploader{client: &fakeS3{}, bucket: "b", baseURL: "x"}
	_, err := u.Upload(context.Background(), "j1", "after", []byte("plain text"))
	assert.ErrorIs(t, err, ErrNotAnImage)
	_, err = u.Upload(context.Background(), "j1", "after", nil)
	assert.ErrorIs(t, err, ErrEmptyPhoto)
}

func TestUploadWrapsStoreError(t *testing.T) {
	boom := errors.New("denied")
	u := &S3Uploader{client: &fakeS3{err: boom}, bucket: "b", baseURL: "x"}
	_, err := u.Upload(context.Background(), "j1", "after", pngBytes)
	assert.ErrorIs(t, err, boom)
}
