package s3store

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeS3 struct {
	inputs []*s3.PutObjectInput
	bodies [][]byte
	err    error
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, _ := io.ReadAll(in.Body)
	f.inputs = append(f.inputs, in)
	f.bodies = append(f.bodies, body)
	return &s3.PutObjectOutput{}, nil
}

func TestStore_PutUsesPrefix(t *testing.T) {
	fake := &fakeS3{}
	s := newWithClient(fake, "bucket", "/studio/")

	ref, err := s.Put(context.Background(), "rec/a.media", []byte("abc"), "application/octet-stream")
	require.NoError(t, err)
	require.Len(t, fake.inputs, 1)

	in := fake.inputs[0]
	assert.Equal(t, "bucket", aws.ToString(in.Bucket))
	assert.Equal(t, "studio/rec/a.media", aws.ToString(in.Key))
	assert.Equal(t, "application/octet-stream", aws.ToString(in.ContentType))
	assert.Equal(t, "abc", string(fake.bodies[0]))
	assert.Equal(t, "s3://bucket/studio/rec/a.media", ref.URL)
}

func TestStore_PutError(t *testing.T) {
	s := newWithClient(&fakeS3{err: errors.New("denied")}, "bucket", "")
	_, err := s.Put(context.Background(), "k", nil, "")
	assert.ErrorContains(t, err, "denied")
}

func TestNew_RequiresBucket(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	s, err := New(Config{Bucket: "b", Endpoint: "http://localhost:9000", AccessKeyID: "k", SecretAccessKey: "s", UsePathStyle: true})
	require.NoError(t, err)
	assert.Equal(t, "b", s.bucket)
}
