package artifact

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"dr-orchestrator/internal/fault"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
)

// S3Config describes one site's artifact bucket.
type S3Config struct {
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	Prefix    string `mapstructure:"prefix"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
}

// Validate validates the S3Config struct
func (c *S3Config) Validate() error {
	var errors fault.ValidationErrors

	if c.Bucket == "" {
		errors.Add("bucket", "S3 bucket name is required", c.Bucket)
	}
	if c.Region == "" {
		errors.Add("region", "S3 region is required", c.Region)
	}

	if errors.HasErrors() {
		return errors
	}
	return nil
}

// s3API is the subset of the S3 client the store uses, extracted for tests.
type s3API interface {
	PutObjectWithContext(ctx aws.Context, input *s3.PutObjectInput, opts ...request.Option) (*s3.PutObjectOutput, error)
	GetObjectWithContext(ctx aws.Context, input *s3.GetObjectInput, opts ...request.Option) (*s3.GetObjectOutput, error)
	ListObjectsV2PagesWithContext(ctx aws.Context, input *s3.ListObjectsV2Input, fn func(*s3.ListObjectsV2Output, bool) bool, opts ...request.Option) error
	DeleteObjectWithContext(ctx aws.Context, input *s3.DeleteObjectInput, opts ...request.Option) (*s3.DeleteObjectOutput, error)
}

// S3Store implements Store against an S3 bucket. Uploads use AES256
// server-side encryption and the STANDARD_IA storage class. Visibility is
// gated on the artifact.json object, which is uploaded after the payload.
type S3Store struct {
	client s3API
	bucket string
	prefix string
	site   string
	codec  Codec
}

// NewS3Store creates an S3-backed store for the given site.
func NewS3Store(config S3Config, site string, codec Codec) (*S3Store, error) {
	if err := config.Validate(); err != nil {
		return nil, fault.Configuration("invalid S3 store configuration", err)
	}
	if codec == nil {
		codec = noneCodec{}
	}

	awsConfig := &aws.Config{
		Region: aws.String(config.Region),
	}
	if config.AccessKey != "" {
		awsConfig.Credentials = credentials.NewStaticCredentials(config.AccessKey, config.SecretKey, "")
	}
	if config.Endpoint != "" {
		awsConfig.Endpoint = aws.String(config.Endpoint)
		awsConfig.S3ForcePathStyle = aws.Bool(true)
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, fault.TransientIO("failed to create AWS session", err)
	}

	prefix := config.Prefix
	if prefix == "" {
		prefix = "artifacts/"
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	return &S3Store{
		client: s3.New(sess),
		bucket: config.Bucket,
		prefix: prefix,
		site:   site,
		codec:  codec,
	}, nil
}

// Site returns the site identifier this store serves
func (s *S3Store) Site() string { return s.site }

// Put stores an uncompressed payload as a new artifact
func (s *S3Store) Put(ctx context.Context, data []byte, meta Metadata) (*Artifact, error) {
	if len(data) == 0 {
		return nil, fault.CorruptArtifact("refusing to store empty payload", nil)
	}

	createdAt := meta.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	art := &Artifact{
		ID:              NewID(meta.ComponentID),
		ComponentID:     meta.ComponentID,
		Kind:            meta.Kind,
		BaselineID:      meta.BaselineID,
		CreatedAt:       createdAt,
		Size:            int64(len(data)),
		Checksum:        ChecksumOf(data),
		Compression:     s.codec.Name(),
		Locations:       map[string]string{},
		RetentionExpiry: meta.RetentionExpiry,
	}
	art.Locations[s.site] = fmt.Sprintf("s3://%s/%s", s.bucket, s.objectKey(art.ID))

	if err := art.Validate(); err != nil {
		return nil, err
	}

	if err := s.upload(ctx, art, data); err != nil {
		return nil, err
	}
	return art, nil
}

// Copy stores a payload under an existing artifact identity
func (s *S3Store) Copy(ctx context.Context, art *Artifact, data []byte) error {
	if art == nil {
		return fault.CorruptArtifact("artifact record is required", nil)
	}
	if ChecksumOf(data) != art.Checksum {
		return fault.CorruptArtifact(
			fmt.Sprintf("payload checksum does not match artifact %s", art.ID), nil)
	}

	replica := art.Clone()
	replica.Compression = s.codec.Name()
	replica.Locations[s.site] = fmt.Sprintf("s3://%s/%s", s.bucket, s.objectKey(replica.ID))

	return s.upload(ctx, replica, data)
}

// upload writes the payload object first and the metadata object last;
// readers treat the metadata object as the commit point.
func (s *S3Store) upload(ctx context.Context, art *Artifact, data []byte) error {
	compressed, err := s.codec.Compress(data)
	if err != nil {
		return fault.TransientIO("failed to compress payload", err)
	}

	key := s.objectKey(art.ID)

	_, err = s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(s.bucket),
		Key:                  aws.String(key + "/" + dataFileName),
		Body:                 bytes.NewReader(compressed),
		ContentType:          aws.String("application/octet-stream"),
		ServerSideEncryption: aws.String("AES256"),
		StorageClass:         aws.String(s3.StorageClassStandardIa),
		Metadata: map[string]*string{
			"artifact-id":  aws.String(art.ID),
			"component-id": aws.String(art.ComponentID),
			"checksum":     aws.String(art.Checksum),
		},
	})
	if err != nil {
		return fault.TransientIO("failed to upload artifact payload to S3", err)
	}

	metaBytes, err := art.ToJSON()
	if err != nil {
		return fault.TransientIO("failed to serialize artifact metadata", err)
	}

	_, err = s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(s.bucket),
		Key:                  aws.String(key + "/" + metaFileName),
		Body:                 bytes.NewReader(metaBytes),
		ContentType:          aws.String("application/json"),
		ServerSideEncryption: aws.String("AES256"),
	})
	if err != nil {
		return fault.TransientIO("failed to upload artifact metadata to S3", err)
	}

	return nil
}

// Get returns the uncompressed payload, verifying the checksum
func (s *S3Store) Get(ctx context.Context, artifactID string) ([]byte, error) {
	art, err := s.GetArtifact(ctx, artifactID)
	if err != nil {
		return nil, err
	}

	result, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(artifactID) + "/" + dataFileName),
	})
	if err != nil {
		return nil, s.mapError(fmt.Sprintf("failed to download artifact %s", artifactID), err)
	}
	defer result.Body.Close()

	raw, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fault.TransientIO("failed to read artifact payload from S3", err)
	}

	codec, err := NewCodec(art.Compression)
	if err != nil {
		return nil, err
	}
	data, err := codec.Decompress(raw)
	if err != nil {
		return nil, err
	}

	if ChecksumOf(data) != art.Checksum {
		return nil, fault.CorruptArtifact(
			fmt.Sprintf("checksum mismatch for artifact %s", artifactID), nil)
	}
	return data, nil
}

// GetArtifact returns the artifact record
func (s *S3Store) GetArtifact(ctx context.Context, artifactID string) (*Artifact, error) {
	result, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(artifactID) + "/" + metaFileName),
	})
	if err != nil {
		return nil, s.mapError(fmt.Sprintf("artifact %s not found", artifactID), err)
	}
	defer result.Body.Close()

	raw, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fault.TransientIO("failed to read artifact metadata from S3", err)
	}

	var art Artifact
	if err := art.FromJSON(raw); err != nil {
		return nil, err
	}
	return &art, nil
}

// List returns artifact records matching the filter
func (s *S3Store) List(ctx context.Context, filter Filter) ([]*Artifact, error) {
	prefix := s.prefix
	if filter.ComponentID != "" {
		prefix += filter.ComponentID + "/"
	}

	var keys []string
	err := s.client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	}, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range page.Contents {
			if strings.HasSuffix(aws.StringValue(obj.Key), "/"+metaFileName) {
				keys = append(keys, aws.StringValue(obj.Key))
			}
		}
		return true
	})
	if err != nil {
		return nil, fault.TransientIO("failed to list artifacts in S3", err)
	}

	var artifacts []*Artifact
	for _, key := range keys {
		result, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			// Skip records deleted between list and get.
			continue
		}

		raw, readErr := io.ReadAll(result.Body)
		result.Body.Close()
		if readErr != nil {
			continue
		}

		var art Artifact
		if err := art.FromJSON(raw); err != nil {
			continue
		}
		if filter.Matches(&art) {
			artifacts = append(artifacts, &art)
		}
	}

	return artifacts, nil
}

// Delete removes an artifact
func (s *S3Store) Delete(ctx context.Context, artifactID string) error {
	key := s.objectKey(artifactID)
	for _, name := range []string{dataFileName, metaFileName} {
		_, err := s.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key + "/" + name),
		})
		if err != nil {
			return fault.TransientIO(fmt.Sprintf("failed to delete artifact %s from S3", artifactID), err)
		}
	}
	return nil
}

func (s *S3Store) objectKey(artifactID string) string {
	return s.prefix + componentOf(artifactID) + "/" + artifactID
}

func (s *S3Store) mapError(message string, err error) error {
	if aerr, ok := err.(awserr.Error); ok {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return fault.NotFound(message, err)
		}
	}
	return fault.TransientIO(message, err)
}
