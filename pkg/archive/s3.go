package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/petrijr/approvalflow/pkg/api"
)

// Uploader is the part of *manager.Uploader the archiver uses.
type Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Config configures NewS3Archiver.
type S3Config struct {
	Bucket string
	Prefix string
	Region string
}

// S3Archiver writes one JSON document per instance run to
// <prefix>/YYYY/MM/DD/<instance id>/<run id>.json, dated by the instance's
// last transition.
type S3Archiver struct {
	up     Uploader
	bucket string
	prefix string
}

var _ Archiver = (*S3Archiver)(nil)

// NewS3Archiver loads the default AWS configuration chain and creates an
// archiver backed by the S3 upload manager.
func NewS3Archiver(ctx context.Context, cfg S3Config) (*S3Archiver, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("archive: s3 bucket is required")
	}
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("archive: load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg)
	return NewS3ArchiverWithUploader(manager.NewUploader(client), cfg.Bucket, cfg.Prefix), nil
}

// NewS3ArchiverWithUploader wraps an existing uploader.
func NewS3ArchiverWithUploader(up Uploader, bucket, prefix string) *S3Archiver {
	if prefix == "" {
		prefix = "approvals"
	}
	return &S3Archiver{up: up, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

// Key returns the object key for an instance snapshot.
func (a *S3Archiver) Key(inst *api.Instance) string {
	at := inst.UpdatedAt.UTC()
	return path.Join(a.prefix,
		fmt.Sprintf("%04d/%02d/%02d", at.Year(), int(at.Month()), at.Day()),
		inst.InstanceID,
		inst.RunID+".json")
}

func (a *S3Archiver) Archive(ctx context.Context, rec Record) (string, error) {
	if rec.Instance == nil {
		return "", fmt.Errorf("archive: %w: nil instance", api.ErrInvalidRequest)
	}
	body, err := json.Marshal(newDocument(rec))
	if err != nil {
		return "", fmt.Errorf("archive: marshal %s: %w", rec.Instance.InstanceID, err)
	}
	key := a.Key(rec.Instance)
	_, err = a.up.Upload(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(a.bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(body),
		ContentType:          aws.String("application/json"),
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
	})
	if err != nil {
		return "", fmt.Errorf("archive: upload %s: %w", key, err)
	}
	return "s3://" + a.bucket + "/" + key, nil
}
