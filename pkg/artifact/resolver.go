package artifact

import (
	"context"
	"net/url"
	"time"

	"storefront-entitlements/pkg/config"

	"github.com/minio/minio-go/v7"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("artifact.store", fx.Provide(NewStore))

// Store resolves opaque artifact references into fetchable URLs and releases
// transient copies once a lease is deleted. The entitlement service never
// touches artifact bytes.
type Store interface {
	Resolve(ctx context.Context, artifactRef string) (string, error)
	Release(ctx context.Context, artifactRef string) error
}

type minioStore struct {
	client *minio.Client
	bucket string
	urlTTL time.Duration
}

type StoreParams struct {
	fx.In
	Client *minio.Client
	Config *config.Config
}

func NewStore(p StoreParams) Store {
	return &minioStore{
		client: p.Client,
		bucket: p.Config.Minio.BucketName,
		urlTTL: p.Config.Download.URLTTL,
	}
}

// Resolve returns a presigned GET URL for the object behind artifactRef.
func (s *minioStore) Resolve(ctx context.Context, artifactRef string) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, artifactRef, s.urlTTL, url.Values{})
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

// Release removes the transient object copy behind artifactRef.
func (s *minioStore) Release(ctx context.Context, artifactRef string) error {
	err := s.client.RemoveObject(ctx, s.bucket, artifactRef, minio.RemoveObjectOptions{})
	if err != nil {
		zap.L().Error("failed to release artifact object",
			zap.String("artifact_ref", artifactRef),
			zap.Error(err),
		)
		return err
	}
	return nil
}
