package campaign

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"rewardplane/pkg/errutil"

	"github.com/gosimple/slug"
	"github.com/minio/minio-go/v7"
	"go.uber.org/zap"
)

// ArtworkStore persists campaign collection artwork and returns its public URL.
type ArtworkStore struct {
	client *minio.Client
	bucket string
}

func NewArtworkStore(client *minio.Client, bucket string) *ArtworkStore {
	return &ArtworkStore{client: client, bucket: bucket}
}

var allowedArtworkTypes = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/gif":  true,
	"image/webp": true,
}

func (a *ArtworkStore) Upload(ctx context.Context, campaignID, filename, contentType string, r io.Reader, size int64) (string, error) {
	if !allowedArtworkTypes[contentType] {
		return "", errutil.BadRequest("unsupported artwork content type " + contentType)
	}

	ext := filepath.Ext(filename)
	base := strings.TrimSuffix(filepath.Base(filename), ext)
	key := fmt.Sprintf("campaigns/%s/%s%s", campaignID, slug.Make(base), ext)

	_, err := a.client.PutObject(ctx, a.bucket, key, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		zap.L().Error("failed to upload campaign artwork",
			zap.String("campaign_id", campaignID), zap.Error(err))
		return "", err
	}

	return fmt.Sprintf("%s/%s/%s", a.client.EndpointURL().String(), a.bucket, key), nil
}

// AttachArtwork uploads the artwork and stores its URL on the campaign.
func (s *Service) AttachArtwork(ctx context.Context, store *ArtworkStore, campaignID, filename, contentType string, r io.Reader, size int64) (string, error) {
	c, err := s.Get(ctx, campaignID)
	if err != nil {
		return "", err
	}
	if c.IsTerminal() {
		return "", errutil.Conflict("campaign is terminal")
	}

	url, err := store.Upload(ctx, c.ID, filename, contentType, r, size)
	if err != nil {
		return "", err
	}

	if err := s.campaigns.Update(ctx, c.ID, &Campaign{ImageURL: url}); err != nil {
		return "", err
	}
	return url, nil
}
