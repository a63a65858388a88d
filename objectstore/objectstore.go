// Package objectstore keeps artifact files in an S3-compatible bucket.
// Every data blob is stored under {correlation_uuid}/{store_id} next to a
// sibling {store_id}.metadata.json blob holding the artifact descriptor,
// so a computation's outputs can be reconstructed from the bucket alone.
package objectstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/climatoology/climatoology/artifact"
	"github.com/climatoology/climatoology/common"
)

// User metadata keys and blob type tags. S3 lowercases user metadata keys
// on the way back, so reads go through metaValue.
const (
	metaKeyType        = "Type"
	metaKeyMetadataRef = "Metadata-Object-Name"
	metaKeyDataRef     = "Data-Object-Name"

	blobTypeData     = "DATA"
	blobTypeMetadata = "METADATA"
)

// DefaultURLTTL bounds presigned artifact urls.
const DefaultURLTTL = 24 * time.Hour

// ErrNotFound is returned when a requested blob does not exist.
var ErrNotFound = errors.New("objectstore: not found")

// Config carries the connection settings for the bucket.
type Config struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	PathStyle bool
}

// ObjectStore coordinates artifact blobs in one bucket.
type ObjectStore struct {
	client    S3Client
	uploader  *manager.Uploader
	presigner Presigner
	bucket    string
	logger    *logrus.Entry
}

// New connects to the configured S3 endpoint and makes sure the bucket
// exists. A nil logger falls back to the process logger.
func New(ctx context.Context, cfg Config, logger *logrus.Logger) (*ObjectStore, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
		config.WithEndpointResolverWithOptions(aws.EndpointResolverWithOptionsFunc(
			func(service, region string, options ...interface{}) (aws.Endpoint, error) {
				return aws.Endpoint{
					URL:               cfg.Endpoint,
					SigningRegion:     region,
					HostnameImmutable: true, // important for MinIO
				}, nil
			})),
	)
	if err != nil {
		return nil, fmt.Errorf("objectstore: loading aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle // required for MinIO
		o.HTTPClient = &http.Client{}
	})

	store := NewWithClient(client, client, s3.NewPresignClient(client), cfg.Bucket, logger)
	if err := store.ensureBucket(ctx); err != nil {
		return nil, err
	}
	store.logger.WithField("bucket", cfg.Bucket).Info("connected to object store")
	return store, nil
}

// NewWithClient wires an object store over injected clients. Tests hand in
// mocks; New hands in the real SDK client three times.
func NewWithClient(client S3Client, uploadClient manager.UploadAPIClient, presigner Presigner, bucket string, logger *logrus.Logger) *ObjectStore {
	return &ObjectStore{
		client:    client,
		uploader:  manager.NewUploader(uploadClient),
		presigner: presigner,
		bucket:    bucket,
		logger:    common.ComponentLogger(logger, "objectstore"),
	}
}

func (o *ObjectStore) ensureBucket(ctx context.Context) error {
	_, err := o.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(o.bucket),
	})
	if err == nil {
		return nil // Bucket exists
	}

	_, err = o.client.CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket: aws.String(o.bucket),
	})
	if err != nil {
		return fmt.Errorf("objectstore: creating bucket %s: %w", o.bucket, err)
	}
	return nil
}

func blobKey(correlationUUID uuid.UUID, storeID string) string {
	return correlationUUID.String() + "/" + storeID
}

// SaveArtifact uploads the artifact file and its descriptor as sibling
// blobs. The two blobs reference each other through user metadata so
// either one leads to the other.
func (o *ObjectStore) SaveArtifact(ctx context.Context, art artifact.Artifact) error {
	if err := art.Validate(); err != nil {
		return err
	}

	dataKey := blobKey(art.CorrelationUUID, art.StoreID())
	metaKey := dataKey + artifact.MetadataSuffix

	file, err := os.Open(art.Path)
	if err != nil {
		return fmt.Errorf("objectstore: opening artifact file: %w", err)
	}
	defer file.Close()

	_, err = o.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(dataKey),
		Body:   file,
		Metadata: map[string]string{
			metaKeyType:        blobTypeData,
			metaKeyMetadataRef: metaKey,
		},
	})
	if err != nil {
		return fmt.Errorf("objectstore: uploading %s: %w", dataKey, err)
	}

	descriptor, err := art.CanonicalJSON()
	if err != nil {
		return err
	}
	_, err = o.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(metaKey),
		Body:   bytes.NewReader(descriptor),
		Metadata: map[string]string{
			metaKeyType:    blobTypeMetadata,
			metaKeyDataRef: dataKey,
		},
	})
	if err != nil {
		return fmt.Errorf("objectstore: uploading %s: %w", metaKey, err)
	}

	o.logger.WithFields(logrus.Fields{
		"correlation": art.CorrelationUUID,
		"store_id":    art.StoreID(),
	}).Debug("saved artifact")
	return nil
}

// ListAll reconstructs the artifact descriptors of a computation from the
// bucket, in rank order. Only blobs tagged as data count; their descriptors
// are read from the metadata siblings.
func (o *ObjectStore) ListAll(ctx context.Context, correlationUUID uuid.UUID) ([]artifact.Descriptor, error) {
	prefix := correlationUUID.String() + "/"
	paginator := s3.NewListObjectsV2Paginator(o.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(o.bucket),
		Prefix: aws.String(prefix),
	})

	var descriptors []artifact.Descriptor
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("objectstore: listing %s: %w", prefix, err)
		}
		for _, item := range page.Contents {
			key := aws.ToString(item.Key)

			head, err := o.client.HeadObject(ctx, &s3.HeadObjectInput{
				Bucket: aws.String(o.bucket),
				Key:    aws.String(key),
			})
			if err != nil {
				return nil, fmt.Errorf("objectstore: inspecting %s: %w", key, err)
			}
			if metaValue(head.Metadata, metaKeyType) != blobTypeData {
				continue
			}

			metaKey := metaValue(head.Metadata, metaKeyMetadataRef)
			if metaKey == "" {
				metaKey = key + artifact.MetadataSuffix
			}
			d, err := o.readDescriptor(ctx, metaKey)
			if err != nil {
				return nil, err
			}
			descriptors = append(descriptors, d)
		}
	}

	sort.Slice(descriptors, func(i, j int) bool {
		return descriptors[i].Rank < descriptors[j].Rank
	})
	return descriptors, nil
}

func (o *ObjectStore) readDescriptor(ctx context.Context, key string) (artifact.Descriptor, error) {
	result, err := o.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return artifact.Descriptor{}, fmt.Errorf("objectstore: reading descriptor %s: %w", key, err)
	}
	defer result.Body.Close()

	var d artifact.Descriptor
	if err := json.NewDecoder(result.Body).Decode(&d); err != nil {
		return artifact.Descriptor{}, fmt.Errorf("objectstore: decoding descriptor %s: %w", key, err)
	}
	return d, nil
}

// Fetch downloads a data blob to a local path.
func (o *ObjectStore) Fetch(ctx context.Context, correlationUUID uuid.UUID, storeID, localPath string) error {
	body, _, err := o.Get(ctx, correlationUUID, storeID)
	if err != nil {
		return err
	}
	defer body.Close()

	file, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("objectstore: creating %s: %w", localPath, err)
	}
	defer file.Close()

	if _, err := io.Copy(file, body); err != nil {
		return fmt.Errorf("objectstore: writing %s: %w", localPath, err)
	}
	return nil
}

// Get opens a data blob for streaming. The caller closes the body.
func (o *ObjectStore) Get(ctx context.Context, correlationUUID uuid.UUID, storeID string) (io.ReadCloser, int64, error) {
	key := blobKey(correlationUUID, storeID)
	result, err := o.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, 0, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, 0, fmt.Errorf("objectstore: getting %s: %w", key, err)
	}
	return result.Body, aws.ToInt64(result.ContentLength), nil
}

// ArtifactURL presigns a GET for a data blob. A non-positive ttl falls
// back to DefaultURLTTL.
func (o *ObjectStore) ArtifactURL(ctx context.Context, correlationUUID uuid.UUID, storeID string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultURLTTL
	}
	key := blobKey(correlationUUID, storeID)
	req, err := o.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("objectstore: presigning %s: %w", key, err)
	}
	return req.URL, nil
}

// metaValue looks a user metadata key up in the casing it was written with
// and in the lowercase form S3 hands back.
func metaValue(md map[string]string, key string) string {
	if v, ok := md[key]; ok {
		return v
	}
	return md[strings.ToLower(key)]
}
