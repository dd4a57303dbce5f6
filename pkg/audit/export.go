package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/covenant-labs/warden/pkg/canonical"
)

// EvidenceBundle is an exportable, independently verifiable slice of the
// trail. The bundle hash covers the entries in sequence order so a reviewer
// can confirm nothing was removed or reordered after export.
type EvidenceBundle struct {
	BundleID   string    `json:"bundle_id"`
	Version    string    `json:"version"`
	CreatedAt  time.Time `json:"created_at"`
	StartSeq   uint64    `json:"start_sequence"`
	EndSeq     uint64    `json:"end_sequence"`
	EntryCount int       `json:"entry_count"`
	Entries    []Entry   `json:"entries"`
	ChainHead  string    `json:"chain_head"`
	BundleHash string    `json:"bundle_hash"`
}

const bundleVersion = "1.0.0"

// ExportBundle exports the entries matching filter as an evidence bundle.
func (l *Logger) ExportBundle(ctx context.Context, filter Filter) (*EvidenceBundle, error) {
	entries, err := l.Query(ctx, filter)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("no entries match filter")
	}

	bundle := &EvidenceBundle{
		BundleID:   uuid.New().String(),
		Version:    bundleVersion,
		CreatedAt:  l.clock().UTC(),
		StartSeq:   entries[0].Sequence,
		EndSeq:     entries[len(entries)-1].Sequence,
		EntryCount: len(entries),
		Entries:    entries,
		ChainHead:  entries[len(entries)-1].EntryHash,
	}

	hash, err := canonical.Hash(bundle.Entries)
	if err != nil {
		return nil, fmt.Errorf("bundle hash failed: %w", err)
	}
	bundle.BundleHash = hash
	return bundle, nil
}

// VerifyBundle checks a bundle's hash and the per-entry hashes and links of
// the entries it carries. Bundles that start mid-chain are verified from
// their own first entry.
func VerifyBundle(bundle *EvidenceBundle) error {
	if len(bundle.Entries) == 0 {
		return fmt.Errorf("bundle is empty")
	}

	computed, err := canonical.Hash(bundle.Entries)
	if err != nil {
		return fmt.Errorf("bundle hash failed: %w", err)
	}
	if computed != bundle.BundleHash {
		return fmt.Errorf("%w: bundle hash mismatch", ErrChainBroken)
	}
	if bundle.ChainHead != bundle.Entries[len(bundle.Entries)-1].EntryHash {
		return fmt.Errorf("%w: chain head does not match final entry", ErrChainBroken)
	}

	for i := range bundle.Entries {
		e := &bundle.Entries[i]
		hash, err := computeEntryHash(*e)
		if err != nil {
			return err
		}
		if hash != e.EntryHash {
			return fmt.Errorf("%w: entry %d hash mismatch", ErrChainBroken, e.Sequence)
		}
		if i > 0 && e.PrevHash != bundle.Entries[i-1].EntryHash {
			return fmt.Errorf("%w: link broken at entry %d", ErrChainBroken, e.Sequence)
		}
	}
	return nil
}

// S3Archiver writes evidence bundles to an S3-compatible object store,
// keyed by bundle content hash so archival is idempotent.
type S3Archiver struct {
	client *s3.Client
	bucket string
	prefix string
}

// S3ArchiverConfig holds configuration for S3Archiver.
type S3ArchiverConfig struct {
	Bucket   string
	Region   string
	Endpoint string // Optional custom endpoint (for MinIO, LocalStack, etc.)
	Prefix   string // Optional key prefix
}

// NewS3Archiver creates an archiver using the ambient AWS credentials.
func NewS3Archiver(ctx context.Context, cfg S3ArchiverConfig) (*S3Archiver, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	clientOpts := func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	}

	return &S3Archiver{
		client: s3.NewFromConfig(awsCfg, clientOpts),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

// Archive uploads the bundle and returns the object key.
func (a *S3Archiver) Archive(ctx context.Context, bundle *EvidenceBundle) (string, error) {
	if err := VerifyBundle(bundle); err != nil {
		return "", fmt.Errorf("refusing to archive invalid bundle: %w", err)
	}

	data, err := json.Marshal(bundle)
	if err != nil {
		return "", fmt.Errorf("bundle marshal failed: %w", err)
	}

	key := a.prefix + bundle.BundleID + ".json"

	// Idempotent on re-archive of the same bundle.
	_, err = a.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return key, nil
	}

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("s3 put failed: %w", err)
	}
	return key, nil
}
