// Package backup pushes a nightly tar+gzip snapshot of the market-data
// sqlite file to S3-compatible object storage: an archive-then-upload shape
// with checksum metadata and retention-based rotation, collapsed from
// backing up several operational databases down to the one pipeline
// database this package owns. It builds its S3-compatible client directly
// against aws-sdk-go-v2's S3 service.
package backup

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
)

// Config points the backup service at its S3-compatible bucket.
type Config struct {
	Bucket    string
	Endpoint  string // S3-compatible endpoint, e.g. an R2 account URL; empty uses AWS defaults
	Region    string
	AccessKey string
	SecretKey string
}

// Client wraps the subset of S3 operations the backup service needs.
type Client struct {
	bucket   string
	s3       *s3.Client
	uploader *manager.Uploader
}

// NewClient builds an S3-compatible client from Config.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(valueOr(cfg.Region, "auto")),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("backup: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = true
	})

	return &Client{
		bucket:   cfg.Bucket,
		s3:       client,
		uploader: manager.NewUploader(client),
	}, nil
}

func (c *Client) Upload(ctx context.Context, key string, body io.Reader, size int64) error {
	_, err := c.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(c.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return fmt.Errorf("backup: upload %s: %w", key, err)
	}
	return nil
}

type ObjectInfo struct {
	Key  string
	Size int64
}

func (c *Client) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	out, err := c.s3.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("backup: list %s: %w", prefix, err)
	}
	objs := make([]ObjectInfo, 0, len(out.Contents))
	for _, o := range out.Contents {
		if o.Key == nil {
			continue
		}
		var size int64
		if o.Size != nil {
			size = *o.Size
		}
		objs = append(objs, ObjectInfo{Key: *o.Key, Size: size})
	}
	return objs, nil
}

func (c *Client) Delete(ctx context.Context, key string) error {
	_, err := c.s3.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(c.bucket), Key: aws.String(key)})
	if err != nil {
		return fmt.Errorf("backup: delete %s: %w", key, err)
	}
	return nil
}

func valueOr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// Metadata describes one uploaded archive.
type Metadata struct {
	Timestamp time.Time `json:"timestamp"`
	DBPath    string    `json:"db_path"`
	SizeBytes int64     `json:"size_bytes"`
	Checksum  string    `json:"checksum"`
}

// Info is a listed backup's summary.
type Info struct {
	Filename  string
	Timestamp time.Time
	SizeBytes int64
	AgeHours  int64
}

// Service archives the pipeline's sqlite file and manages its lifecycle in
// object storage.
type Service struct {
	client  *Client
	dbPath  string
	stageDir string
	log     zerolog.Logger
}

// New builds a Service. dbPath is the live sqlite file to snapshot; stageDir
// is a scratch directory for building the archive before upload.
func New(client *Client, dbPath, stageDir string, log zerolog.Logger) *Service {
	return &Service{client: client, dbPath: dbPath, stageDir: stageDir, log: log.With().Str("component", "backup").Logger()}
}

// CreateAndUpload snapshots the database file, tars and gzips it alongside a
// metadata JSON file, and uploads the archive.
func (s *Service) CreateAndUpload(ctx context.Context) error {
	start := time.Now()
	if err := os.MkdirAll(s.stageDir, 0755); err != nil {
		return fmt.Errorf("backup: create stage dir: %w", err)
	}
	defer os.RemoveAll(s.stageDir)

	snapshotPath := filepath.Join(s.stageDir, "marketpipe.db")
	if err := copyFile(s.dbPath, snapshotPath); err != nil {
		return fmt.Errorf("backup: snapshot database: %w", err)
	}

	info, err := os.Stat(snapshotPath)
	if err != nil {
		return fmt.Errorf("backup: stat snapshot: %w", err)
	}
	checksum, err := checksumFile(snapshotPath)
	if err != nil {
		return fmt.Errorf("backup: checksum snapshot: %w", err)
	}

	meta := Metadata{Timestamp: time.Now().UTC(), DBPath: "marketpipe.db", SizeBytes: info.Size(), Checksum: checksum}
	metaPath := filepath.Join(s.stageDir, "backup-metadata.json")
	if err := writeMetadata(metaPath, meta); err != nil {
		return fmt.Errorf("backup: write metadata: %w", err)
	}

	timestamp := time.Now().Format("2006-01-02-150405")
	archiveName := fmt.Sprintf("marketpipe-backup-%s.tar.gz", timestamp)
	archivePath := filepath.Join(s.stageDir, archiveName)
	if err := archiveFiles(archivePath, []string{snapshotPath, metaPath}, []string{"marketpipe.db", "backup-metadata.json"}); err != nil {
		return fmt.Errorf("backup: create archive: %w", err)
	}

	archiveInfo, err := os.Stat(archivePath)
	if err != nil {
		return fmt.Errorf("backup: stat archive: %w", err)
	}
	archiveFile, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("backup: open archive: %w", err)
	}
	defer archiveFile.Close()

	if err := s.client.Upload(ctx, archiveName, archiveFile, archiveInfo.Size()); err != nil {
		return err
	}

	s.log.Info().Dur("duration", time.Since(start)).Str("archive", archiveName).
		Int64("size_bytes", archiveInfo.Size()).Msg("backup uploaded")
	return nil
}

// List returns every stored backup, newest first.
func (s *Service) List(ctx context.Context) ([]Info, error) {
	objs, err := s.client.List(ctx, "marketpipe-backup-")
	if err != nil {
		return nil, err
	}
	now := time.Now()
	backups := make([]Info, 0, len(objs))
	for _, o := range objs {
		if !strings.HasPrefix(o.Key, "marketpipe-backup-") || !strings.HasSuffix(o.Key, ".tar.gz") {
			continue
		}
		ts := strings.TrimSuffix(strings.TrimPrefix(o.Key, "marketpipe-backup-"), ".tar.gz")
		parsed, err := time.Parse("2006-01-02-150405", ts)
		if err != nil {
			s.log.Warn().Str("key", o.Key).Msg("could not parse backup timestamp")
			continue
		}
		backups = append(backups, Info{Filename: o.Key, Timestamp: parsed, SizeBytes: o.Size, AgeHours: int64(now.Sub(parsed).Hours())})
	}
	sort.Slice(backups, func(i, j int) bool { return backups[i].Timestamp.After(backups[j].Timestamp) })
	return backups, nil
}

// Rotate deletes backups older than retentionDays, always keeping at least
// minKeep of the newest regardless of age.
func (s *Service) Rotate(ctx context.Context, retentionDays, minKeep int) error {
	backups, err := s.List(ctx)
	if err != nil {
		return fmt.Errorf("backup: list for rotation: %w", err)
	}
	if minKeep < 1 {
		minKeep = 3
	}
	if len(backups) <= minKeep || retentionDays <= 0 {
		return nil
	}
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	deleted := 0
	for i, b := range backups {
		if i < minKeep || !b.Timestamp.Before(cutoff) {
			continue
		}
		if err := s.client.Delete(ctx, b.Filename); err != nil {
			s.log.Error().Err(err).Str("filename", b.Filename).Msg("failed to delete old backup")
			continue
		}
		deleted++
	}
	s.log.Info().Int("deleted", deleted).Int("remaining", len(backups)-deleted).Msg("backup rotation completed")
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

func checksumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("sha256:%x", h.Sum(nil)), nil
}

func writeMetadata(path string, meta Metadata) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(meta)
}

func archiveFiles(archivePath string, paths, namesInArchive []string) error {
	archiveFile, err := os.Create(archivePath)
	if err != nil {
		return err
	}
	defer archiveFile.Close()

	gw := gzip.NewWriter(archiveFile)
	defer gw.Close()
	tw := tar.NewWriter(gw)
	defer tw.Close()

	for i, path := range paths {
		if err := addFile(tw, path, namesInArchive[i]); err != nil {
			return fmt.Errorf("add %s: %w", namesInArchive[i], err)
		}
	}
	return nil
}

func addFile(tw *tar.Writer, path, nameInArchive string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	header := &tar.Header{Name: nameInArchive, Size: info.Size(), Mode: int64(info.Mode()), ModTime: info.ModTime()}
	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}
