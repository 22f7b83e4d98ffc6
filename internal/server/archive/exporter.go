// Package archive exports archived projects, with their checklists and shot
// items, as JSON documents to S3-compatible object storage.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/dmitrijs2005/shotkeeper/internal/logging"
	"github.com/dmitrijs2005/shotkeeper/internal/models"
	"github.com/dmitrijs2005/shotkeeper/internal/netx"
	"github.com/dmitrijs2005/shotkeeper/internal/server/config"
)

var (
	loadDefaultAWSConfig = awsconfig.LoadDefaultConfig

	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) *s3.Client {
		return s3.NewFromConfig(cfg, optFns...)
	}

	newS3PresignClient = func(c *s3.Client) *s3.PresignClient {
		return s3.NewPresignClient(c)
	}

	presignPutObject = func(pc *s3.PresignClient, ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
		return pc.PresignPutObject(ctx, in, optFns...)
	}

	upload = netx.UploadToPresignedURL
)

// Source provides the projects to export. services.RecordService satisfies it.
type Source interface {
	ArchivedProjects(ctx context.Context) ([]models.Project, error)
	Export(ctx context.Context, projectID string) (*models.Dataset, error)
}

// Document is the exported JSON shape.
type Document struct {
	ExportedAt time.Time       `json:"exportedAt"`
	Project    models.Project  `json:"project"`
	Dataset    *models.Dataset `json:"dataset"`
}

// Exporter uploads every archived project once per version: a project is
// exported again only after its updatedAt changes.
type Exporter struct {
	source Source
	config *config.Config
	logger logging.Logger
	now    func() time.Time

	mu       sync.Mutex
	exported map[string]time.Time
}

func NewExporter(src Source, cfg *config.Config, l logging.Logger) *Exporter {
	return &Exporter{
		source:   src,
		config:   cfg,
		logger:   l.With("module", "archive"),
		now:      func() time.Time { return time.Now().UTC() },
		exported: make(map[string]time.Time),
	}
}

// ObjectKey is where a project version is stored in the bucket.
func ObjectKey(p models.Project) string {
	return fmt.Sprintf("projects/%s/%s.json", p.ID, p.UpdatedAt.UTC().Format("20060102T150405Z"))
}

func (e *Exporter) getPresignClient(ctx context.Context) (*s3.PresignClient, error) {
	cfg, err := loadDefaultAWSConfig(ctx,
		awsconfig.WithRegion(e.config.S3Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			e.config.S3RootUser,
			e.config.S3RootPassword,
			"",
		)))
	if err != nil {
		return nil, err
	}

	client := newS3ClientFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(e.config.S3BaseEndpoint)
		o.UsePathStyle = true
	})

	return newS3PresignClient(client), nil
}

// ExportOnce uploads the archived projects not exported yet and returns how
// many were uploaded. It stops at the first failure; the failed project is
// retried on the next call.
func (e *Exporter) ExportOnce(ctx context.Context) (int, error) {
	projects, err := e.source.ArchivedProjects(ctx)
	if err != nil {
		return 0, fmt.Errorf("list archived projects: %w", err)
	}

	var pending []models.Project
	e.mu.Lock()
	for _, p := range projects {
		if at, ok := e.exported[p.ID]; !ok || !at.Equal(p.UpdatedAt) {
			pending = append(pending, p)
		}
	}
	e.mu.Unlock()
	if len(pending) == 0 {
		return 0, nil
	}

	pc, err := e.getPresignClient(ctx)
	if err != nil {
		return 0, fmt.Errorf("s3 client: %w", err)
	}

	n := 0
	for _, p := range pending {
		if err := e.exportProject(ctx, pc, p); err != nil {
			return n, fmt.Errorf("export project %s: %w", p.ID, err)
		}
		e.mu.Lock()
		e.exported[p.ID] = p.UpdatedAt
		e.mu.Unlock()
		n++
		e.logger.Info(ctx, "project archived", "project", p.ID, "key", ObjectKey(p))
	}
	return n, nil
}

func (e *Exporter) exportProject(ctx context.Context, pc *s3.PresignClient, p models.Project) error {
	ds, err := e.source.Export(ctx, p.ID)
	if err != nil {
		return err
	}
	body, err := json.MarshalIndent(Document{ExportedAt: e.now(), Project: p, Dataset: ds}, "", "  ")
	if err != nil {
		return err
	}

	bucket := e.config.S3Bucket
	key := ObjectKey(p)
	req, err := presignPutObject(pc, ctx, &s3.PutObjectInput{
		Bucket:      &bucket,
		Key:         &key,
		ContentType: aws.String("application/json"),
	}, s3.WithPresignExpires(15*time.Minute))
	if err != nil {
		return err
	}

	return upload(ctx, req.URL, "application/json", body)
}

// Run exports every interval until ctx is done. Failures are logged.
func (e *Exporter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := e.ExportOnce(ctx); err != nil && ctx.Err() == nil {
			e.logger.Error(ctx, "archive export failed", "error", err.Error())
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
