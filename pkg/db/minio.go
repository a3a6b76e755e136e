package db

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"health-monitor/pkg/config"
	"health-monitor/pkg/models"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const (
	checksPrefix     = "health-checks"
	reportsPrefix    = "health-reports"
	CompressionLevel = gzip.BestSpeed
)

type MinioClient struct {
	*minio.Client
	bucket string
}

func NewMinioClient(cfg *config.Config) (*MinioClient, error) {
	client, err := minio.New(cfg.MinioEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.MinioAccessKey, cfg.MinioSecretKey, ""),
		Secure: cfg.MinioUseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := client.MakeBucket(ctx, cfg.MinioBucket, minio.MakeBucketOptions{}); err != nil {
		// Bucket might already exist, which is fine
		exists, errBucketExists := client.BucketExists(ctx, cfg.MinioBucket)
		if errBucketExists != nil || !exists {
			return nil, fmt.Errorf("failed to create bucket %s: %w", cfg.MinioBucket, err)
		}
	}

	return &MinioClient{Client: client, bucket: cfg.MinioBucket}, nil
}

func (m *MinioClient) HealthCheck(ctx context.Context) error {
	_, err := m.BucketExists(ctx, m.bucket)
	return err
}

// ReportArchive keeps generated reports and aged-out health checks in object storage
type ReportArchive struct {
	client *minio.Client
	bucket string
}

func NewReportArchive(m *MinioClient) *ReportArchive {
	return &ReportArchive{client: m.Client, bucket: m.bucket}
}

// StoreReport writes a gzipped JSON document under health-reports/{yyyy/mm/dd}/{name}.json.gz
func (ra *ReportArchive) StoreReport(ctx context.Context, name string, generatedAt time.Time, report interface{}) error {
	objectName := fmt.Sprintf("%s/%s/%s.json.gz", reportsPrefix, generatedAt.UTC().Format("2006/01/02"), name)

	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	var buf bytes.Buffer
	gz, err := gzip.NewWriterLevel(&buf, CompressionLevel)
	if err != nil {
		return fmt.Errorf("failed to create gzip writer: %w", err)
	}
	if _, err := gz.Write(body); err != nil {
		gz.Close()
		return fmt.Errorf("failed to compress report: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("failed to close gzip writer: %w", err)
	}

	return ra.put(ctx, objectName, &buf)
}

// ArchiveChecks stores health checks as gzipped JSON lines under
// health-checks/{service_id}/{yyyy/mm/dd}/{unix}.json.gz
func (ra *ReportArchive) ArchiveChecks(ctx context.Context, serviceID string, date time.Time, checks []models.HealthCheckResult) error {
	if len(checks) == 0 {
		return nil
	}

	objectName := fmt.Sprintf("%s%d.json.gz", dayPrefix(serviceID, utcDay(date)), time.Now().UnixNano())

	var buf bytes.Buffer
	gz, err := gzip.NewWriterLevel(&buf, CompressionLevel)
	if err != nil {
		return fmt.Errorf("failed to create gzip writer: %w", err)
	}

	for _, check := range checks {
		line, err := json.Marshal(check)
		if err != nil {
			gz.Close()
			return fmt.Errorf("failed to marshal health check: %w", err)
		}
		if _, err := gz.Write(append(line, '\n')); err != nil {
			gz.Close()
			return fmt.Errorf("failed to write health check: %w", err)
		}
	}

	if err := gz.Close(); err != nil {
		return fmt.Errorf("failed to close gzip writer: %w", err)
	}

	return ra.put(ctx, objectName, &buf)
}

// GetChecks returns archived checks for a service with timestamps in
// [start, end). Only the day folders overlapping the range are listed.
func (ra *ReportArchive) GetChecks(ctx context.Context, serviceID string, start, end time.Time) ([]models.HealthCheckResult, error) {
	var found []models.HealthCheckResult

	for day := utcDay(start); day.Before(end); day = day.AddDate(0, 0, 1) {
		for object := range ra.client.ListObjects(ctx, ra.bucket, minio.ListObjectsOptions{
			Prefix:    dayPrefix(serviceID, day),
			Recursive: true,
		}) {
			if object.Err != nil {
				return nil, fmt.Errorf("failed to list archived checks for %s: %w", serviceID, object.Err)
			}
			checks, err := ra.readChecks(ctx, object.Key)
			if err != nil {
				return nil, fmt.Errorf("failed to read %s: %w", object.Key, err)
			}
			for _, c := range checks {
				if !c.Timestamp.Before(start) && c.Timestamp.Before(end) {
					found = append(found, c)
				}
			}
		}
	}

	return found, nil
}

func (ra *ReportArchive) readChecks(ctx context.Context, objectName string) ([]models.HealthCheckResult, error) {
	obj, err := ra.client.GetObject(ctx, ra.bucket, objectName, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()

	gz, err := gzip.NewReader(obj)
	if err != nil {
		return nil, err
	}
	defer gz.Close()

	return decodeChecks(gz)
}

func decodeChecks(r io.Reader) ([]models.HealthCheckResult, error) {
	var checks []models.HealthCheckResult
	decoder := json.NewDecoder(r)
	for {
		var c models.HealthCheckResult
		if err := decoder.Decode(&c); err == io.EOF {
			break
		} else if err != nil {
			return checks, err
		}
		checks = append(checks, c)
	}
	return checks, nil
}

// DeleteChecks removes a service's archived day folders that end at or
// before the cutoff and returns how many objects went
func (ra *ReportArchive) DeleteChecks(ctx context.Context, serviceID string, before time.Time) (int, error) {
	var listErr error
	objectsCh := make(chan minio.ObjectInfo)
	go func() {
		defer close(objectsCh)
		for object := range ra.client.ListObjects(ctx, ra.bucket, minio.ListObjectsOptions{
			Prefix:    fmt.Sprintf("%s/%s/", checksPrefix, serviceID),
			Recursive: true,
		}) {
			if object.Err != nil {
				listErr = object.Err
				return
			}
			if expired(object.Key, before) {
				objectsCh <- object
			}
		}
	}()

	removed, failed := 0, 0
	var firstErr error
	for res := range ra.client.RemoveObjectsWithResult(ctx, ra.bucket, objectsCh, minio.RemoveObjectsOptions{}) {
		if res.Err != nil {
			failed++
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to delete archived object %s: %w", res.ObjectName, res.Err)
			}
			continue
		}
		removed++
	}

	if listErr != nil {
		return removed, fmt.Errorf("failed to list archived checks for %s: %w", serviceID, listErr)
	}
	if firstErr != nil {
		return removed, fmt.Errorf("%w (%d objects failed)", firstErr, failed)
	}
	return removed, nil
}

func (ra *ReportArchive) put(ctx context.Context, objectName string, buf *bytes.Buffer) error {
	_, err := ra.client.PutObject(ctx, ra.bucket, objectName, buf, int64(buf.Len()),
		minio.PutObjectOptions{
			ContentType:     "application/gzip",
			ContentEncoding: "gzip",
		})
	if err != nil {
		return fmt.Errorf("failed to upload %s to MinIO: %w", objectName, err)
	}
	return nil
}

func utcDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func dayPrefix(serviceID string, day time.Time) string {
	return fmt.Sprintf("%s/%s/%s/", checksPrefix, serviceID, day.Format("2006/01/02"))
}

// archivedDay reads the day folder out of health-checks/{id}/yyyy/mm/dd/{n}.json.gz
func archivedDay(objectKey string) (time.Time, bool) {
	parts := strings.Split(objectKey, "/")
	if len(parts) < 6 || parts[0] != checksPrefix {
		return time.Time{}, false
	}
	n := len(parts)
	day, err := time.Parse("2006/01/02", strings.Join(parts[n-4:n-1], "/"))
	if err != nil {
		return time.Time{}, false
	}
	return day, true
}

// expired reports whether every check in the object predates the cutoff
func expired(objectKey string, before time.Time) bool {
	day, ok := archivedDay(objectKey)
	return ok && !day.AddDate(0, 0, 1).After(before)
}
