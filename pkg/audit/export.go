package audit

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"
)

// ExportFormat is the serialization format for exported events.
type ExportFormat string

const (
	ExportFormatNDJSON ExportFormat = "ndjson"
	ExportFormatCSV    ExportFormat = "csv"
)

// Export serializes events in the requested format.
func Export(events []*Event, format ExportFormat) ([]byte, error) {
	switch format {
	case ExportFormatNDJSON:
		return exportNDJSON(events)
	case ExportFormatCSV:
		return exportCSV(events)
	default:
		return nil, fmt.Errorf("unsupported export format: %s", format)
	}
}

func exportNDJSON(events []*Event) ([]byte, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	for _, event := range events {
		if err := encoder.Encode(event); err != nil {
			return nil, fmt.Errorf("failed to encode event: %w", err)
		}
	}
	return buf.Bytes(), nil
}

func exportCSV(events []*Event) ([]byte, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)

	header := []string{
		"ID", "Timestamp", "EventType", "Status",
		"UserID", "Username", "TenantID", "AppID",
		"IPAddress", "RequestID", "Message",
	}
	if err := writer.Write(header); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, event := range events {
		row := []string{
			strconv.FormatInt(event.ID, 10),
			event.Timestamp.Format(time.RFC3339),
			string(event.EventType),
			string(event.Status),
			event.UserID,
			event.Username,
			event.TenantID,
			event.AppID,
			event.IPAddress,
			event.RequestID,
			event.Message,
		}
		if err := writer.Write(row); err != nil {
			return nil, fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("CSV writer error: %w", err)
	}
	return buf.Bytes(), nil
}

// ArchiveConfig configures the S3 archive target.
type ArchiveConfig struct {
	Bucket       string
	Region       string
	Endpoint     string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
	Prefix       string
}

// Archiver ships exported audit batches to object storage.
type Archiver struct {
	client *s3.Client
	cfg    ArchiveConfig
	log    *logrus.Entry
}

// NewArchiver builds an S3 client for the archive bucket. Static
// credentials are used when provided, otherwise the default chain.
func NewArchiver(ctx context.Context, cfg ArchiveConfig) (*Archiver, error) {
	var awsCfg aws.Config
	var err error

	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(cfg.Region),
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				cfg.AccessKey, cfg.SecretKey, "",
			)),
		)
	} else {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(cfg.Region),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.UsePathStyle {
			o.UsePathStyle = true
		}
	})

	return &Archiver{
		client: client,
		cfg:    cfg,
		log:    logrus.WithField("component", "audit-archiver"),
	}, nil
}

// Archive exports the events and uploads them under a date-stamped key.
// Returns the object key written.
func (a *Archiver) Archive(ctx context.Context, events []*Event, format ExportFormat, asOf time.Time) (string, error) {
	if len(events) == 0 {
		return "", nil
	}

	data, err := Export(events, format)
	if err != nil {
		return "", err
	}

	key := fmt.Sprintf("%saudit/%s/events-%s.%s",
		a.cfg.Prefix,
		asOf.Format("2006/01/02"),
		asOf.Format("20060102T150405Z"),
		format,
	)

	contentType := "application/x-ndjson"
	if format == ExportFormatCSV {
		contentType = "text/csv"
	}

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload audit archive: %w", err)
	}

	a.log.WithFields(logrus.Fields{
		"key":    key,
		"events": len(events),
	}).Info("audit archive uploaded")
	return key, nil
}
