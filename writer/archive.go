package writer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	appconfig "sensorflow/config"
	"sensorflow/logger"
	"sensorflow/models"
)

// ArchiveRecord is the flattened parquet row for one dispatched event.
type ArchiveRecord struct {
	EventID   string `parquet:"name=event_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	EventType string `parquet:"name=event_type, type=BYTE_ARRAY, convertedtype=UTF8"`
	StreamID  string `parquet:"name=stream_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Timestamp int64  `parquet:"name=timestamp, type=INT64"`
	Payload   string `parquet:"name=payload, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// memoryFileWriter implements the ParquetFile interface over a byte buffer
// so files can be assembled fully in memory before upload.
type memoryFileWriter struct {
	buffer *bytes.Buffer
}

func newMemoryFileWriter() *memoryFileWriter {
	return &memoryFileWriter{buffer: &bytes.Buffer{}}
}

func (mfw *memoryFileWriter) Create(string) (source.ParquetFile, error) {
	return mfw, nil
}

func (mfw *memoryFileWriter) Open(string) (source.ParquetFile, error) {
	return mfw, nil
}

func (mfw *memoryFileWriter) Seek(int64, int) (int64, error) {
	return int64(mfw.buffer.Len()), nil
}

func (mfw *memoryFileWriter) Read(b []byte) (int, error) {
	return mfw.buffer.Read(b)
}

func (mfw *memoryFileWriter) Write(b []byte) (int, error) {
	return mfw.buffer.Write(b)
}

func (mfw *memoryFileWriter) Close() error {
	return nil
}

func (mfw *memoryFileWriter) Bytes() []byte {
	return mfw.buffer.Bytes()
}

// ArchiveSink buffers dispatched events and periodically writes them to S3
// as parquet files under a time-partitioned key layout. It doubles as a
// dispatcher sink and as a lifecycle component owning the flush loop.
type ArchiveSink struct {
	config   *appconfig.Config
	s3Client *s3.Client

	bufMu  sync.Mutex
	buffer []models.Event

	ctx     context.Context
	cancel  context.CancelFunc
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log
}

// NewArchiveSink builds the sink and its S3 client. Credentials come from
// the configuration or the ambient AWS environment.
func NewArchiveSink(cfg *appconfig.Config) (*ArchiveSink, error) {
	client, err := newS3Client(cfg)
	if err != nil {
		return nil, err
	}
	return &ArchiveSink{
		config:   cfg,
		s3Client: client,
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
	}, nil
}

func newS3Client(cfg *appconfig.Config) (*s3.Client, error) {
	ctx := context.Background()

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Storage.S3.Region),
	}
	if cfg.Storage.S3.AccessKeyID != "" && cfg.Storage.S3.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.Storage.S3.AccessKeyID,
				cfg.Storage.S3.SecretAccessKey,
				"",
			),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS configuration: %w", err)
	}

	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil || !creds.HasKeys() {
		return nil, fmt.Errorf("aws credentials not found")
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Storage.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.S3.Endpoint)
		}
		o.UsePathStyle = cfg.Storage.S3.PathStyle
	}), nil
}

func (a *ArchiveSink) Name() string {
	return "archive"
}

// Emit buffers an event for the next flush. A buffer past its bound is
// flushed inline so bursty traffic cannot grow memory without limit.
func (a *ArchiveSink) Emit(_ context.Context, event models.Event) error {
	a.bufMu.Lock()
	a.buffer = append(a.buffer, event)
	full := len(a.buffer) >= a.config.Archive.MaxBuffer
	a.bufMu.Unlock()

	if full {
		return a.Flush("buffer_full")
	}
	return nil
}

// Start launches the periodic flush loop.
func (a *ArchiveSink) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.running {
		return fmt.Errorf("archive sink is already running")
	}
	a.ctx, a.cancel = context.WithCancel(ctx)
	a.running = true

	a.wg.Add(1)
	go a.flushLoop()

	a.log.WithComponent("archive").WithFields(logger.Fields{
		"bucket":         a.config.Storage.S3.Bucket,
		"flush_interval": a.config.Archive.FlushInterval.String(),
		"max_buffer":     a.config.Archive.MaxBuffer,
	}).Info("Archive sink started")
	return nil
}

// Stop flushes whatever is buffered and halts the loop.
func (a *ArchiveSink) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	a.cancel()
	a.mu.Unlock()

	a.wg.Wait()
	if err := a.Flush("shutdown"); err != nil {
		a.log.WithComponent("archive").WithError(err).Error("Final archive flush failed")
	}
	a.log.WithComponent("archive").Info("Archive sink stopped")
}

func (a *ArchiveSink) flushLoop() {
	defer a.wg.Done()
	ticker := time.NewTicker(a.config.Archive.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			if err := a.Flush("interval"); err != nil {
				a.log.WithComponent("archive").WithError(err).Error("Archive flush failed")
			}
		}
	}
}

// Flush writes the buffered events as one parquet object. Failed uploads put
// the events back so a later flush can retry them.
func (a *ArchiveSink) Flush(reason string) error {
	a.bufMu.Lock()
	events := a.buffer
	a.buffer = nil
	a.bufMu.Unlock()

	if len(events) == 0 {
		return nil
	}

	log := a.log.WithComponent("archive").WithFields(logger.Fields{
		"events": len(events),
		"reason": reason,
	})

	data, err := buildParquet(events)
	if err != nil {
		log.WithError(err).Error("Failed to build parquet file")
		return err
	}

	key := a.objectKey(time.Now().UTC())
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err = a.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.config.Storage.S3.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		a.bufMu.Lock()
		a.buffer = append(events, a.buffer...)
		a.bufMu.Unlock()
		log.WithError(err).WithEnv("S3_BUCKET").WithFields(logger.Fields{"s3_key": key}).Error("Failed to upload archive")
		return err
	}

	log.WithFields(logger.Fields{"s3_key": key, "file_size": len(data)}).Info("Archive flushed")
	return nil
}

func (a *ArchiveSink) objectKey(ts time.Time) string {
	timeFormat := a.config.Archive.Partitioning.TimeFormat
	timePath := strings.ReplaceAll(timeFormat, "{year}", fmt.Sprintf("%04d", ts.Year()))
	timePath = strings.ReplaceAll(timePath, "{month}", fmt.Sprintf("%02d", ts.Month()))
	timePath = strings.ReplaceAll(timePath, "{day}", fmt.Sprintf("%02d", ts.Day()))
	timePath = strings.ReplaceAll(timePath, "{hour}", fmt.Sprintf("%02d", ts.Hour()))

	filename := fmt.Sprintf("events_%s_%s.parquet", ts.Format("20060102150405"), uuid.New().String()[:8])
	return filepath.ToSlash(filepath.Join("events", timePath, filename))
}

func buildParquet(events []models.Event) ([]byte, error) {
	fw := newMemoryFileWriter()
	pw, err := writer.NewParquetWriter(fw, new(ArchiveRecord), 4)
	if err != nil {
		return nil, fmt.Errorf("create parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		record := ArchiveRecord{
			EventID:   ev.EventID,
			EventType: string(ev.Type),
			StreamID:  ev.StreamID,
			Timestamp: ev.Timestamp.UnixMilli(),
			Payload:   string(payload),
		}
		if err := pw.Write(record); err != nil {
			pw.WriteStop()
			return nil, fmt.Errorf("write parquet record: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("finalize parquet file: %w", err)
	}
	return fw.Bytes(), nil
}
