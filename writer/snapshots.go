package writer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"sensorflow/baseline"
	appconfig "sensorflow/config"
	"sensorflow/logger"
	"sensorflow/validator"
)

const (
	baselineSnapshotName = "baseline.json"
	cacheSnapshotName    = "cache.json"
)

// SnapshotPersister stores named snapshot blobs. Load returns (nil, nil)
// when no snapshot exists yet.
type SnapshotPersister interface {
	Save(ctx context.Context, name string, data []byte) error
	Load(ctx context.Context, name string) ([]byte, error)
}

// FileSnapshotStore keeps snapshots on the local filesystem, written through
// a temp file and rename so readers never observe a torn file.
type FileSnapshotStore struct {
	dir string
}

func NewFileSnapshotStore(dir string) (*FileSnapshotStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	return &FileSnapshotStore{dir: dir}, nil
}

func (s *FileSnapshotStore) Save(_ context.Context, name string, data []byte) error {
	final := filepath.Join(s.dir, name)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, final)
}

func (s *FileSnapshotStore) Load(_ context.Context, name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return data, err
}

// S3SnapshotStore keeps snapshots as JSON objects under a key prefix.
type S3SnapshotStore struct {
	client *s3.Client
	bucket string
	prefix string
}

func NewS3SnapshotStore(cfg *appconfig.Config) (*S3SnapshotStore, error) {
	client, err := newS3Client(cfg)
	if err != nil {
		return nil, err
	}
	return &S3SnapshotStore{
		client: client,
		bucket: cfg.Storage.S3.Bucket,
		prefix: cfg.Storage.Snapshot.Prefix,
	}, nil
}

func (s *S3SnapshotStore) key(name string) string {
	if s.prefix == "" {
		return name
	}
	return s.prefix + "/" + name
}

func (s *S3SnapshotStore) Save(ctx context.Context, name string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key(name)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	return err
}

func (s *S3SnapshotStore) Load(ctx context.Context, name string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(name)),
	})
	if err != nil {
		var notFound *types.NoSuchKey
		if errors.As(err, &notFound) {
			return nil, nil
		}
		return nil, err
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

// Snapshotter periodically persists the baseline store and the recent-read
// cache so a restart resumes with warm state instead of an empty engine.
type Snapshotter struct {
	config *appconfig.Config
	store  SnapshotPersister
	base   *baseline.Store
	cache  *validator.RecentReadCache

	ctx     context.Context
	cancel  context.CancelFunc
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log
}

func NewSnapshotter(cfg *appconfig.Config, store SnapshotPersister, base *baseline.Store, cache *validator.RecentReadCache) *Snapshotter {
	return &Snapshotter{
		config: cfg,
		store:  store,
		base:   base,
		cache:  cache,
		wg:     &sync.WaitGroup{},
		log:    logger.GetLogger(),
	}
}

// Restore loads the persisted state, if any, into the live stores.
func (s *Snapshotter) Restore(ctx context.Context) error {
	log := s.log.WithComponent("snapshotter")

	data, err := s.store.Load(ctx, baselineSnapshotName)
	if err != nil {
		return fmt.Errorf("load baseline snapshot: %w", err)
	}
	if data != nil {
		var snap baseline.StoreSnapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			log.WithError(err).Warn("Baseline snapshot unreadable, starting cold")
		} else {
			s.base.Restore(snap)
			log.WithFields(logger.Fields{
				"pairs":    len(snap.Pairs),
				"taken_at": snap.TakenAt,
			}).Info("Baseline state restored")
		}
	}

	data, err = s.store.Load(ctx, cacheSnapshotName)
	if err != nil {
		return fmt.Errorf("load cache snapshot: %w", err)
	}
	if data != nil {
		var snap validator.CacheSnapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			log.WithError(err).Warn("Cache snapshot unreadable, starting cold")
		} else {
			s.cache.Restore(snap)
			log.WithFields(logger.Fields{
				"entries":  len(snap.Entries),
				"taken_at": snap.TakenAt,
			}).Info("Recent-read cache restored")
		}
	}
	return nil
}

// SaveAll persists both stores.
func (s *Snapshotter) SaveAll(ctx context.Context) error {
	baseData, err := json.Marshal(s.base.Snapshot())
	if err != nil {
		return fmt.Errorf("marshal baseline snapshot: %w", err)
	}
	if err := s.store.Save(ctx, baselineSnapshotName, baseData); err != nil {
		return fmt.Errorf("save baseline snapshot: %w", err)
	}

	cacheData, err := json.Marshal(s.cache.Snapshot())
	if err != nil {
		return fmt.Errorf("marshal cache snapshot: %w", err)
	}
	if err := s.store.Save(ctx, cacheSnapshotName, cacheData); err != nil {
		return fmt.Errorf("save cache snapshot: %w", err)
	}

	logger.IncrementSnapshotSave()
	return nil
}

// Start launches the periodic save loop.
func (s *Snapshotter) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("snapshotter is already running")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true

	s.wg.Add(1)
	go s.run()

	s.log.WithComponent("snapshotter").WithFields(logger.Fields{
		"interval": s.config.Storage.Snapshot.Interval.String(),
	}).Info("Snapshotter started")
	return nil
}

// Stop takes a final snapshot and halts the loop.
func (s *Snapshotter) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.SaveAll(ctx); err != nil {
		s.log.WithComponent("snapshotter").WithError(err).Error("Final snapshot failed")
	}
	s.log.WithComponent("snapshotter").Info("Snapshotter stopped")
}

func (s *Snapshotter) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.config.Storage.Snapshot.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
			if err := s.SaveAll(ctx); err != nil {
				s.log.WithComponent("snapshotter").WithError(err).Error("Periodic snapshot failed")
			}
			cancel()
		}
	}
}
