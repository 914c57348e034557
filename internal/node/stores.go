package node

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/vango-dev/hive/internal/config"
	"github.com/vango-dev/hive/pkg/jobs"
	"github.com/vango-dev/hive/pkg/options"
	"github.com/vango-dev/hive/pkg/store/file"
	"github.com/vango-dev/hive/pkg/store/memory"
	"github.com/vango-dev/hive/pkg/store/postgres"
	"github.com/vango-dev/hive/pkg/store/s3archive"
)

// Stores are the persistence backends selected by configuration.
type Stores struct {
	Jobs    jobs.Store
	Options options.Store

	// Archive is nil unless jobs.archive.bucket is set.
	Archive *s3archive.Archiver

	closers []func() error
}

// Close releases database pools.
func (s *Stores) Close() error {
	var first error
	for _, c := range s.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	s.closers = nil
	return first
}

// OpenStores builds the job store, the option store and the archiver named
// by cfg. The memory backend is private to the calling process. A postgres
// backend is migrated before use.
func OpenStores(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Stores, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Stores{}

	var (
		mem *memory.Store
		fs  *file.Store
		pg  *postgres.Store
	)
	open := func(kind string) (any, error) {
		switch kind {
		case "memory":
			if mem == nil {
				mem = memory.New()
			}
			return mem, nil
		case "file":
			if fs == nil {
				var err error
				if fs, err = file.New(cfg.JobsPath(), cfg.OptionsPath()); err != nil {
					return nil, err
				}
			}
			return fs, nil
		case "postgres":
			if pg == nil {
				var err error
				if pg, err = postgres.New(ctx, cfg.Jobs.DSN, postgres.WithLogger(logger)); err != nil {
					return nil, err
				}
				s.closers = append(s.closers, pg.Close)
				if err := pg.Migrate(ctx); err != nil {
					return nil, err
				}
			}
			return pg, nil
		}
		return nil, fmt.Errorf("node: unknown store %q", kind)
	}

	js, err := open(cfg.Jobs.Store)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("node: open job store: %w", err)
	}
	s.Jobs = js.(jobs.Store)

	ostore, err := open(cfg.Options.Store)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("node: open option store: %w", err)
	}
	s.Options = ostore.(options.Store)

	if cfg.Jobs.Archive.Bucket != "" {
		client, err := NewS3Client(ctx, cfg.Jobs.Archive)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("node: s3 client: %w", err)
		}
		s.Archive = s3archive.New(client, cfg.Jobs.Archive.Bucket, cfg.Jobs.Archive.Prefix)
	}
	return s, nil
}

// NewS3Client builds an S3 client from the default AWS credential chain.
// A custom endpoint switches to path-style addressing for S3-compatible
// servers.
func NewS3Client(ctx context.Context, ac config.ArchiveConfig) (*s3.Client, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if ac.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(ac.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, err
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if ac.Endpoint != "" {
			o.BaseEndpoint = aws.String(ac.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}
