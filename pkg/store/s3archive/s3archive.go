// Package s3archive copies jobs removed by retention cleanup to S3 as
// JSON Lines objects.
//
// Example usage:
//
//	cfg, _ := config.LoadDefaultConfig(ctx, config.WithRegion("us-east-1"))
//	archive := s3archive.New(s3.NewFromConfig(cfg), "hive-jobs", "archive/")
//	coord := jobs.New(jobs.Options{Store: store, Archiver: archive})
package s3archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/vango-dev/hive/pkg/jobs"
)

var _ jobs.Archiver = (*Archiver)(nil)

// Client is the subset of *s3.Client the archiver uses.
type Client interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	s3.ListObjectsV2APIClient
}

// Object describes one archive object.
type Object struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// Archiver writes one object per cleanup batch.
type Archiver struct {
	client Client
	bucket string
	prefix string
	now    func() time.Time
}

// New creates an Archiver writing under prefix in bucket.
func New(client Client, bucket, prefix string) *Archiver {
	return &Archiver{
		client: client,
		bucket: bucket,
		prefix: prefix,
		now:    time.Now,
	}
}

// Archive implements jobs.Archiver. The object key is
// <prefix>jobs/YYYY/MM/DD/<unix-nanos>-<count>.jsonl.
func (a *Archiver) Archive(ctx context.Context, js []*jobs.Job) error {
	if len(js) == 0 {
		return nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, j := range js {
		if err := enc.Encode(j); err != nil {
			return fmt.Errorf("hive/s3archive: encode job %s: %w", j.JobID, err)
		}
	}

	now := a.now().UTC()
	key := a.prefix + "jobs/" + now.Format("2006/01/02") + "/" +
		strconv.FormatInt(now.UnixNano(), 10) + "-" + strconv.Itoa(len(js)) + ".jsonl"

	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
		Metadata: map[string]string{
			"job-count":    strconv.Itoa(len(js)),
			"archive-time": now.Format(time.RFC3339),
		},
	})
	if err != nil {
		return fmt.Errorf("hive/s3archive: put %s: %w", key, err)
	}
	return nil
}

// List returns the archive objects under the prefix.
func (a *Archiver) List(ctx context.Context) ([]Object, error) {
	paginator := s3.NewListObjectsV2Paginator(a.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(a.bucket),
		Prefix: aws.String(a.prefix + "jobs/"),
	})

	var out []Object
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("hive/s3archive: list: %w", err)
		}
		for _, obj := range page.Contents {
			o := Object{Key: aws.ToString(obj.Key), Size: aws.ToInt64(obj.Size)}
			if obj.LastModified != nil {
				o.LastModified = *obj.LastModified
			}
			out = append(out, o)
		}
	}
	return out, nil
}
