package loader

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"sort"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/quantfabric/etl-core/internal/core"
)

// ObjectStore is the S3-compatible backend. Exports land as gzip JSONL part
// objects under bucket/prefix/dataset/dt=partition/run=versionID/, with a
// metadata object per export and a HEAD pointer object per scope naming the
// current export.
type ObjectStore struct {
	client    *minio.Client
	bucket    string
	prefix    string
	batchSize int
	logger    *slog.Logger
}

// ObjectStoreConfig holds S3/MinIO connection settings.
type ObjectStoreConfig struct {
	EndpointURL     string
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	UseSSL          bool
	Bucket          string
	Prefix          string
	BatchSize       int
	Logger          *slog.Logger
}

// NewObjectStore creates the object-store backend and ensures its bucket.
func NewObjectStore(ctx context.Context, cfg ObjectStoreConfig) (*ObjectStore, error) {
	if cfg.EndpointURL == "" {
		return nil, core.Errorf(core.CodeConfigInvalid, false, "objectstore: endpoint url is required")
	}
	if cfg.Bucket == "" {
		return nil, core.Errorf(core.CodeConfigInvalid, false, "objectstore: bucket is required")
	}
	if cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
		return nil, core.Errorf(core.CodeAuthOrValidation, false, "objectstore: credentials are required")
	}

	u, err := url.Parse(cfg.EndpointURL)
	if err != nil {
		return nil, core.NewError(core.CodeConfigInvalid, false, fmt.Errorf("invalid endpoint URL: %w", err))
	}
	endpoint := u.Host
	if endpoint == "" {
		endpoint = cfg.EndpointURL
	}
	useSSL := cfg.UseSSL || u.Scheme == "https"

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: useSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, core.NewError(core.CodeBackendUnavailable, true, fmt.Errorf("create object store client: %w", err))
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	store := &ObjectStore{
		client:    client,
		bucket:    cfg.Bucket,
		prefix:    strings.Trim(cfg.Prefix, "/"),
		batchSize: cfg.BatchSize,
		logger:    logger.With("backend", "objectstore", "bucket", cfg.Bucket),
	}
	if err := store.ensureBucket(ctx, cfg.Region); err != nil {
		return nil, err
	}
	return store, nil
}

func (o *ObjectStore) ensureBucket(ctx context.Context, region string) error {
	exists, err := o.client.BucketExists(ctx, o.bucket)
	if err != nil {
		return classifyObjectError(err)
	}
	if exists {
		return nil
	}
	if err := o.client.MakeBucket(ctx, o.bucket, minio.MakeBucketOptions{Region: region}); err != nil {
		return classifyObjectError(err)
	}
	return nil
}

// Name identifies the backend.
func (o *ObjectStore) Name() string { return "objectstore" }

// Validate checks connectivity by listing buckets.
func (o *ObjectStore) Validate(ctx context.Context) error {
	if _, err := o.client.ListBuckets(ctx); err != nil {
		return classifyObjectError(err)
	}
	return nil
}

// Close is a no-op for the object store client.
func (o *ObjectStore) Close() error { return nil }

// Load applies the strategy against the current export and publishes a new
// one when the content changed.
func (o *ObjectStore) Load(ctx context.Context, req *LoadRequest) (*LoadResult, error) {
	if req.BatchSize <= 0 {
		req.BatchSize = o.batchSize
	}
	return runSetLoad(ctx, o.Name(), o, req)
}

// Version returns the scope's current export version.
func (o *ObjectStore) Version(ctx context.Context, scope core.Scope) (*core.DataVersion, error) {
	return o.headVersion(ctx, scope)
}

func (o *ObjectStore) scopePrefix(scope core.Scope) string {
	return joinKey(o.prefix, scope.Dataset, "dt="+scope.Partition)
}

func (o *ObjectStore) headKey(scope core.Scope) string {
	return joinKey(o.scopePrefix(scope), "HEAD")
}

func (o *ObjectStore) metaKey(scope core.Scope, versionID string) string {
	return joinKey(o.scopePrefix(scope), "run="+versionID, "meta.json")
}

func (o *ObjectStore) headVersion(ctx context.Context, scope core.Scope) (*core.DataVersion, error) {
	head, err := o.getObject(ctx, o.headKey(scope))
	if err != nil {
		if isObjectMissing(err) {
			return nil, nil
		}
		return nil, err
	}
	versionID := strings.TrimSpace(string(head))

	data, err := o.getObject(ctx, o.metaKey(scope, versionID))
	if err != nil {
		return nil, err
	}
	var version core.DataVersion
	if err := json.Unmarshal(data, &version); err != nil {
		return nil, fmt.Errorf("decode export metadata: %w", err)
	}
	return &version, nil
}

func (o *ObjectStore) readSet(ctx context.Context, scope core.Scope) ([]core.TransformedRecord, error) {
	head, err := o.headVersion(ctx, scope)
	if err != nil || head == nil {
		return nil, err
	}

	runPrefix := joinKey(o.scopePrefix(scope), "run="+head.ID) + "/"
	var keys []string
	for obj := range o.client.ListObjects(ctx, o.bucket, minio.ListObjectsOptions{Prefix: runPrefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, classifyObjectError(obj.Err)
		}
		if strings.HasSuffix(obj.Key, ".jsonl.gz") {
			keys = append(keys, obj.Key)
		}
	}
	sort.Strings(keys)

	var records []core.TransformedRecord
	for _, key := range keys {
		data, err := o.getObject(ctx, key)
		if err != nil {
			return nil, err
		}
		chunk, err := decodePart(key, data)
		if err != nil {
			return nil, err
		}
		records = append(records, chunk...)
	}
	return records, nil
}

// writeSet uploads the parts and metadata first, then swaps the HEAD pointer
// so readers never see a partial export.
func (o *ObjectStore) writeSet(ctx context.Context, scope core.Scope, records []core.TransformedRecord, version *core.DataVersion, batchSize int) error {
	for i, chunk := range Chunk(records, batchSize) {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := encodePart(chunk)
		if err != nil {
			return err
		}
		key := joinKey(o.scopePrefix(scope), "run="+version.ID, fmt.Sprintf("part-%06d.jsonl.gz", i))
		if err := o.putObject(ctx, key, data, "application/gzip"); err != nil {
			return err
		}
	}

	meta, err := json.MarshalIndent(version, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal export metadata: %w", err)
	}
	if err := o.putObject(ctx, o.metaKey(scope, version.ID), meta, "application/json"); err != nil {
		return err
	}
	return o.putObject(ctx, o.headKey(scope), []byte(version.ID+"\n"), "text/plain")
}

func (o *ObjectStore) getObject(ctx context.Context, key string) ([]byte, error) {
	obj, err := o.client.GetObject(ctx, o.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, classifyObjectError(err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, classifyObjectError(err)
	}
	return data, nil
}

func (o *ObjectStore) putObject(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := o.client.PutObject(ctx, o.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return classifyObjectError(err)
	}
	return nil
}

func encodePart(records []core.TransformedRecord) ([]byte, error) {
	buf := &bytes.Buffer{}
	zw := gzip.NewWriter(buf)
	for _, record := range records {
		line, err := json.Marshal(record)
		if err != nil {
			return nil, fmt.Errorf("marshal record %s: %w", RecordKey(record), err)
		}
		if _, err := zw.Write(append(line, '\n')); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodePart(key string, data []byte) ([]core.TransformedRecord, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open gzip reader for %s: %w", key, err)
	}
	defer zr.Close()

	var records []core.TransformedRecord
	scanner := bufio.NewScanner(zr)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var record core.TransformedRecord
		if err := json.Unmarshal(line, &record); err != nil {
			return nil, fmt.Errorf("decode record in %s: %w", key, err)
		}
		records = append(records, record)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", key, err)
	}
	return records, nil
}

func joinKey(parts ...string) string {
	var out []string
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "/")
}

func isObjectMissing(err error) bool {
	resp := minio.ToErrorResponse(errors.Unwrap(err))
	if resp.Code == "" {
		resp = minio.ToErrorResponse(err)
	}
	return resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket"
}

func classifyObjectError(err error) error {
	if err == nil {
		return nil
	}
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
		return core.NewError(core.CodeAuthOrValidation, false, err)
	case "NoSuchKey", "NoSuchBucket":
		return err
	case "SlowDown", "ServiceUnavailable", "InternalError":
		return core.NewError(core.CodeBackendUnavailable, true, err)
	}
	return core.NewError(core.CodeBackendUnavailable, true, err)
}
