package s3

import (
	"bytes"
	"context"
	stderr "errors"
	"io"
	"iter"
	"net"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"go.uber.org/zap"

	"github.com/objectfs/deskfs/internal/circuit"
	"github.com/objectfs/deskfs/pkg/errors"
	"github.com/objectfs/deskfs/pkg/retry"
	"github.com/objectfs/deskfs/pkg/types"
	"github.com/objectfs/deskfs/pkg/utils"
)

const component = "storage.s3"

// deleteBatchSize is the DeleteObjects request limit.
const deleteBatchSize = 1000

// API error codes that indicate a transient service condition.
var transientCodes = map[string]bool{
	"SlowDown":           true,
	"RequestTimeout":     true,
	"InternalError":      true,
	"ServiceUnavailable": true,
	"Throttling":         true,
}

// Backend implements types.Backend on an S3 bucket. Files are objects
// keyed by their path below the prefix. A directory is an empty marker
// object whose key ends in "/", or any common prefix of existing keys.
type Backend struct {
	api     API
	bucket  string
	prefix  string
	retry   *retry.Retryer
	breaker *circuit.CircuitBreaker
	logger  *zap.Logger
}

// New creates a backend with a client built from cfg.
func New(ctx context.Context, cfg *Config, logger *zap.Logger) (*Backend, error) {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := NewClient(ctx, cfg)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "failed to create S3 client").
			WithComponent(component).WithCause(err)
	}
	return NewWithAPI(client, cfg, logger)
}

// NewWithAPI creates a backend over an existing client.
func NewWithAPI(api API, cfg *Config, logger *zap.Logger) (*Backend, error) {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger = utils.Component(logger, component)
	rc := retry.DefaultConfig()
	rc.MaxAttempts = cfg.MaxRetries
	rc.InitialDelay = cfg.RetryDelay
	rc.OnRetry = func(attempt int, err error, delay time.Duration) {
		logger.Warn("Retrying S3 request",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
	}

	b := &Backend{
		api:    api,
		bucket: cfg.Bucket,
		prefix: cfg.normalizedPrefix(),
		retry:  retry.New(rc),
		logger: logger,
	}
	if cfg.BreakerFailures > 0 {
		b.breaker = circuit.NewCircuitBreaker("s3:"+cfg.Bucket, circuit.Config{
			MaxFailures: cfg.BreakerFailures,
			Timeout:     cfg.BreakerTimeout,
			OnStateChange: func(name string, from, to circuit.State) {
				logger.Warn("Circuit breaker state changed",
					zap.String("breaker", name),
					zap.Stringer("from", from),
					zap.Stringer("to", to))
			},
		})
	}
	return b, nil
}

// Root implements types.Backend.
func (b *Backend) Root(ctx context.Context) (types.DirectoryHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.BackendIO("root", "/", err).WithComponent(component)
	}
	return &dirHandle{b: b}, nil
}

// Close implements types.Backend.
func (b *Backend) Close() error { return nil }

func (b *Backend) key(rel string) string { return b.prefix + rel }

func (b *Backend) dirKey(rel string) string {
	if rel == "" {
		return b.prefix
	}
	return b.prefix + rel + "/"
}

// do runs fn under the retry policy, behind the circuit breaker when
// one is configured, and returns a translated error.
func (b *Backend) do(ctx context.Context, op, path string, fn func(context.Context) error) error {
	attempt := func(ctx context.Context) error {
		return b.retry.Do(ctx, func(ctx context.Context) error {
			return translate(op, path, fn(ctx))
		})
	}
	var err error
	if b.breaker != nil {
		err = b.breaker.Execute(ctx, attempt)
	} else {
		err = attempt(ctx)
	}
	if err == nil {
		return nil
	}
	var fsErr *errors.FSError
	if stderr.As(err, &fsErr) {
		return err
	}
	return errors.BackendIO(op, path, err).WithComponent(component)
}

// translate maps SDK errors onto the filesystem error codes.
func translate(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var fsErr *errors.FSError
	if stderr.As(err, &fsErr) {
		return err
	}
	if stderr.Is(err, context.Canceled) || stderr.Is(err, context.DeadlineExceeded) {
		return errors.BackendIO(op, path, err).WithComponent(component)
	}
	if isErrorType[*s3types.NoSuchKey](err) || isErrorType[*s3types.NotFound](err) {
		return errors.NotFound(path).WithComponent(component).WithCause(err)
	}
	if isErrorType[*s3types.NoSuchBucket](err) {
		return errors.NewError(errors.ErrCodeInvalidConfig, "bucket not found").
			WithComponent(component).WithOperation(op).WithCause(err)
	}

	var apiErr smithy.APIError
	if stderr.As(err, &apiErr) && transientCodes[apiErr.ErrorCode()] {
		return errors.NewError(errors.ErrCodeNetworkError, "transient S3 error").
			WithComponent(component).WithOperation(op).WithContext("path", path).WithCause(err)
	}
	var respErr *smithyhttp.ResponseError
	if stderr.As(err, &respErr) && respErr.HTTPStatusCode() >= 500 {
		return errors.NewError(errors.ErrCodeNetworkError, "S3 server error").
			WithComponent(component).WithOperation(op).WithContext("path", path).WithCause(err)
	}
	var netErr net.Error
	if stderr.As(err, &netErr) {
		code := errors.ErrCodeNetworkError
		if netErr.Timeout() {
			code = errors.ErrCodeConnectionTimeout
		}
		return errors.NewError(code, "S3 connection failed").
			WithComponent(component).WithOperation(op).WithContext("path", path).WithCause(err)
	}
	return errors.BackendIO(op, path, err).WithComponent(component)
}

// isErrorType checks if an error is of a specific type
func isErrorType[T error](err error) bool {
	var target T
	return stderr.As(err, &target)
}

// objectExists reports whether key is an object.
func (b *Backend) objectExists(ctx context.Context, key, path string) (bool, error) {
	err := b.do(ctx, "head", path, func(ctx context.Context) error {
		_, err := b.api.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(key),
		})
		return err
	})
	switch {
	case err == nil:
		return true, nil
	case errors.IsNotFound(err):
		return false, nil
	default:
		return false, err
	}
}

// dirExists reports whether rel has a marker or any key beneath it.
func (b *Backend) dirExists(ctx context.Context, rel string) (bool, error) {
	if rel == "" {
		return true, nil
	}
	var found bool
	err := b.do(ctx, "list", "/"+rel, func(ctx context.Context) error {
		out, err := b.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:  aws.String(b.bucket),
			Prefix:  aws.String(b.dirKey(rel)),
			MaxKeys: aws.Int32(1),
		})
		if err != nil {
			return err
		}
		found = len(out.Contents) > 0 || len(out.CommonPrefixes) > 0
		return nil
	})
	return found, err
}

func (b *Backend) put(ctx context.Context, key, path string, data []byte) error {
	return b.do(ctx, "put", path, func(ctx context.Context) error {
		_, err := b.api.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(b.bucket),
			Key:           aws.String(key),
			Body:          bytes.NewReader(data),
			ContentLength: aws.Int64(int64(len(data))),
		})
		return err
	})
}

// listKeys returns every key starting with prefix.
func (b *Backend) listKeys(ctx context.Context, prefix, path string) ([]string, error) {
	var keys []string
	p := s3.NewListObjectsV2Paginator(b.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(prefix),
	})
	for p.HasMorePages() {
		var page *s3.ListObjectsV2Output
		err := b.do(ctx, "list", path, func(ctx context.Context) error {
			var err error
			page, err = p.NextPage(ctx)
			return err
		})
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

// deleteKeys removes keys in batches. Keys are deleted deepest first so
// a directory marker outlives its contents.
func (b *Backend) deleteKeys(ctx context.Context, keys []string, path string) error {
	slices.Sort(keys)
	slices.Reverse(keys)

	for start := 0; start < len(keys); start += deleteBatchSize {
		end := min(start+deleteBatchSize, len(keys))
		ids := make([]s3types.ObjectIdentifier, 0, end-start)
		for _, k := range keys[start:end] {
			ids = append(ids, s3types.ObjectIdentifier{Key: aws.String(k)})
		}

		err := b.do(ctx, "delete", path, func(ctx context.Context) error {
			out, err := b.api.DeleteObjects(ctx, &s3.DeleteObjectsInput{
				Bucket: aws.String(b.bucket),
				Delete: &s3types.Delete{Objects: ids, Quiet: aws.Bool(true)},
			})
			if err != nil {
				return err
			}
			if len(out.Errors) > 0 {
				first := out.Errors[0]
				return errors.NewError(errors.ErrCodeStorageIO, "batch delete incomplete").
					WithComponent(component).
					WithContext("key", aws.ToString(first.Key)).
					WithDetail("failed", len(out.Errors)).
					WithDetail("reason", aws.ToString(first.Message))
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

type dirHandle struct {
	b   *Backend
	rel string
}

func (h *dirHandle) Name() string      { return path.Base("/" + h.rel) }
func (h *dirHandle) Kind() types.Kind { return types.KindDirectory }

func (h *dirHandle) path() string { return "/" + h.rel }

func (h *dirHandle) child(name string) string {
	if h.rel == "" {
		return name
	}
	return h.rel + "/" + name
}

func (h *dirHandle) GetDirectory(ctx context.Context, name string, create bool) (types.DirectoryHandle, error) {
	rel := h.child(name)
	p := "/" + rel

	isFile, err := h.b.objectExists(ctx, h.b.key(rel), p)
	if err != nil {
		return nil, err
	}
	if isFile {
		return nil, errors.TypeMismatch(p, "directory").WithComponent(component)
	}

	ok, err := h.b.dirExists(ctx, rel)
	if err != nil {
		return nil, err
	}
	if !ok {
		if !create {
			return nil, errors.NotFound(p).WithComponent(component)
		}
		if err := h.b.put(ctx, h.b.dirKey(rel), p, nil); err != nil {
			return nil, err
		}
		h.b.logger.Debug("Created directory marker", zap.String("path", p))
	}
	return &dirHandle{b: h.b, rel: rel}, nil
}

func (h *dirHandle) GetFile(ctx context.Context, name string, create bool) (types.FileHandle, error) {
	rel := h.child(name)
	p := "/" + rel

	isFile, err := h.b.objectExists(ctx, h.b.key(rel), p)
	if err != nil {
		return nil, err
	}
	if isFile {
		return &fileHandle{b: h.b, rel: rel}, nil
	}

	isDir, err := h.b.dirExists(ctx, rel)
	if err != nil {
		return nil, err
	}
	if isDir {
		return nil, errors.TypeMismatch(p, "file").WithComponent(component)
	}
	if !create {
		return nil, errors.NotFound(p).WithComponent(component)
	}
	if err := h.b.put(ctx, h.b.key(rel), p, nil); err != nil {
		return nil, err
	}
	return &fileHandle{b: h.b, rel: rel}, nil
}

func (h *dirHandle) Entries(ctx context.Context) iter.Seq2[types.Handle, error] {
	return func(yield func(types.Handle, error) bool) {
		prefix := h.b.dirKey(h.rel)
		p := s3.NewListObjectsV2Paginator(h.b.api, &s3.ListObjectsV2Input{
			Bucket:    aws.String(h.b.bucket),
			Prefix:    aws.String(prefix),
			Delimiter: aws.String("/"),
		})

		for p.HasMorePages() {
			var page *s3.ListObjectsV2Output
			err := h.b.do(ctx, "list", h.path(), func(ctx context.Context) error {
				var err error
				page, err = p.NextPage(ctx)
				return err
			})
			if err != nil {
				yield(nil, err)
				return
			}

			dirs := make(map[string]bool, len(page.CommonPrefixes))
			for _, cp := range page.CommonPrefixes {
				name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), prefix), "/")
				if name == "" {
					continue
				}
				dirs[name] = true
				if !yield(&dirHandle{b: h.b, rel: h.child(name)}, nil) {
					return
				}
			}
			for _, obj := range page.Contents {
				name := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
				// The directory's own marker, or a file shadowed by a
				// directory of the same name.
				if name == "" || dirs[name] {
					continue
				}
				if !yield(&fileHandle{b: h.b, rel: h.child(name)}, nil) {
					return
				}
			}
		}
	}
}

func (h *dirHandle) RemoveEntry(ctx context.Context, name string, recursive bool) error {
	rel := h.child(name)
	p := "/" + rel

	isFile, err := h.b.objectExists(ctx, h.b.key(rel), p)
	if err != nil {
		return err
	}
	if isFile {
		return h.b.do(ctx, "delete", p, func(ctx context.Context) error {
			_, err := h.b.api.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(h.b.bucket),
				Key:    aws.String(h.b.key(rel)),
			})
			return err
		})
	}

	marker := h.b.dirKey(rel)
	keys, err := h.b.listKeys(ctx, marker, p)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return errors.NotFound(p).WithComponent(component)
	}
	if !recursive && slices.ContainsFunc(keys, func(k string) bool { return k != marker }) {
		return errors.NotEmpty(p).WithComponent(component)
	}

	h.b.logger.Debug("Removing directory",
		zap.String("path", p),
		zap.Int("objects", len(keys)))
	return h.b.deleteKeys(ctx, keys, p)
}

type fileHandle struct {
	b   *Backend
	rel string
}

func (h *fileHandle) Name() string      { return path.Base(h.rel) }
func (h *fileHandle) Kind() types.Kind { return types.KindFile }

func (h *fileHandle) ReadAll(ctx context.Context) ([]byte, error) {
	p := "/" + h.rel
	var data []byte
	err := h.b.do(ctx, "get", p, func(ctx context.Context) error {
		out, err := h.b.api.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(h.b.bucket),
			Key:    aws.String(h.b.key(h.rel)),
		})
		if err != nil {
			return err
		}
		defer func() { _ = out.Body.Close() }()
		data, err = io.ReadAll(out.Body)
		return err
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (h *fileHandle) CreateWritable(ctx context.Context) (types.Writable, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.BackendIO("open", "/"+h.rel, err).WithComponent(component)
	}
	return &writable{h: h}, nil
}

// writable buffers the stream and uploads it as one object on Close.
type writable struct {
	h      *fileHandle
	buf    bytes.Buffer
	closed bool
}

func (w *writable) Write(ctx context.Context, p []byte) error {
	if w.closed {
		return errors.NewError(errors.ErrCodeStorageIO, "write on closed stream").
			WithComponent(component).WithContext("path", "/"+w.h.rel)
	}
	if err := ctx.Err(); err != nil {
		return errors.BackendIO("write", "/"+w.h.rel, err).WithComponent(component)
	}
	w.buf.Write(p)
	return nil
}

func (w *writable) Close(ctx context.Context) error {
	if w.closed {
		return nil
	}
	w.closed = true
	return w.h.b.put(ctx, w.h.b.key(w.h.rel), "/"+w.h.rel, w.buf.Bytes())
}
