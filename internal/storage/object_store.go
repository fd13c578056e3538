package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

var ErrObjectStoreDisabled = errors.New("object store disabled")
var ErrInvalidObjectKey = errors.New("invalid object key")

var runCommand = func(ctx context.Context, name string, args []string, stdin []byte) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	return cmd.CombinedOutput()
}

// ObjectStore parks large script implementation sources in S3-compatible
// storage via the aws CLI. The reference store keeps only a source_ref
// for blobs stored here.
type ObjectStore struct {
	Endpoint string
	Bucket   string
}

func (o ObjectStore) Enabled() bool {
	return strings.TrimSpace(o.Bucket) != ""
}

// PutScriptSource uploads an implementation blob and returns its URI.
func (o ObjectStore) PutScriptSource(ctx context.Context, scriptID, version, impl string, data []byte) (string, error) {
	key := fmt.Sprintf("scripts/%s/%s/%s", scriptID, version, impl)
	uri, err := o.objectURI(key)
	if err != nil {
		return "", err
	}
	args := []string{"s3", "cp", "--only-show-errors"}
	if o.Endpoint != "" {
		args = append(args, "--endpoint-url", o.Endpoint)
	}
	args = append(args, "-", uri)
	out, err := runCommand(ctx, "aws", args, stdinData(data))
	if err != nil {
		return "", fmt.Errorf("aws s3 cp failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return uri, nil
}

// FetchScriptSource downloads an implementation blob by its stored URI.
func (o ObjectStore) FetchScriptSource(ctx context.Context, ref string) ([]byte, error) {
	uri, err := o.objectURI(ref)
	if err != nil {
		return nil, err
	}
	args := []string{"s3", "cp", "--only-show-errors"}
	if o.Endpoint != "" {
		args = append(args, "--endpoint-url", o.Endpoint)
	}
	args = append(args, uri, "-")
	out, err := runCommand(ctx, "aws", args, nil)
	if err != nil {
		return nil, fmt.Errorf("aws s3 cp failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return out, nil
}

// Presign returns a time-limited download link for a stored blob.
func (o ObjectStore) Presign(ctx context.Context, key string, ttl time.Duration) (string, error) {
	uri, err := o.objectURI(key)
	if err != nil {
		return "", err
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	args := []string{"s3", "presign"}
	if o.Endpoint != "" {
		args = append(args, "--endpoint-url", o.Endpoint)
	}
	args = append(args, uri, "--expires-in", strconv.Itoa(int(ttl.Seconds())))
	out, err := runCommand(ctx, "aws", args, nil)
	if err != nil {
		return "", fmt.Errorf("aws s3 presign failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}

func stdinData(data []byte) []byte {
	if data == nil {
		return []byte{}
	}
	return data
}

func (o ObjectStore) objectURI(key string) (string, error) {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return "", ErrInvalidObjectKey
	}
	if strings.HasPrefix(trimmed, "s3://") {
		return trimmed, nil
	}
	if !o.Enabled() {
		return "", ErrObjectStoreDisabled
	}
	trimmed = strings.TrimPrefix(trimmed, "/")
	if trimmed == "" {
		return "", ErrInvalidObjectKey
	}
	return fmt.Sprintf("s3://%s/%s", o.Bucket, trimmed), nil
}
