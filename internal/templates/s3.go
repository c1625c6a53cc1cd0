package templates

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/compress/gzip"
	"golang.org/x/sync/errgroup"

	"github.com/shineum/ses-notify/internal/apperror"
)

const s3Component = "S3TemplateProvider"

// s3Delimiter groups keys into directory-like common prefixes.
const s3Delimiter = "/"

// S3API is the subset of the S3 client used by S3Provider.
type S3API interface {
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3ProviderConfig holds the bucket location of the template catalog.
type S3ProviderConfig struct {
	Bucket string
	// Prefix is prepended verbatim to every key, e.g. "templates/".
	Prefix string
}

// S3Provider reads templates from <prefix><id>/ keys of an S3 bucket.
type S3Provider struct {
	client S3API
	bucket string
	prefix string
}

// NewS3Provider creates an S3Provider using the given client.
func NewS3Provider(client S3API, cfg S3ProviderConfig) *S3Provider {
	return &S3Provider{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}
}

// ListIDs lists the common prefixes directly under the configured prefix
// and strips the prefix and trailing delimiter from each.
func (p *S3Provider) ListIDs(ctx context.Context) ([]string, error) {
	var (
		ids   []string
		token *string
	)

	for {
		out, err := p.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(p.bucket),
			Prefix:            aws.String(p.prefix),
			Delimiter:         aws.String(s3Delimiter),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, apperror.Wrap(err, apperror.KindUpstream, s3Component,
				"Failed to list templates from S3")
		}

		for _, cp := range out.CommonPrefixes {
			id := strings.TrimPrefix(aws.ToString(cp.Prefix), p.prefix)
			id = strings.TrimSuffix(id, s3Delimiter)
			if id != "" {
				ids = append(ids, id)
			}
		}

		if !aws.ToBool(out.IsTruncated) || out.NextContinuationToken == nil {
			break
		}
		token = out.NextContinuationToken
	}

	if len(ids) == 0 {
		return nil, apperror.New(apperror.KindUpstream, s3Component,
			"Failed to list templates from S3: No template directories found in bucket: %s, prefix: %s",
			p.bucket, p.prefix)
	}

	return ids, nil
}

// GetFiles fetches the body and schema objects of id concurrently.
func (p *S3Provider) GetFiles(ctx context.Context, id string) (Files, error) {
	var files Files

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		body, err := p.getObject(gCtx, p.key(id, BodyFile))
		files.Template = body
		return err
	})
	g.Go(func() error {
		schema, err := p.getObject(gCtx, p.key(id, SchemaFile))
		files.Schema = schema
		return err
	})

	if err := g.Wait(); err != nil {
		return Files{}, apperror.Wrap(err, apperror.KindUpstream, s3Component,
			"Failed to get files for template %s from S3", id)
	}

	return files, nil
}

func (p *S3Provider) key(id, file string) string {
	return p.prefix + id + s3Delimiter + file
}

// getObject downloads key and decodes it to text. Objects stored with
// Content-Encoding: gzip are decompressed.
func (p *S3Provider) getObject(ctx context.Context, key string) (string, error) {
	out, err := p.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", fmt.Errorf("failed to get object %s: %w", key, err)
	}
	if out.Body == nil {
		return "", fmt.Errorf("object %s has no body", key)
	}
	defer out.Body.Close()

	var r io.Reader = out.Body
	if strings.EqualFold(aws.ToString(out.ContentEncoding), "gzip") {
		gz, err := gzip.NewReader(out.Body)
		if err != nil {
			return "", fmt.Errorf("failed to decompress object %s: %w", key, err)
		}
		defer gz.Close()
		r = gz
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("failed to read object %s: %w", key, err)
	}
	return string(data), nil
}

var _ Provider = (*S3Provider)(nil)
