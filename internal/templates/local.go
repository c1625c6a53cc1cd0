package templates

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/shineum/ses-notify/internal/apperror"
)

const localComponent = "LocalTemplateProvider"

// LocalProvider reads templates from subdirectories of a root directory.
type LocalProvider struct {
	directory string
}

// NewLocalProvider creates a LocalProvider rooted at directory.
func NewLocalProvider(directory string) *LocalProvider {
	return &LocalProvider{directory: directory}
}

// Directory returns the configured root.
func (p *LocalProvider) Directory() string {
	return p.directory
}

// ListIDs returns the names of the immediate subdirectories of the root.
func (p *LocalProvider) ListIDs(_ context.Context) ([]string, error) {
	info, err := os.Stat(p.directory)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, apperror.New(apperror.KindNotFound, localComponent,
				"Templates directory does not exist: %s", p.directory)
		}
		return nil, apperror.Wrap(err, apperror.KindInvalidConfig, localComponent,
			"Directory error: %s", p.directory)
	}
	if !info.IsDir() {
		return nil, apperror.New(apperror.KindInvalidConfig, localComponent,
			"Templates path is not a directory: %s", p.directory)
	}

	entries, err := os.ReadDir(p.directory)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.KindInvalidConfig, localComponent,
			"Directory error: %s", p.directory)
	}

	var ids []string
	for _, entry := range entries {
		if entry.IsDir() {
			ids = append(ids, entry.Name())
		}
	}

	if len(ids) == 0 {
		return nil, apperror.New(apperror.KindEmpty, localComponent,
			"No template directories found in: %s", p.directory)
	}

	return ids, nil
}

// GetFiles reads <root>/<id>/handlebars.template.html and
// <root>/<id>/data.schema.json.
func (p *LocalProvider) GetFiles(_ context.Context, id string) (Files, error) {
	dir := filepath.Join(p.directory, id)

	body, err := readTemplateFile(filepath.Join(dir, BodyFile))
	if err != nil {
		return Files{}, err
	}
	schema, err := readTemplateFile(filepath.Join(dir, SchemaFile))
	if err != nil {
		return Files{}, err
	}

	return Files{Template: body, Schema: schema}, nil
}

func readTemplateFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", apperror.New(apperror.KindNotFound, localComponent, "File not found: %s", path)
		}
		return "", apperror.Wrap(err, apperror.KindInvalidData, localComponent, "File error: %s", path)
	}
	return string(data), nil
}

var _ Provider = (*LocalProvider)(nil)
