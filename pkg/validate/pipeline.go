// Package validate runs the structural checks on uploaded module artifacts.
// Every check writes exactly one validation-log row; the pipeline stops at
// the first failure.
package validate

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/operato/runner/pkg/domain/errors"
	"github.com/operato/runner/pkg/domain/module"
	"github.com/operato/runner/pkg/store"
)

const (
	StatusSuccess = "success"
	StatusFail    = "fail"
)

const handlerToken = "def handler("

var requiredFiles = []string{"handler.py", "requirements.txt"}
var readmeNames = []string{"readme", "readme.md"}

// Pipeline validates an uploaded artifact directory and records the outcome
// of each check.
type Pipeline struct {
	repo   store.Repository
	logger zerolog.Logger
}

func NewPipeline(repo store.Repository, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		repo:   repo,
		logger: logger.With().Str("component", "validate").Logger(),
	}
}

// Run expects uploadDir to contain exactly one uploaded archive. It extracts
// the archive into a scratch directory, verifies the required layout, and
// returns the extracted tree. The caller owns the returned directory.
func (p *Pipeline) Run(ctx context.Context, uploadDir string) (string, error) {
	archivePath, err := singleUpload(uploadDir)
	if err != nil {
		p.record(ctx, filepath.Base(uploadDir), StatusFail, err.Error())
		return "", errors.New(errors.CodeValidationFailed, "validate", err.Error(), nil)
	}
	name := filepath.Base(archivePath)

	extracted, err := os.MkdirTemp("", "operato-extract-*")
	if err != nil {
		return "", errors.New(errors.CodeIoError, "validate", "failed to create extraction dir", err)
	}

	if err := extractZip(archivePath, extracted); err != nil {
		os.RemoveAll(extracted)
		p.record(ctx, name, StatusFail, "not a valid archive")
		return "", errors.New(errors.CodeValidationFailed, "validate", "not a valid archive", err)
	}
	p.record(ctx, name, StatusSuccess, "archive extracted")

	files, err := listFilesLower(extracted)
	if err != nil {
		os.RemoveAll(extracted)
		return "", errors.New(errors.CodeIoError, "validate", "failed to list extracted files", err)
	}

	if msg, ok := checkRequired(files); !ok {
		os.RemoveAll(extracted)
		p.record(ctx, name, StatusFail, msg)
		return "", errors.New(errors.CodeValidationFailed, "validate", msg, nil)
	}
	p.record(ctx, name, StatusSuccess, "required files present")

	handlerPath, ok := files["handler.py"]
	if !ok {
		// unreachable after checkRequired, kept for safety
		os.RemoveAll(extracted)
		return "", errors.New(errors.CodeValidationFailed, "validate", "missing handler.py", nil)
	}
	body, err := os.ReadFile(handlerPath)
	if err != nil {
		os.RemoveAll(extracted)
		return "", errors.New(errors.CodeIoError, "validate", "failed to read handler.py", err)
	}
	if !strings.Contains(string(body), handlerToken) {
		os.RemoveAll(extracted)
		msg := fmt.Sprintf("handler.py does not define %q", "handler")
		p.record(ctx, name, StatusFail, msg)
		return "", errors.New(errors.CodeValidationFailed, "validate", msg, nil)
	}
	p.record(ctx, name, StatusSuccess, "handler entry point found")

	return extracted, nil
}

func (p *Pipeline) record(ctx context.Context, filename, status, message string) {
	rec := module.ValidationLog{Filename: filename, Status: status, Message: message}
	if err := p.repo.AppendValidationLog(ctx, rec); err != nil {
		p.logger.Error().Err(err).Str("file", filename).Msg("failed to append validation log")
	}
	if status == StatusFail {
		p.logger.Warn().Str("file", filename).Str("message", message).Msg("artifact validation failed")
	}
}

// singleUpload returns the path of the sole file in dir.
func singleUpload(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("failed to read upload dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	if len(files) != 1 {
		return "", fmt.Errorf("expected exactly one uploaded archive, found %d files", len(files))
	}
	return files[0], nil
}

// listFilesLower maps lower-cased base names to full paths, recursively.
func listFilesLower(root string) (map[string]string, error) {
	files := make(map[string]string)
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			files[strings.ToLower(info.Name())] = path
		}
		return nil
	})
	return files, err
}

func checkRequired(files map[string]string) (string, bool) {
	for _, want := range requiredFiles {
		if _, ok := files[want]; !ok {
			return fmt.Sprintf("missing required file %s", want), false
		}
	}
	for _, readme := range readmeNames {
		if _, ok := files[readme]; ok {
			return "", true
		}
	}
	return "missing README", false
}

// extractZip unpacks archive into dest, refusing entries that escape it.
func extractZip(archive, dest string) error {
	r, err := zip.OpenReader(archive)
	if err != nil {
		return err
	}
	defer r.Close()

	for _, f := range r.File {
		target := filepath.Join(dest, f.Name)
		if !strings.HasPrefix(target, filepath.Clean(dest)+string(os.PathSeparator)) {
			return fmt.Errorf("archive entry %q escapes extraction root", f.Name)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		in, err := f.Open()
		if err != nil {
			return err
		}
		out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode().Perm())
		if err != nil {
			in.Close()
			return err
		}
		if _, err := io.Copy(out, in); err != nil {
			in.Close()
			out.Close()
			return err
		}
		in.Close()
		if err := out.Close(); err != nil {
			return err
		}
	}
	return nil
}
