package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/tambula/esp-listener/internal/config"
)

// FileSource consumes trigger files from a directory
type FileSource struct {
	dir     string
	single  string
	pattern string
}

// NewFileSource creates a file trigger source
func NewFileSource(cfg config.TriggerConfig) *FileSource {
	dir := cfg.Dir
	if dir == "" {
		dir = os.TempDir()
	}
	return &FileSource{dir: dir, single: cfg.SingleFile, pattern: cfg.MultiPattern}
}

// Files lists pending trigger files, the single-device file first
func (s *FileSource) Files() []string {
	var files []string
	if s.single != "" {
		path := filepath.Join(s.dir, s.single)
		if _, err := os.Stat(path); err == nil {
			files = append(files, path)
		}
	}
	if s.pattern != "" {
		matches, err := filepath.Glob(filepath.Join(s.dir, s.pattern))
		if err != nil {
			log.Error().Err(err).Str("pattern", s.pattern).Msg("Bad trigger pattern")
		}
		sort.Strings(matches)
		files = append(files, matches...)
	}
	return files
}

// Poll reads and removes every pending trigger file. A file is removed
// before it is parsed, so each one is consumed at most once even when it
// is malformed.
func (s *FileSource) Poll(ctx context.Context) []Request {
	var out []Request
	for _, path := range s.Files() {
		if ctx.Err() != nil {
			break
		}

		data, err := os.ReadFile(path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				log.Error().Err(err).Str("file", path).Msg("Error reading OTA command file")
			}
			continue
		}

		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Error().Err(err).Str("file", path).Msg("Error removing OTA command file, skipping it")
			continue
		}

		req, err := Parse(data)
		if err != nil {
			log.Error().Err(err).Str("file", path).Msg("Error processing OTA command file")
			continue
		}
		req.Origin = path
		out = append(out, req)
	}
	return out
}

// FileName returns the trigger file name for deviceID. The single-device
// name is used when single is true.
func FileName(cfg config.TriggerConfig, deviceID int, single bool) string {
	if single {
		return cfg.SingleFile
	}
	return strings.Replace(cfg.MultiPattern, "*", strconv.Itoa(deviceID), 1)
}

// WriteRequest writes req under dir/name. The file is written to a
// temporary name first and renamed into place, so a polling listener never
// sees partial content.
func WriteRequest(dir, name string, req Request) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal trigger: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".ota-trigger-*")
	if err != nil {
		return "", fmt.Errorf("create trigger file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write trigger file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close trigger file: %w", err)
	}

	path := filepath.Join(dir, name)
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("rename trigger file: %w", err)
	}
	return path, nil
}
