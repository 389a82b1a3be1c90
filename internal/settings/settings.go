// Package settings holds the media library connection settings that can be
// changed while the service runs.
package settings

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/book-expert/logger"
	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml/v2"
)

const (
	// DefaultServerURL is used when neither the settings file nor the
	// environment name a server.
	DefaultServerURL = "http://localhost:13378"

	filePermissions = 0o600
	dirPermissions  = 0o750
)

// ErrIncomplete is returned when the server URL or the auth token is missing.
var ErrIncomplete = errors.New("library settings are incomplete")

// Settings is the library connection record. It is replaced as a whole.
type Settings struct {
	ServerURL string `toml:"audiobookshelf_url"   json:"AUDIOBOOKSHELF_URL"   envconfig:"AUDIOBOOKSHELF_URL"   default:"http://localhost:13378"`
	AuthToken string `toml:"audiobookshelf_token" json:"AUDIOBOOKSHELF_TOKEN" envconfig:"AUDIOBOOKSHELF_TOKEN"`
}

// Validate reports ErrIncomplete when a field is blank.
func (s Settings) Validate() error {
	var missing []string

	if strings.TrimSpace(s.ServerURL) == "" {
		missing = append(missing, "server URL")
	}

	if strings.TrimSpace(s.AuthToken) == "" {
		missing = append(missing, "auth token")
	}

	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrIncomplete, strings.Join(missing, " and "))
	}

	return nil
}

// FromEnv reads the settings from AUDIOBOOKSHELF_URL and AUDIOBOOKSHELF_TOKEN.
func FromEnv() (Settings, error) {
	var settings Settings

	err := envconfig.Process("", &settings)
	if err != nil {
		return Settings{}, fmt.Errorf("failed to read settings from environment: %w", err)
	}

	return settings, nil
}

// Store keeps the current settings in memory and persists every replacement
// to a TOML file. Readers always observe a complete record.
type Store struct {
	log     *logger.Logger
	path    string
	current atomic.Pointer[Settings]
	writeMu sync.Mutex
}

// Open loads the settings file at path. When the file does not exist the
// settings start from the environment.
func Open(path string, log *logger.Logger) (*Store, error) {
	store := &Store{log: log, path: path}

	settings, err := readFile(path)

	switch {
	case err == nil:
		log.Info("Loaded library settings from %s", path)
	case errors.Is(err, os.ErrNotExist):
		settings, err = FromEnv()
		if err != nil {
			return nil, err
		}

		log.Info("No settings file at %s, using environment defaults", path)
	default:
		return nil, err
	}

	store.current.Store(&settings)

	return store, nil
}

// Current returns a snapshot of the settings.
func (s *Store) Current() Settings {
	return *s.current.Load()
}

// Replace writes next to disk and then makes it current. Blank fields are
// stored as given; callers check them with Validate. The in-memory record is
// left untouched when the write fails.
func (s *Store) Replace(next Settings) error {
	next.ServerURL = strings.TrimSpace(next.ServerURL)
	next.AuthToken = strings.TrimSpace(next.AuthToken)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err := writeFile(s.path, next)
	if err != nil {
		return err
	}

	s.current.Store(&next)
	s.log.Info("Library settings updated (server: %s)", next.ServerURL)

	return nil
}

func readFile(path string) (Settings, error) {
	var settings Settings

	data, err := os.ReadFile(path)
	if err != nil {
		return settings, fmt.Errorf("failed to read settings file %s: %w", path, err)
	}

	err = toml.Unmarshal(data, &settings)
	if err != nil {
		return settings, fmt.Errorf("failed to parse settings file %s: %w", path, err)
	}

	return settings, nil
}

// writeFile replaces the file at path atomically.
func writeFile(path string, settings Settings) error {
	data, err := toml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}

	dir := filepath.Dir(path)

	err = os.MkdirAll(dir, dirPermissions)
	if err != nil {
		return fmt.Errorf("failed to create settings directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary settings file: %w", err)
	}

	tmpName := tmp.Name()

	_, writeErr := tmp.Write(data)
	closeErr := tmp.Close()

	err = errors.Join(writeErr, closeErr)
	if err == nil {
		err = os.Chmod(tmpName, filePermissions)
	}

	if err == nil {
		err = os.Rename(tmpName, path)
	}

	if err != nil {
		_ = os.Remove(tmpName)

		return fmt.Errorf("failed to save settings to %s: %w", path, err)
	}

	return nil
}
