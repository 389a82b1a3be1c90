package settings_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/book-expert/logger"
	"github.com/book-expert/textlistens/internal/settings"
	"github.com/pelletier/go-toml/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()

	log, err := logger.New(t.TempDir(), "test.log")
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	return log
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		settings settings.Settings
		wantErr  bool
	}{
		{name: "complete", settings: settings.Settings{ServerURL: "http://abs", AuthToken: "t"}},
		{name: "missing token", settings: settings.Settings{ServerURL: "http://abs"}, wantErr: true},
		{name: "missing url", settings: settings.Settings{AuthToken: "t"}, wantErr: true},
		{name: "blank values", settings: settings.Settings{ServerURL: "  ", AuthToken: "\t"}, wantErr: true},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			err := testCase.settings.Validate()
			if testCase.wantErr {
				require.ErrorIs(t, err, settings.ErrIncomplete)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestOpen_FallsBackToEnvironment(t *testing.T) {
	t.Setenv("AUDIOBOOKSHELF_URL", "http://env-shelf:13378")
	t.Setenv("AUDIOBOOKSHELF_TOKEN", "env-token")

	store, err := settings.Open(filepath.Join(t.TempDir(), "settings.toml"), newTestLogger(t))
	require.NoError(t, err)

	assert.Equal(t, settings.Settings{ServerURL: "http://env-shelf:13378", AuthToken: "env-token"}, store.Current())
}

func TestOpen_EnvironmentDefaults(t *testing.T) {
	t.Setenv("AUDIOBOOKSHELF_URL", "")
	os.Unsetenv("AUDIOBOOKSHELF_URL")
	t.Setenv("AUDIOBOOKSHELF_TOKEN", "")
	os.Unsetenv("AUDIOBOOKSHELF_TOKEN")

	store, err := settings.Open(filepath.Join(t.TempDir(), "settings.toml"), newTestLogger(t))
	require.NoError(t, err)

	current := store.Current()
	assert.Equal(t, settings.DefaultServerURL, current.ServerURL)
	assert.Empty(t, current.AuthToken)
	require.ErrorIs(t, current.Validate(), settings.ErrIncomplete)
}

func TestOpen_ReadsExistingFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "settings.toml")
	content := "audiobookshelf_url = \"http://file-shelf\"\naudiobookshelf_token = \"file-token\"\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	store, err := settings.Open(path, newTestLogger(t))
	require.NoError(t, err)
	assert.Equal(t, settings.Settings{ServerURL: "http://file-shelf", AuthToken: "file-token"}, store.Current())
}

func TestOpen_RejectsMalformedFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "settings.toml")
	require.NoError(t, os.WriteFile(path, []byte("audiobookshelf_url = [unterminated"), 0o600))

	_, err := settings.Open(path, newTestLogger(t))
	require.Error(t, err)
}

func TestReplace_PersistsAndSwaps(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "settings.toml")
	store, err := settings.Open(path, newTestLogger(t))
	require.NoError(t, err)

	next := settings.Settings{ServerURL: " http://new-shelf ", AuthToken: "new-token"}
	require.NoError(t, store.Replace(next))
	assert.Equal(t, settings.Settings{ServerURL: "http://new-shelf", AuthToken: "new-token"}, store.Current())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var onDisk settings.Settings
	require.NoError(t, toml.Unmarshal(data, &onDisk))
	assert.Equal(t, store.Current(), onDisk)

	reopened, err := settings.Open(path, newTestLogger(t))
	require.NoError(t, err)
	assert.Equal(t, store.Current(), reopened.Current())

	leftovers, err := filepath.Glob(filepath.Join(filepath.Dir(path), "*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestReplace_StoresBlankFields(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "settings.toml")
	store, err := settings.Open(path, newTestLogger(t))
	require.NoError(t, err)

	require.NoError(t, store.Replace(settings.Settings{ServerURL: "http://b", AuthToken: "  "}))

	current := store.Current()
	assert.Equal(t, settings.Settings{ServerURL: "http://b"}, current)
	require.ErrorIs(t, current.Validate(), settings.ErrIncomplete)

	reopened, err := settings.Open(path, newTestLogger(t))
	require.NoError(t, err)
	assert.Equal(t, current, reopened.Current())
}

func TestReplace_WriteFailureKeepsState(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "config")
	store, err := settings.Open(filepath.Join(dir, "settings.toml"), newTestLogger(t))
	require.NoError(t, err)
	require.NoError(t, store.Replace(settings.Settings{ServerURL: "http://a", AuthToken: "a"}))

	require.NoError(t, os.RemoveAll(dir))
	require.NoError(t, os.WriteFile(dir, []byte("not a directory"), 0o600))

	err = store.Replace(settings.Settings{ServerURL: "http://b", AuthToken: "b"})
	require.Error(t, err)
	assert.Equal(t, settings.Settings{ServerURL: "http://a", AuthToken: "a"}, store.Current())
}

func TestReplace_ConcurrentReadersSeeWholeRecords(t *testing.T) {
	t.Parallel()

	store, err := settings.Open(filepath.Join(t.TempDir(), "settings.toml"), newTestLogger(t))
	require.NoError(t, err)
	require.NoError(t, store.Replace(settings.Settings{ServerURL: "http://a", AuthToken: "a"}))

	var waitGroup sync.WaitGroup

	for i := range 4 {
		waitGroup.Add(1)

		go func() {
			defer waitGroup.Done()

			for range 20 {
				if i%2 == 0 {
					_ = store.Replace(settings.Settings{ServerURL: "http://b", AuthToken: "b"})
				} else {
					_ = store.Replace(settings.Settings{ServerURL: "http://a", AuthToken: "a"})
				}

				current := store.Current()
				assert.Equal(t, current.ServerURL, "http://"+current.AuthToken)
			}
		}()
	}

	waitGroup.Wait()
}
