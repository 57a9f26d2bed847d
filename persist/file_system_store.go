package persist

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"southwinds.dev/heirloom/internal/debug"
	"time"
)

const (
	FilePermissions os.FileMode = 0600
	DirPermissions  os.FileMode = 0700
)

// FileSystemStore keeps each namespace in its own directory:
//
//	<base>/<namespace>/namespace.json    descriptor
//	<base>/<namespace>/registry.state    sealed registry snapshot
//	<base>/<namespace>/derivation.salt   at-rest salt (+ .meta)
//
// Writes go through a temp file and rename, so a crash never leaves a torn
// snapshot behind.
type FileSystemStore struct {
	basePath      string
	namespace     string
	namespacePath string
	descriptor    string
	statePath     string
	saltPath      string
}

// NamespaceDescriptor marks a directory as a heirloom namespace.
type NamespaceDescriptor struct {
	Version   string    `json:"version"`
	Namespace string    `json:"namespace"`
	CreatedAt time.Time `json:"created_at"`
	Structure string    `json:"structure_version"`
}

func NewFileSystemStore(basePath string, namespace string) (*FileSystemStore, error) {
	if namespace == "" {
		namespace = "default"
	}
	if err := validateNamespace(namespace); err != nil {
		return nil, fmt.Errorf("invalid namespace: %w", err)
	}

	nsPath := filepath.Join(basePath, namespace)
	fs := &FileSystemStore{
		basePath:      basePath,
		namespace:     namespace,
		namespacePath: nsPath,
		descriptor:    filepath.Join(nsPath, "namespace.json"),
		statePath:     filepath.Join(nsPath, stateObject),
		saltPath:      filepath.Join(nsPath, saltObject),
	}

	if err := os.MkdirAll(nsPath, DirPermissions); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", nsPath, err)
	}
	if err := fs.initializeDescriptor(); err != nil {
		return nil, fmt.Errorf("failed to initialize namespace descriptor: %w", err)
	}
	return fs, nil
}

func (fs *FileSystemStore) initializeDescriptor() error {
	exists, err := fileExists(fs.descriptor)
	if err != nil || exists {
		return err
	}

	data, err := json.MarshalIndent(NamespaceDescriptor{
		Version:   "1.0.0",
		Namespace: fs.namespace,
		CreatedAt: time.Now().UTC(),
		Structure: "v1",
	}, "", "  ")
	if err != nil {
		return err
	}
	return writeSecureFile(fs.descriptor, data, FilePermissions)
}

func (fs *FileSystemStore) ListNamespaces() ([]string, error) {
	entries, err := os.ReadDir(fs.basePath)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read base directory: %w", err)
	}

	var namespaces []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if ok, _ := fileExists(filepath.Join(fs.basePath, entry.Name(), "namespace.json")); ok {
			namespaces = append(namespaces, entry.Name())
		}
	}
	sort.Strings(namespaces)
	return namespaces, nil
}

func (fs *FileSystemStore) SaveState(sealedState []byte, expectedVersion string) (string, error) {
	if len(sealedState) == 0 {
		return "", fmt.Errorf("state cannot be empty")
	}
	if err := fs.checkVersion(fs.statePath, expectedVersion, "SaveState"); err != nil {
		return "", err
	}
	if err := writeSecureFile(fs.statePath, sealedState, FilePermissions); err != nil {
		return "", err
	}
	debug.Print("SaveState: wrote %d bytes to %s\n", len(sealedState), fs.statePath)
	return contentVersion(sealedState), nil
}

func (fs *FileSystemStore) LoadState() (*VersionedData, error) {
	return fs.load(fs.statePath, "state")
}

func (fs *FileSystemStore) StateExists() (bool, error) {
	return fileExists(fs.statePath)
}

func (fs *FileSystemStore) SaveSalt(saltData []byte, expectedVersion string) (string, error) {
	if len(saltData) == 0 {
		return "", fmt.Errorf("salt is required")
	}
	if err := fs.checkVersion(fs.saltPath, expectedVersion, "SaveSalt"); err != nil {
		return "", err
	}
	if err := writeSecureFile(fs.saltPath, saltData, FilePermissions); err != nil {
		return "", fmt.Errorf("failed to save salt: %w", err)
	}

	meta, err := json.Marshal(saltMetadata(fs.namespace))
	if err != nil {
		return "", fmt.Errorf("failed to marshal salt metadata: %w", err)
	}
	if err = writeSecureFile(fs.saltPath+".meta", meta, FilePermissions); err != nil {
		return "", fmt.Errorf("failed to save salt metadata: %w", err)
	}
	return contentVersion(saltData), nil
}

func (fs *FileSystemStore) LoadSalt() (*VersionedData, error) {
	data, err := fs.load(fs.saltPath, "salt")
	if err != nil {
		return nil, err
	}

	// prefer the recorded creation time over the file mtime
	if raw, err := os.ReadFile(fs.saltPath + ".meta"); err == nil {
		var meta map[string]string
		if json.Unmarshal(raw, &meta) == nil {
			if createdAt, err := time.Parse(time.RFC3339, meta["created-at"]); err == nil {
				data.Timestamp = createdAt
			}
		}
	}
	return data, nil
}

func (fs *FileSystemStore) SaltExists() (bool, error) {
	return fileExists(fs.saltPath)
}

func (fs *FileSystemStore) Ping() error {
	_, err := os.Stat(fs.namespacePath)
	return err
}

func (fs *FileSystemStore) Close() error {
	return nil
}

func (fs *FileSystemStore) GetType() string {
	return string(StoreTypeFileSystem)
}

func (fs *FileSystemStore) load(path, what string) (*VersionedData, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s %w", what, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to stat %s: %w", what, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", what, err)
	}

	return &VersionedData{
		Data:      data,
		Version:   contentVersion(data),
		Timestamp: info.ModTime(),
	}, nil
}

func (fs *FileSystemStore) checkVersion(path, expectedVersion, operation string) error {
	if expectedVersion == "" {
		return nil
	}

	current, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to check current version: %w", err)
	}
	currentVersion := ""
	if err == nil {
		currentVersion = contentVersion(current)
	}
	if currentVersion != expectedVersion {
		return ConcurrencyError{
			ExpectedVersion: expectedVersion,
			ActualVersion:   currentVersion,
			Operation:       operation,
		}
	}
	return nil
}

// writeSecureFile writes data atomically: temp file, fsync, chmod, rename.
func writeSecureFile(path string, data []byte, perm os.FileMode) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	cleanup := func(stage string, cause error) error {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to %s temp file: %w", stage, cause)
	}

	if _, err = tmpFile.Write(data); err != nil {
		return cleanup("write", err)
	}
	if err = tmpFile.Sync(); err != nil {
		return cleanup("sync", err)
	}
	if err = tmpFile.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err = os.Chmod(tmpPath, perm); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err = os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

func fileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}
