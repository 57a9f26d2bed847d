package persist

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	stateObject = "registry.state"
	saltObject  = "derivation.salt"
)

// NewStore builds the backend described by config for one namespace.
func NewStore(config StoreConfig, namespace string) (Store, error) {
	switch config.Type {
	case StoreTypeFileSystem:
		basePath, ok := config.Config["base_path"].(string)
		if !ok {
			return nil, fmt.Errorf("filesystem storage requires 'base_path' in config")
		}
		return NewFileSystemStore(basePath, namespace)

	case StoreTypeS3:
		return NewS3StoreFromConfig(config, namespace)

	case StoreTypeMongo:
		return NewMongoStoreFromConfig(config, namespace)

	default:
		return nil, fmt.Errorf("unsupported store type: %s", config.Type)
	}
}

// validateNamespace rejects namespaces that could escape their directory or
// object prefix.
func validateNamespace(namespace string) error {
	if namespace == "" {
		return fmt.Errorf("namespace cannot be empty")
	}

	if strings.Contains(namespace, "..") ||
		strings.ContainsAny(namespace, "/\\ \x00") {
		return fmt.Errorf("namespace contains invalid characters")
	}

	if len(namespace) > 100 {
		return fmt.Errorf("namespace too long (max 100 characters)")
	}

	return nil
}

// contentVersion is the version of a blob for backends without native
// object versions.
func contentVersion(data []byte) string {
	hash := md5.Sum(data)
	return hex.EncodeToString(hash[:])
}

func saltMetadata(namespace string) map[string]string {
	return map[string]string{
		"data-type":  "salt",
		"namespace":  namespace,
		"created-at": time.Now().UTC().Format(time.RFC3339),
	}
}

// decodeConfig maps a loosely typed config section onto a typed struct.
func decodeConfig(config map[string]interface{}, target interface{}) error {
	raw, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err = json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return nil
}
