package cmd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"southwinds.dev/heirloom"
	"southwinds.dev/heirloom/audit"
	"southwinds.dev/heirloom/derive"
	"southwinds.dev/heirloom/persist"
)

const envPrefix = "HEIRLOOM"

var (
	cfgFile     string
	vault       *heirloom.Manager
	auditLogger audit.Logger
	logger      zerolog.Logger
	cliContext  *CLIContext
)

// CLIContext identifies one CLI invocation in logs.
type CLIContext struct {
	UserID    string
	SessionID string
	Source    string
	StartTime time.Time
}

var rootCmd = &cobra.Command{
	Use:   "heirloom",
	Short: "A testament vault that hands secrets to beneficiaries after owner inactivity",
	Long: `heirloom stores client-encrypted secrets and testaments that name
beneficiaries. When an owner stays inactive past a testament's threshold the
testament is released and its beneficiaries can recover the wrapped keys.`,
	SilenceUsage:       true,
	PersistentPreRunE:  initialize,
	PersistentPostRunE: shutdown,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, formatError(err))
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.heirloom.yaml)")
	rootCmd.PersistentFlags().StringP("namespace", "n", "", "vault namespace")
	rootCmd.PersistentFlags().StringP("store-path", "p", "", "path to filesystem state")
	rootCmd.PersistentFlags().String("passphrase", "", "at-rest passphrase (or use HEIRLOOM_VAULT_PASSPHRASE)")
	rootCmd.PersistentFlags().String("store-type", "", "storage backend type (filesystem, s3, mongo)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")

	bindFlagOrPanic("vault.namespace", "namespace")
	bindFlagOrPanic("vault.path", "store-path")
	bindFlagOrPanic("vault.passphrase", "passphrase")
	bindFlagOrPanic("vault.store_type", "store-type")
	bindFlagOrPanic("log.level", "log-level")

	rootCmd.PersistentFlags().Bool("audit", false, "enable audit logging")
	rootCmd.PersistentFlags().String("audit-type", "", "audit logger type (file, syslog, log)")
	rootCmd.PersistentFlags().String("audit-file", "", "audit log file path")

	bindFlagOrPanic("audit.enabled", "audit")
	bindFlagOrPanic("audit.type", "audit-type")
	bindFlagOrPanic("audit.options.file_path", "audit-file")

	rootCmd.PersistentFlags().String("s3-endpoint", "", "S3 endpoint URL")
	rootCmd.PersistentFlags().String("s3-bucket", "", "S3 bucket name")
	rootCmd.PersistentFlags().String("mongo-uri", "", "MongoDB connection URI")

	bindFlagOrPanic("vault.s3.endpoint", "s3-endpoint")
	bindFlagOrPanic("vault.s3.bucket", "s3-bucket")
	bindFlagOrPanic("vault.mongo.uri", "mongo-uri")
}

func bindFlagOrPanic(configKey, flagName string) {
	if err := viper.BindPFlag(configKey, rootCmd.PersistentFlags().Lookup(flagName)); err != nil {
		panic(fmt.Sprintf("failed to bind %s flag: %v", flagName, err))
	}
}

func initConfig() {
	setDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/heirloom")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".heirloom")
	}

	viper.SetEnvPrefix(envPrefix)
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "Error reading config file: %v\n", err)
		}
	}
}

func setDefaults() {
	viper.SetDefault("vault.namespace", "default")
	viper.SetDefault("vault.path", ".heirloom")
	viper.SetDefault("vault.store_type", string(persist.StoreTypeFileSystem))
	viper.SetDefault("vault.default_threshold_days", 180)
	viper.SetDefault("vault.memory_lock", false)

	viper.SetDefault("vault.s3.region", "us-east-1")
	viper.SetDefault("vault.s3.prefix", "heirloom/")
	viper.SetDefault("vault.s3.use_ssl", true)

	viper.SetDefault("vault.mongo.database", "heirloom")
	viper.SetDefault("vault.mongo.collection", "state")

	viper.SetDefault("auth.issuer", "heirloom")
	viper.SetDefault("auth.token_ttl", "1h")

	viper.SetDefault("server.address", ":8443")
	viper.SetDefault("server.rate_limit", 5.0)
	viper.SetDefault("server.rate_burst", 10)

	viper.SetDefault("scheduler.interval", "1h")

	viper.SetDefault("audit.enabled", false)
	viper.SetDefault("audit.type", string(audit.FileAuditType))
	viper.SetDefault("audit.options.file_path", "")
	viper.SetDefault("audit.options.tail_size", 1000)

	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "console")
}

// needsVault reports whether cmd works on an open vault.
func needsVault(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		switch c.Name() {
		case "help", "completion", "__complete", "config", "token":
			return false
		}
	}
	return true
}

func initialize(cmd *cobra.Command, _ []string) error {
	logger = newLogger()
	cliContext = &CLIContext{
		UserID:    getCurrentUser(),
		SessionID: generateSessionID(),
		Source:    getHostname(),
		StartTime: time.Now(),
	}
	logCommand(cmd)
	if !needsVault(cmd) {
		return nil
	}

	var err error
	auditLogger, err = createAuditLogger()
	if err != nil {
		return fmt.Errorf("failed to create audit logger: %w", err)
	}

	vault, err = openVault(auditLogger)
	if err != nil {
		return fmt.Errorf("failed to open vault: %w", err)
	}
	return nil
}

func shutdown(*cobra.Command, []string) error {
	var err error
	if vault != nil {
		err = vault.Close()
	}
	if auditLogger != nil {
		if closeErr := auditLogger.Close(); err == nil {
			err = closeErr
		}
	}
	return err
}

func newLogger() zerolog.Logger {
	level, err := zerolog.ParseLevel(viper.GetString("log.level"))
	if err != nil {
		level = zerolog.InfoLevel
	}
	var l zerolog.Logger
	if viper.GetString("log.format") == "json" {
		l = zerolog.New(os.Stderr)
	} else {
		l = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	return l.Level(level).With().Timestamp().Logger()
}

func openVault(auditLogger audit.Logger) (*heirloom.Manager, error) {
	namespace := viper.GetString("vault.namespace")

	seed, err := derive.ParseSeed(viper.GetString("derive.seed"))
	if err != nil {
		return nil, fmt.Errorf("derive.seed: %w", err)
	}

	store, err := createStore(namespace)
	if err != nil {
		return nil, err
	}

	options := heirloom.Options{
		AtRestPassphrase:           viper.GetString("vault.passphrase"),
		EnvPassphraseVar:           envPrefix + "_VAULT_PASSPHRASE",
		Namespace:                  namespace,
		DefaultInactivityThreshold: time.Duration(viper.GetInt("vault.default_threshold_days")) * 24 * time.Hour,
		EnableMemoryLock:           viper.GetBool("vault.memory_lock"),
		Logger:                     logger,
	}
	return heirloom.NewManager(options, derive.Factory(seed), store, auditLogger)
}

func createAuditLogger() (audit.Logger, error) {
	filePath := viper.GetString("audit.options.file_path")
	if filePath == "" {
		filePath = viper.GetString("vault.path") + "/audit/audit.log"
	}
	return audit.NewLogger(&audit.Config{
		Enabled:   viper.GetBool("audit.enabled"),
		Namespace: viper.GetString("vault.namespace"),
		Type:      audit.ConfigType(viper.GetString("audit.type")),
		Options: map[string]interface{}{
			"file_path": filePath,
			"tail_size": viper.GetInt("audit.options.tail_size"),
		},
		LogLevel: viper.GetString("log.level"),
	})
}

func createStore(namespace string) (persist.Store, error) {
	storeType := persist.StoreType(strings.ToLower(viper.GetString("vault.store_type")))
	config := persist.StoreConfig{Type: storeType}

	switch storeType {
	case persist.StoreTypeFileSystem:
		path := viper.GetString("vault.path")
		if err := os.MkdirAll(path, 0700); err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
		config.Config = map[string]interface{}{"base_path": path}

	case persist.StoreTypeS3:
		if err := validateS3Config(); err != nil {
			return nil, fmt.Errorf("invalid S3 configuration: %w", err)
		}
		config.Config = map[string]interface{}{
			"endpoint":          viper.GetString("vault.s3.endpoint"),
			"access_key_id":     viper.GetString("vault.s3.access_key_id"),
			"secret_access_key": viper.GetString("vault.s3.secret_access_key"),
			"bucket":            viper.GetString("vault.s3.bucket"),
			"prefix":            viper.GetString("vault.s3.prefix"),
			"use_ssl":           viper.GetBool("vault.s3.use_ssl"),
			"region":            viper.GetString("vault.s3.region"),
		}

	case persist.StoreTypeMongo:
		config.Config = map[string]interface{}{
			"uri":        viper.GetString("vault.mongo.uri"),
			"database":   viper.GetString("vault.mongo.database"),
			"collection": viper.GetString("vault.mongo.collection"),
		}

	default:
		return nil, fmt.Errorf("unsupported store type: %s. Supported types: filesystem, s3, mongo", storeType)
	}
	return persist.NewStore(config, namespace)
}

func validateS3Config() error {
	var missing []string
	if viper.GetString("vault.s3.bucket") == "" {
		missing = append(missing, "vault.s3.bucket")
	}
	if viper.GetString("vault.s3.region") == "" {
		missing = append(missing, "vault.s3.region")
	}

	hasAccessKey := viper.GetString("vault.s3.access_key_id") != ""
	hasSecretKey := viper.GetString("vault.s3.secret_access_key") != ""
	if hasAccessKey && !hasSecretKey {
		missing = append(missing, "vault.s3.secret_access_key")
	}
	if !hasAccessKey && hasSecretKey {
		missing = append(missing, "vault.s3.access_key_id")
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}
