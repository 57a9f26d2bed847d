package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"southwinds.dev/heirloom"
	"southwinds.dev/heirloom/audit"
	"southwinds.dev/heirloom/derive"
	"southwinds.dev/heirloom/internal/server"
	"southwinds.dev/heirloom/persist"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage heirloom configuration",
	Long:  `View, create and validate the heirloom configuration file.`,
}

var configViewCmd = &cobra.Command{
	Use:   "view",
	Short: "View current configuration",
	Long:  `Display the effective configuration from all sources (config file, environment variables, flags). Secrets are redacted.`,
	RunE:  runConfigView,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a new configuration file",
	Long: `Create a new configuration file. A fresh derivation seed and token
signing key are generated unless --template minimal is used.`,
	RunE: runConfigInit,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration",
	Long:  `Validate the current configuration for correctness and completeness.`,
	RunE:  runConfigValidate,
}

var (
	configForce    bool
	configTemplate string
	configFormat   string
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configViewCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configValidateCmd)

	configViewCmd.Flags().StringVarP(&configFormat, "format", "f", "yaml", "output format (yaml, json, table)")
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "overwrite existing config file")
	configInitCmd.Flags().StringVar(&configTemplate, "template", "default", "configuration template (default, minimal)")
}

func runConfigView(*cobra.Command, []string) error {
	settings := redact(viper.AllSettings(), "")

	switch configFormat {
	case "json":
		data, err := json.MarshalIndent(settings, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
	case "yaml":
		data, err := yaml.Marshal(settings)
		if err != nil {
			return err
		}
		fmt.Print(string(data))
	case "table":
		flat := map[string]interface{}{}
		flatten(settings, "", flat)
		keys := make([]string, 0, len(flat))
		for k := range flat {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "KEY\tVALUE")
		for _, k := range keys {
			fmt.Fprintf(w, "%s\t%v\n", k, flat[k])
		}
		return w.Flush()
	default:
		return fmt.Errorf("unsupported format: %s", configFormat)
	}
	return nil
}

func runConfigInit(*cobra.Command, []string) error {
	configFile := getConfigFilePath()

	if _, err := os.Stat(configFile); err == nil && !configForce {
		return fmt.Errorf("configuration file already exists: %s (use --force to overwrite)", configFile)
	}

	config, err := getConfigTemplate(configTemplate)
	if err != nil {
		return err
	}
	if err = ensureConfigDir(configFile); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err = os.WriteFile(configFile, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Printf("Configuration file created: %s\n", configFile)
	fmt.Printf("Template used: %s\n", configTemplate)
	return nil
}

func runConfigValidate(*cobra.Command, []string) error {
	problems := validateConfiguration()
	if len(problems) == 0 {
		fmt.Println(okMark() + " Configuration is valid")
		return nil
	}

	fmt.Println(failMark() + " Configuration validation failed:")
	for _, p := range problems {
		fmt.Printf("  - %s\n", p)
	}
	return fmt.Errorf("configuration validation failed with %d errors", len(problems))
}

func getConfigTemplate(template string) (map[string]interface{}, error) {
	config := map[string]interface{}{
		"vault": map[string]interface{}{
			"namespace":              "default",
			"store_type":             string(persist.StoreTypeFileSystem),
			"path":                   ".heirloom",
			"default_threshold_days": 180,
		},
	}
	if template == "minimal" {
		return config, nil
	}
	if template != "default" {
		return nil, fmt.Errorf("unknown template: %s", template)
	}

	priv, pub, err := server.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}
	config["derive"] = map[string]interface{}{"seed": derive.NewSeed()}
	config["auth"] = map[string]interface{}{
		"issuer":      "heirloom",
		"signing_key": server.EncodeKey(priv),
		"verify_key":  server.EncodeKey(pub),
		"token_ttl":   "1h",
	}
	config["server"] = map[string]interface{}{
		"address":    ":8443",
		"rate_limit": 5,
		"rate_burst": 10,
	}
	config["scheduler"] = map[string]interface{}{"interval": "1h"}
	config["audit"] = map[string]interface{}{
		"enabled": true,
		"type":    string(audit.FileAuditType),
	}
	return config, nil
}

func validateConfiguration() []string {
	var problems []string

	switch persist.StoreType(viper.GetString("vault.store_type")) {
	case persist.StoreTypeFileSystem:
		if viper.GetString("vault.path") == "" {
			problems = append(problems, "vault.path is required when using the filesystem store")
		}
	case persist.StoreTypeS3:
		if err := validateS3Config(); err != nil {
			problems = append(problems, err.Error())
		}
	case persist.StoreTypeMongo:
		if viper.GetString("vault.mongo.uri") == "" {
			problems = append(problems, "vault.mongo.uri is required when using the mongo store")
		}
	default:
		problems = append(problems, fmt.Sprintf("invalid store type: %s (must be one of: filesystem, s3, mongo)",
			viper.GetString("vault.store_type")))
	}

	if days := viper.GetInt("vault.default_threshold_days"); days <= 0 || days > heirloom.MaxInactivityThresholdDays {
		problems = append(problems, fmt.Sprintf("vault.default_threshold_days must be between 1 and %d", heirloom.MaxInactivityThresholdDays))
	}

	if _, err := derive.ParseSeed(viper.GetString("derive.seed")); err != nil {
		problems = append(problems, fmt.Sprintf("derive.seed: %v", err))
	}

	if key := viper.GetString("auth.verify_key"); key != "" {
		if _, err := server.DecodePublicKey(key); err != nil {
			problems = append(problems, fmt.Sprintf("auth.verify_key: %v", err))
		}
	}
	if key := viper.GetString("auth.signing_key"); key != "" {
		if _, err := server.DecodePrivateKey(key); err != nil {
			problems = append(problems, fmt.Sprintf("auth.signing_key: %v", err))
		}
	}
	if viper.GetString("auth.verify_key") == "" && viper.GetString("auth.signing_key") == "" {
		problems = append(problems, "auth.verify_key or auth.signing_key is required to serve")
	}

	if viper.GetDuration("scheduler.interval") <= 0 {
		problems = append(problems, "scheduler.interval must be a positive duration")
	}

	if viper.GetBool("audit.enabled") {
		auditType := audit.ConfigType(viper.GetString("audit.type"))
		switch auditType {
		case audit.FileAuditType, audit.SyslogAuditType, audit.LogAuditType:
		default:
			problems = append(problems, fmt.Sprintf("invalid audit type: %s (must be one of: file, syslog, log)", auditType))
		}
	}
	return problems
}

func redact(settings map[string]interface{}, prefix string) map[string]interface{} {
	out := make(map[string]interface{}, len(settings))
	for k, v := range settings {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		switch value := v.(type) {
		case map[string]interface{}:
			out[k] = redact(value, key)
		default:
			if isSensitiveKey(key) && fmt.Sprint(value) != "" {
				out[k] = "***REDACTED***"
			} else {
				out[k] = value
			}
		}
	}
	return out
}

func flatten(settings map[string]interface{}, prefix string, out map[string]interface{}) {
	for k, v := range settings {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]interface{}); ok {
			flatten(nested, key, out)
			continue
		}
		out[key] = v
	}
}

func isSensitiveKey(name string) bool {
	lower := strings.ToLower(name)
	for _, s := range []string{"passphrase", "password", "secret", "seed", "signing_key"} {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}
