package cmd

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

func getConfigFilePath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if used := viper.ConfigFileUsed(); used != "" {
		return used
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".heirloom.yaml")
}

func ensureConfigDir(configFile string) error {
	return os.MkdirAll(filepath.Dir(configFile), 0700)
}

func okMark() string   { return color.GreenString("✓") }
func failMark() string { return color.RedString("✗") }

// formatError renders an error chain on one line without repeating messages.
func formatError(err error) string {
	if err == nil {
		return ""
	}

	var messages []string
	seen := make(map[string]bool)
	for e := err; e != nil; e = errors.Unwrap(e) {
		msg := e.Error()
		if !seen[msg] {
			messages = append(messages, msg)
			seen[msg] = true
		}
	}

	message := messages[0]
	if len(message) > 0 {
		message = strings.ToUpper(message[:1]) + message[1:]
	}
	return color.RedString("Error: ") + message
}

func getCurrentUser() string {
	if current, err := user.Current(); err == nil {
		return current.Username
	}
	if env := os.Getenv("USER"); env != "" {
		return env
	}
	return "unknown_user"
}

func generateSessionID() string {
	return uuid.New().String()
}

func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown_host"
	}
	return hostname
}

// logCommand writes one debug line per command with sensitive flags masked.
func logCommand(cmd *cobra.Command) {
	flags := make(map[string]interface{})
	cmd.Flags().VisitAll(func(flag *pflag.Flag) {
		if !flag.Changed {
			return
		}
		if isSensitiveKey(flag.Name) {
			flags[flag.Name] = "[REDACTED]"
		} else {
			flags[flag.Name] = flag.Value.String()
		}
	})
	logger.Debug().
		Str("command", cmd.CommandPath()).
		Interface("flags", flags).
		Str("user_id", cliContext.UserID).
		Str("session_id", cliContext.SessionID).
		Str("source", cliContext.Source).
		Msg("command started")
}

func formatAge(d time.Duration) string {
	switch {
	case d >= 48*time.Hour:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	case d >= time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return d.Round(time.Second).String()
	}
}
