package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/chenxiaolong/MirrorMobile/internal/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage MirrorMobile configuration",
	Long: `View and change the MirrorMobile config file.

Every key can also be overridden for a single run with an environment
variable named after it, e.g. MIRRORMOBILE_PREFERENCES_AUTO_START=false.
Overridden values are never written to the file.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Long: `Show every key with its effective value and where the value comes from:
the built in default, the config file or an environment variable.`,
	Example: `  # One line per key (default)
  mirrormobile config show

  # The whole config as YAML or JSON
  mirrormobile config show --format yaml
  mirrormobile config show --format json`,
	RunE: runConfigShow,
}

var configSetCmd = &cobra.Command{
	Use:   "set KEY VALUE",
	Short: "Write a value to the config file",
	Long: `Write a single key to the config file. The value is converted to the type
of the key and the whole config is validated before anything is written.
A running "mirrormobile serve" picks the change up from the file.`,
	Example: `  # Disable auto start
  mirrormobile config set preferences.auto_start false

  # Ask for permission through the desktop portal
  mirrormobile config set permission.mode portal

  # Capture at 30 frames per second
  mirrormobile config set capture.fps 30`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var configGetCmd = &cobra.Command{
	Use:   "get KEY",
	Short: "Print the effective value of a key",
	Example: `  # Is auto start enabled?
  mirrormobile config get preferences.auto_start

  # Which capture source is used?
  mirrormobile config get capture.source`,
	Args: cobra.ExactArgs(1),
	RunE: runConfigGet,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file path",
	RunE:  runConfigPath,
}

var formatFlag string

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configPathCmd)

	configShowCmd.Flags().StringVarP(&formatFlag, "format", "f", "table", "output format (table, yaml or json)")
}

func printFormatted(w io.Writer, v any, format string) error {
	switch format {
	case "json":
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(v)
	case "yaml":
		encoder := yaml.NewEncoder(w)
		encoder.SetIndent(2)
		return encoder.Encode(v)
	default:
		return fmt.Errorf("unsupported format: %s", format)
	}
}

// configEntry is one row of "config show"
type configEntry struct {
	Key    string
	Value  any
	Source string
}

// describeConfig lists every key of cfg, marking values that differ from the
// defaults as coming from the file and overridden ones with their variable
func describeConfig(cfg *config.Config, overrides map[string]string) ([]configEntry, error) {
	values, err := config.Values(cfg)
	if err != nil {
		return nil, err
	}
	defaults, err := config.Values(config.Defaults())
	if err != nil {
		return nil, err
	}

	var entries []configEntry
	for _, key := range config.Keys() {
		source := "default"
		if _, ok := overrides[key]; ok {
			source = config.EnvVar(key)
		} else if fmt.Sprint(values[key]) != fmt.Sprint(defaults[key]) {
			source = "file"
		}
		entries = append(entries, configEntry{Key: key, Value: values[key], Source: source})
	}
	return entries, nil
}

func showConfig(w io.Writer, cfg *config.Config, overrides map[string]string, format string) error {
	if format != "table" {
		return printFormatted(w, cfg, format)
	}

	entries, err := describeConfig(cfg, overrides)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tVALUE\tSOURCE")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%v\t%s\n", e.Key, e.Value, e.Source)
	}
	return tw.Flush()
}

// warnOverride tells the user that key will not take the file's value
func warnOverride(w io.Writer, key string, overrides map[string]string) {
	if value, ok := overrides[key]; ok {
		fmt.Fprintf(w, "⚠️  %s is overridden by %s=%s\n", key, config.EnvVar(key), value)
	}
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	configMgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	overrides := config.EnvOverrides()
	if formatFlag != "table" {
		for key := range overrides {
			warnOverride(cmd.ErrOrStderr(), key, overrides)
		}
	}
	return showConfig(cmd.OutOrStdout(), configMgr.Get(), overrides, formatFlag)
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key, value := args[0], args[1]

	configMgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if !config.IsKey(key) {
		return fmt.Errorf("configuration key not found: %s (run \"mirrormobile config show\" for the list)", key)
	}
	if err := configMgr.Set(key, value); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "✅ Configuration updated: %s = %s\n", key, value)
	warnOverride(cmd.ErrOrStderr(), key, config.EnvOverrides())
	return nil
}

func runConfigGet(cmd *cobra.Command, args []string) error {
	key := args[0]

	configMgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	value, err := configMgr.Lookup(key)
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), value)
	warnOverride(cmd.ErrOrStderr(), key, config.EnvOverrides())
	return nil
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	path := GetConfigFile()
	if path == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return err
		}
		path = p
	}

	fmt.Fprintln(cmd.OutOrStdout(), path)
	return nil
}
