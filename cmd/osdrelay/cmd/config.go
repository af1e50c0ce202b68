package cmd

import (
	"fmt"
	"reflect"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long:  `Commands for managing osdrelay configuration.`,
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the effective configuration",
	Long: `Dump the effective configuration in YAML format.

This shows every configuration option with the value in effect after the
defaults, the config file and the environment are applied. Redirect it to a
file to create a configuration template:

  osdrelay config dump > config.yaml

Environment variables use the OSDRELAY_ prefix and underscores for nesting.
Example: pipeline.input -> OSDRELAY_PIPELINE_INPUT`,
	RunE: runConfigDump,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configDumpCmd)
}

// toValue converts config values for YAML output, formatting durations as
// strings such as "30s" that viper reads back.
func toValue(v reflect.Value) any {
	if d, ok := v.Interface().(time.Duration); ok {
		return d.String()
	}

	switch v.Kind() {
	case reflect.Ptr:
		if v.IsNil() {
			return nil
		}
		return toValue(v.Elem())
	case reflect.Struct:
		result := make(map[string]any)
		typ := v.Type()
		for i := range v.NumField() {
			field := typ.Field(i)
			key := field.Tag.Get("mapstructure")
			if key == "" {
				key = field.Name
			}
			result[key] = toValue(v.Field(i))
		}
		return result
	case reflect.Slice:
		out := make([]any, v.Len())
		for i := range v.Len() {
			out[i] = toValue(v.Index(i))
		}
		return out
	default:
		return v.Interface()
	}
}

func runConfigDump(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	yamlData, err := yaml.Marshal(toValue(reflect.ValueOf(cfg)))
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "# osdrelay configuration")
	fmt.Fprintln(out, "#")
	fmt.Fprintln(out, "# Duration format: 500ms, 30s, 5m")
	fmt.Fprintln(out, "# Environment overrides: OSDRELAY_PIPELINE_INPUT, OSDRELAY_SERVER_PORT, ...")
	fmt.Fprintln(out)
	fmt.Fprint(out, string(yamlData))
	return nil
}
