package cmd

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"text/template"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/joescharf/testhub/internal/config"
)

var configForce bool

// configDirFunc returns the config directory path, replaceable in tests.
var configDirFunc = func() (string, error) { return config.DefaultDir(), nil }

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or manage configuration",
	Long: `Show or manage testhub configuration.

Running bare 'testhub config' is the same as 'testhub config show'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create config file with commented defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configInitRun()
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration with sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open config file in $EDITOR",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configEditRun()
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite existing config file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configEditCmd)
	rootCmd.AddCommand(configCmd)
}

// configTemplate is the template for generating config.yaml with comments.
const configTemplate = `# testhub configuration
# See: testhub config show (for effective values and sources)

# State/data directory (default: ~/.config/testhub)
# state_dir: {{ .StateDir }}

# SQLite database path (default: ~/.config/testhub/testhub.db)
# db_path: {{ .DBPath }}

server:
  # HTTP port for 'testhub serve'
  port: {{ .ServerPort }}

auth:
  # HMAC secret for access tokens. Change this before exposing the server.
  jwt_secret: "{{ .JWTSecret }}"
  # Access token lifetime
  token_ttl: "{{ .TokenTTL }}"

anthropic:
  # API key (falls back to $ANTHROPIC_API_KEY)
  # api_key: ""
  model: "{{ .AnthropicModel }}"

ai:
  # Service under test; its OpenAPI document is read from <base>/openapi.json
  target_base_url: "{{ .TargetBaseURL }}"
  # Paths sent to the model per generation (1-50)
  max_endpoints: {{ .MaxEndpoints }}
  # Account the executor logs in with
  default_user:
    email: "{{ .DefaultUserEmail }}"
    password: "{{ .DefaultUserPassword }}"
  # JUnit XML report read by 'testhub ai analyze'
  junit_path: "{{ .JUnitPath }}"
`

type configTemplateData struct {
	StateDir            string
	DBPath              string
	ServerPort          int
	JWTSecret           string
	TokenTTL            string
	AnthropicModel      string
	TargetBaseURL       string
	MaxEndpoints        int
	DefaultUserEmail    string
	DefaultUserPassword string
	JUnitPath           string
}

func configFilePath() (string, error) {
	dir, err := configDirFunc()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

func configInitRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if file already exists
	if _, err := os.Stat(cfgPath); err == nil {
		if !configForce {
			return fmt.Errorf("config file already exists: %s (use --force to overwrite)", cfgPath)
		}
		ui.Warning("Overwriting existing config file")
	}

	// Build template data from current viper values
	data := configTemplateData{
		StateDir:            viper.GetString("state_dir"),
		DBPath:              viper.GetString("db_path"),
		ServerPort:          viper.GetInt("server.port"),
		JWTSecret:           viper.GetString("auth.jwt_secret"),
		TokenTTL:            viper.GetString("auth.token_ttl"),
		AnthropicModel:      viper.GetString("anthropic.model"),
		TargetBaseURL:       viper.GetString("ai.target_base_url"),
		MaxEndpoints:        viper.GetInt("ai.max_endpoints"),
		DefaultUserEmail:    viper.GetString("ai.default_user.email"),
		DefaultUserPassword: viper.GetString("ai.default_user.password"),
		JUnitPath:           viper.GetString("ai.junit_path"),
	}

	tmpl, err := template.New("config").Parse(configTemplate)
	if err != nil {
		return fmt.Errorf("template parse error: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("template execute error: %w", err)
	}

	if dryRun {
		ui.DryRunMsg("Would create config file: %s", cfgPath)
		fmt.Fprintln(ui.Out)
		fmt.Fprint(ui.Out, buf.String())
		return nil
	}

	// Create config directory
	dir := filepath.Dir(cfgPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(cfgPath, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	ui.Success("Config file created: %s", cfgPath)
	fmt.Fprintln(ui.Out)
	fmt.Fprint(ui.Out, buf.String())
	return nil
}

// configKeyInfo describes a config key for display purposes.
type configKeyInfo struct {
	Key    string
	EnvVar string
	Secret bool
}

var configKeys = []configKeyInfo{
	{Key: "state_dir", EnvVar: "TESTHUB_STATE_DIR"},
	{Key: "db_path", EnvVar: "TESTHUB_DB_PATH"},
	{Key: "server.port", EnvVar: "TESTHUB_SERVER_PORT"},
	{Key: "auth.jwt_secret", EnvVar: "TESTHUB_AUTH_JWT_SECRET", Secret: true},
	{Key: "auth.token_ttl", EnvVar: "TESTHUB_AUTH_TOKEN_TTL"},
	{Key: "anthropic.api_key", EnvVar: "TESTHUB_ANTHROPIC_API_KEY", Secret: true},
	{Key: "anthropic.model", EnvVar: "TESTHUB_ANTHROPIC_MODEL"},
	{Key: "ai.target_base_url", EnvVar: "TESTHUB_AI_TARGET_BASE_URL"},
	{Key: "ai.max_endpoints", EnvVar: "TESTHUB_AI_MAX_ENDPOINTS"},
	{Key: "ai.default_user.email", EnvVar: "TESTHUB_AI_DEFAULT_USER_EMAIL"},
	{Key: "ai.default_user.password", EnvVar: "TESTHUB_AI_DEFAULT_USER_PASSWORD", Secret: true},
	{Key: "ai.junit_path", EnvVar: "TESTHUB_AI_JUNIT_PATH"},
}

// displayValue masks secrets that have been set.
func displayValue(k configKeyInfo) any {
	val := viper.Get(k.Key)
	if k.Secret {
		if s := viper.GetString(k.Key); s != "" {
			return "********"
		}
	}
	return val
}

func configShowRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if config file exists
	if _, err := os.Stat(cfgPath); err == nil {
		ui.Info("Config file: %s", cfgPath)
	} else {
		ui.Info("Config file: (none)")
	}
	fmt.Fprintln(ui.Out)

	// Read config file values to determine file source
	fileValues := readConfigFileValues(cfgPath)

	for _, k := range configKeys {
		source := detectSource(k.Key, k.EnvVar, fileValues)
		fmt.Fprintf(ui.Out, "  %-26s %v  %s\n", k.Key, displayValue(k), source)
	}

	return nil
}

// readConfigFileValues reads the raw YAML file and returns a flat map of keys present in it.
func readConfigFileValues(path string) map[string]bool {
	result := make(map[string]bool)

	data, err := os.ReadFile(path)
	if err != nil {
		return result
	}

	var parsed map[string]any
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return result
	}

	// Flatten nested keys with dot notation
	flattenKeys("", parsed, result)
	return result
}

// flattenKeys recursively flattens a nested map to dot-notation keys.
func flattenKeys(prefix string, m map[string]any, result map[string]bool) {
	for key, val := range m {
		fullKey := key
		if prefix != "" {
			fullKey = prefix + "." + key
		}
		if nested, ok := val.(map[string]any); ok {
			flattenKeys(fullKey, nested, result)
		} else {
			result[fullKey] = true
		}
	}
}

// detectSource determines where a config value is coming from.
func detectSource(key, envVar string, fileValues map[string]bool) string {
	if _, ok := os.LookupEnv(envVar); ok {
		return fmt.Sprintf("(env: %s)", envVar)
	}
	if fileValues[key] {
		return "(file)"
	}
	return "(default)"
}

func configEditRun() error {
	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = os.Getenv("VISUAL")
	}
	if editor == "" {
		return fmt.Errorf("$EDITOR is not set; set it to your preferred editor (e.g. export EDITOR=vim)")
	}

	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s (run 'testhub config init' first)", cfgPath)
	}

	if dryRun {
		ui.DryRunMsg("Would open %s in %s", cfgPath, editor)
		return nil
	}

	editCmd := exec.Command(editor, cfgPath)
	editCmd.Stdin = os.Stdin
	editCmd.Stdout = os.Stdout
	editCmd.Stderr = os.Stderr
	return editCmd.Run()
}
