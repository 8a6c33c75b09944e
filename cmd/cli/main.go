package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

type Config struct {
	BaseURL    string `json:"base_url"`
	Token      string `json:"token"`
	Collection string `json:"collection"`
}

func configPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, ".tabflow")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return filepath.Join(dir, "cli_config.json"), nil
}

func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func requireAuthConfig() (*Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.BaseURL == "" || cfg.Token == "" {
		return nil, fmt.Errorf("not logged in; run: tabflow login --token <token> [--base-url <url>]")
	}
	return cfg, nil
}

func doAuthedRequest(cfg *Config, method, path string, body io.Reader) (*http.Response, error) {
	url := strings.TrimRight(cfg.BaseURL, "/") + path
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+cfg.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return http.DefaultClient.Do(req)
}

// getJSON runs a GET and pretty-prints the JSON response.
func getJSON(cfg *Config, path string) error {
	resp, err := doAuthedRequest(cfg, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("request failed: %s", strings.TrimSpace(string(raw)))
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		fmt.Println(string(raw))
		return nil
	}
	fmt.Println(buf.String())
	return nil
}

func postJSON(cfg *Config, path string, payload any, wantStatus int) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(data)
	}
	resp, err := doAuthedRequest(cfg, http.MethodPost, path, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != wantStatus {
		return nil, fmt.Errorf("request failed: %s", strings.TrimSpace(string(raw)))
	}
	return raw, nil
}

// --- Cobra root and top-level commands ---

var rootCmd = &cobra.Command{
	Use:   "tabflow",
	Short: "Tabflow pipeline orchestrator CLI",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// ---- Login ----

func cmdLogin(args []string) error {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	token := fs.String("token", "", "API token")
	baseURL := fs.String("base-url", "http://localhost:3040/api", "Orchestrator API base URL")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *token == "" {
		return fmt.Errorf("token is required")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.BaseURL = *baseURL
	cfg.Token = *token
	if err := saveConfig(cfg); err != nil {
		return err
	}
	fmt.Println("Saved credentials")
	return nil
}

// ---- Collections ----

func cmdCollections(args []string) error {
	if len(args) == 0 {
		fmt.Println("Usage:")
		fmt.Println("  tabflow collections list")
		fmt.Println("  tabflow collections create <name>")
		fmt.Println("  tabflow collections use <name>")
		return nil
	}
	cfg, err := requireAuthConfig()
	if err != nil {
		return err
	}
	switch args[0] {
	case "list":
		return getJSON(cfg, "/collections")
	case "create":
		if len(args) < 2 {
			return fmt.Errorf("usage: tabflow collections create <name>")
		}
		raw, err := postJSON(cfg, "/collections", map[string]string{"name": args[1]}, http.StatusCreated)
		if err != nil {
			return err
		}
		fmt.Println(string(raw))
		cfg.Collection = args[1]
		return saveConfig(cfg)
	case "use":
		if len(args) < 2 {
			return fmt.Errorf("usage: tabflow collections use <name>")
		}
		cfg.Collection = args[1]
		if err := saveConfig(cfg); err != nil {
			return err
		}
		fmt.Printf("Active collection set to %s\n", args[1])
		return nil
	}
	return fmt.Errorf("unknown collections subcommand %q", args[0])
}

// ---- Functions ----

func cmdFunctions(args []string) error {
	if len(args) == 0 {
		fmt.Println("Usage:")
		fmt.Println("  tabflow fn list")
		fmt.Println("  tabflow fn register --file <registration.json>")
		fmt.Println("  tabflow fn template <function>")
		return nil
	}
	cfg, err := requireAuthConfig()
	if err != nil {
		return err
	}
	if cfg.Collection == "" {
		return fmt.Errorf("no active collection; run: tabflow collections use <name>")
	}
	base := "/collections/" + cfg.Collection

	switch args[0] {
	case "list":
		return getJSON(cfg, base+"/functions")
	case "register":
		fs := flag.NewFlagSet("fn register", flag.ExitOnError)
		file := fs.String("file", "", "Registration JSON file")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		if *file == "" {
			return fmt.Errorf("usage: tabflow fn register --file <registration.json>")
		}
		data, err := os.ReadFile(*file)
		if err != nil {
			return err
		}
		var payload map[string]any
		if err := json.Unmarshal(data, &payload); err != nil {
			return fmt.Errorf("invalid registration file: %w", err)
		}
		raw, err := postJSON(cfg, base+"/functions", payload, http.StatusCreated)
		if err != nil {
			return err
		}
		fmt.Println(string(raw))
		return nil
	case "template":
		if len(args) < 2 {
			return fmt.Errorf("usage: tabflow fn template <function>")
		}
		return getJSON(cfg, base+"/functions/"+args[1]+"/template")
	}
	return fmt.Errorf("unknown fn subcommand %q", args[0])
}

// ---- Executions ----

func cmdExecutions(args []string) error {
	if len(args) == 0 {
		fmt.Println("Usage:")
		fmt.Println("  tabflow exec list")
		fmt.Println("  tabflow exec create <function> [name]")
		fmt.Println("  tabflow exec get <id>")
		fmt.Println("  tabflow exec cancel <id>")
		return nil
	}
	cfg, err := requireAuthConfig()
	if err != nil {
		return err
	}
	switch args[0] {
	case "list":
		return getJSON(cfg, "/executions")
	case "create":
		if len(args) < 2 {
			return fmt.Errorf("usage: tabflow exec create <function> [name]")
		}
		if cfg.Collection == "" {
			return fmt.Errorf("no active collection; run: tabflow collections use <name>")
		}
		payload := map[string]string{"collection": cfg.Collection, "function": args[1]}
		if len(args) > 2 {
			payload["name"] = strings.Join(args[2:], " ")
		}
		raw, err := postJSON(cfg, "/executions", payload, http.StatusCreated)
		if err != nil {
			return err
		}
		fmt.Println(string(raw))
		return nil
	case "get":
		if len(args) < 2 {
			return fmt.Errorf("usage: tabflow exec get <id>")
		}
		return getJSON(cfg, "/executions/"+args[1])
	case "cancel":
		if len(args) < 2 {
			return fmt.Errorf("usage: tabflow exec cancel <id>")
		}
		if _, err := postJSON(cfg, "/executions/"+args[1]+"/cancel", nil, http.StatusOK); err != nil {
			return err
		}
		fmt.Println("Canceled")
		return nil
	}
	return fmt.Errorf("unknown exec subcommand %q", args[0])
}

// ---- Runs ----

func cmdRuns(args []string) error {
	if len(args) == 0 {
		fmt.Println("Usage:")
		fmt.Println("  tabflow runs list [execution-id]")
		fmt.Println("  tabflow runs cancel <id>")
		fmt.Println("  tabflow runs requeue <id>")
		fmt.Println("  tabflow runs yank <id>")
		return nil
	}
	cfg, err := requireAuthConfig()
	if err != nil {
		return err
	}
	switch args[0] {
	case "list":
		path := "/runs"
		if len(args) > 1 {
			path += "?execution_id=" + args[1]
		}
		return getJSON(cfg, path)
	case "cancel", "requeue", "yank":
		if len(args) < 2 {
			return fmt.Errorf("usage: tabflow runs %s <id>", args[0])
		}
		if _, err := postJSON(cfg, "/runs/"+args[1]+"/"+args[0], nil, http.StatusOK); err != nil {
			return err
		}
		fmt.Println("OK")
		return nil
	}
	return fmt.Errorf("unknown runs subcommand %q", args[0])
}

// ---- Worker (for debugging a pipeline without a real worker fleet) ----

func cmdWorker(args []string) error {
	if len(args) == 0 {
		fmt.Println("Usage:")
		fmt.Println("  tabflow worker poll")
		fmt.Println("  tabflow worker commit <run-id>")
		fmt.Println("  tabflow worker rollback <run-id>")
		fmt.Println("  tabflow worker result <run-id> <done|error|failed>")
		return nil
	}
	cfg, err := requireAuthConfig()
	if err != nil {
		return err
	}
	switch args[0] {
	case "poll":
		raw, err := postJSON(cfg, "/worker/poll", nil, http.StatusOK)
		if err != nil {
			return err
		}
		fmt.Println(string(raw))
		return nil
	case "commit", "rollback":
		if len(args) < 2 {
			return fmt.Errorf("usage: tabflow worker %s <run-id>", args[0])
		}
		if _, err := postJSON(cfg, "/worker/"+args[0], map[string]string{"run_id": args[1]}, http.StatusOK); err != nil {
			return err
		}
		fmt.Println("OK")
		return nil
	case "result":
		if len(args) < 3 {
			return fmt.Errorf("usage: tabflow worker result <run-id> <done|error|failed>")
		}
		payload := map[string]string{"run_id": args[1], "result": args[2]}
		if _, err := postJSON(cfg, "/worker/result", payload, http.StatusOK); err != nil {
			return err
		}
		fmt.Println("OK")
		return nil
	}
	return fmt.Errorf("unknown worker subcommand %q", args[0])
}

// ---- Cobra command wiring ----

func init() {
	loginCmd := &cobra.Command{
		Use:                "login",
		Short:              "Save an API token for the orchestrator",
		DisableFlagParsing: true, // delegate flag parsing to cmdLogin (uses flag package)
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmdLogin(args)
		},
	}

	collectionsCmd := &cobra.Command{
		Use:                "collections",
		Short:              "Manage collections",
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmdCollections(args)
		},
	}

	fnCmd := &cobra.Command{
		Use:                "fn",
		Short:              "Manage functions",
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmdFunctions(args)
		},
	}

	execCmd := &cobra.Command{
		Use:                "exec",
		Short:              "Manage executions",
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmdExecutions(args)
		},
	}

	runsCmd := &cobra.Command{
		Use:                "runs",
		Short:              "Manage function runs",
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmdRuns(args)
		},
	}

	workerCmd := &cobra.Command{
		Use:                "worker",
		Short:              "Drive the worker protocol by hand",
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmdWorker(args)
		},
	}

	rootCmd.AddCommand(loginCmd, collectionsCmd, fnCmd, execCmd, runsCmd, workerCmd)
}
