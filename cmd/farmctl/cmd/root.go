package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	serverURL    string
	outputFormat string
	cfgFile      string
)

var rootCmd = &cobra.Command{
	Use:          "farmctl",
	Short:        "CLI for the transcode farm daemon",
	Long:         `farmctl manages jobs, workers, and cloud instances on a running farmd.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $HOME/.farmctl/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "farmd API URL (default from config or http://localhost:8090)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output", "table", "output format: table or json")
}

func initConfig() {
	v := viper.New()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(filepath.Join(home, ".farmctl"))
			v.SetConfigName("config")
			v.SetConfigType("yaml")
		}
	}
	v.SetEnvPrefix("FARMCTL")
	v.AutomaticEnv()
	v.BindEnv("server", "FARMCTL_SERVER")

	if err := v.ReadInConfig(); err == nil || v.GetString("server") != "" {
		if serverURL == "" {
			serverURL = v.GetString("server")
		}
	}
	if serverURL == "" {
		serverURL = "http://localhost:8090"
	}
	serverURL = strings.TrimRight(serverURL, "/")
}

func jsonOutput() bool { return outputFormat == "json" }

// eventsURL rewrites the API URL to the websocket event stream.
func eventsURL() string {
	url := serverURL
	if strings.HasPrefix(url, "https://") {
		url = "wss://" + strings.TrimPrefix(url, "https://")
	} else if strings.HasPrefix(url, "http://") {
		url = "ws://" + strings.TrimPrefix(url, "http://")
	}
	return url + "/events"
}

var httpClient = &http.Client{Timeout: 30 * time.Second}

// apiCall performs one request against farmd and decodes the response
// into out (which may be nil). Non-2xx responses become errors carrying
// the server's message.
func apiCall(method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequest(method, serverURL+path, reader)
	if err != nil {
		return err
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("cannot reach farmd at %s: %w", serverURL, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("farmd: %s", apiErr.Error)
		}
		return fmt.Errorf("farmd: status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}

// printJSON renders any API object for --output json.
func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
