// Package main implements the revctl CLI for manual operations against a
// running reveried daemon.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	// serverURL is the base URL of the reveried status server
	serverURL string
	version   = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "revctl",
	Short: "CLI for reveried pipeline operations",
	Long: `revctl is a command-line interface for inspecting a running reveried
daemon through its read-only monitoring endpoints.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:9210", "reveried server URL")
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(statusCmd)
}

// healthCmd checks daemon health
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check reveried daemon health",
	RunE:  runHealth,
}

// statusCmd prints queue depth, in-flight count, and worker states
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue depth, in-flight jobs, and worker states",
	RunE:  runStatus,
}

func runHealth(cmd *cobra.Command, args []string) error {
	body, err := get("/health")
	if err != nil {
		return err
	}
	var health struct {
		Status  string `json:"status"`
		Service string `json:"service"`
	}
	if err := json.Unmarshal(body, &health); err != nil {
		return fmt.Errorf("parsing health response: %w", err)
	}
	fmt.Printf("%s: %s\n", health.Service, health.Status)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	body, err := get("/statusz")
	if err != nil {
		return err
	}
	var status struct {
		Queue struct {
			Depth    uint64 `json:"depth"`
			InFlight int    `json:"in_flight"`
		} `json:"queue"`
		Workers []struct {
			ID         string    `json:"id"`
			State      string    `json:"state"`
			CurrentJob string    `json:"current_job"`
			Since      time.Time `json:"since"`
		} `json:"workers"`
	}
	if err := json.Unmarshal(body, &status); err != nil {
		return fmt.Errorf("parsing status response: %w", err)
	}

	fmt.Printf("queue depth: %d\nin flight:   %d\n", status.Queue.Depth, status.Queue.InFlight)
	for _, w := range status.Workers {
		line := fmt.Sprintf("%s  %-11s", w.ID, w.State)
		if w.CurrentJob != "" {
			line += "  " + w.CurrentJob
		}
		fmt.Println(line)
	}
	return nil
}

func get(path string) ([]byte, error) {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(serverURL + path)
	if err != nil {
		return nil, fmt.Errorf("requesting %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, body)
	}
	return body, nil
}
