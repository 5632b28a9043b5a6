package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/teamrelay/teamrelay/internal/config"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		printHeader("🏷️ TeamRelay Version")
		fmt.Printf("Version: %s\n", version)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show engine and session status",
	Run: func(cmd *cobra.Command, args []string) {
		printHeader("📊 TeamRelay Status")
		fmt.Printf("Version: %s\n", version)

		cfgPath, err := config.ConfigPath()
		if err == nil {
			if _, statErr := os.Stat(cfgPath); statErr == nil {
				fmt.Println("Config:  ✓ Found (" + cfgPath + ")")
			} else {
				fmt.Println("Config:  ✗ Not found (" + cfgPath + ")")
			}
		}

		cfg, err := config.Load()
		if err != nil {
			fmt.Printf("Config load failed: %v\n", err)
			return
		}

		status, err := fetchEngineStatus(cfg)
		if err != nil {
			fmt.Println("Engine:  ✗ Not running (start with 'teamrelay run')")
			return
		}
		fmt.Println("Engine:  ✓ Running")
		if status.TeamGroupID != "" {
			fmt.Println("Team group: " + status.TeamGroupID)
		} else {
			fmt.Println("Team group: not resolved yet")
		}
		for role, sess := range status.Sessions {
			line := fmt.Sprintf("Session %-9s %s", role+":", sess.State)
			if sess.HasPendingAuthChallenge {
				line += " (QR challenge pending, see /sessions/" + role + "/qr-challenge)"
			}
			fmt.Println(line)
		}
	},
}

type engineStatus struct {
	Version     string `json:"version"`
	TeamGroupID string `json:"teamGroupId"`
	Sessions    map[string]struct {
		State                   string `json:"state"`
		HasPendingAuthChallenge bool   `json:"hasPendingAuthChallenge"`
	} `json:"sessions"`
}

func fetchEngineStatus(cfg *config.Config) (*engineStatus, error) {
	url := fmt.Sprintf("http://%s:%d/status", cfg.Control.Host, cfg.Control.Port)
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if cfg.Control.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.Control.AuthToken)
	}
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status endpoint returned %d", resp.StatusCode)
	}
	var out engineStatus
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}
