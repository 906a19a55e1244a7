package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// pairCmd is the client side of the pairing handshake: it exchanges a
// code shown by the gateway for a durable device token.
func pairCmd() *cobra.Command {
	var serverURL string
	var deviceName string

	cmd := &cobra.Command{
		Use:   "pair <code>",
		Short: "Exchange a pairing code for a device token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if deviceName == "" {
				deviceName, _ = os.Hostname()
			}
			return runPair(serverURL, args[0], deviceName)
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "http://127.0.0.1:8780", "gateway base URL")
	cmd.Flags().StringVar(&deviceName, "name", "", "device name (default: hostname)")
	return cmd
}

func runPair(serverURL, code, deviceName string) error {
	body, err := json.Marshal(map[string]string{
		"code":       code,
		"deviceName": deviceName,
	})
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Post(serverURL+"/pair", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("reach gateway: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return fmt.Errorf("pairing failed: %s", e.Error)
		}
		return fmt.Errorf("pairing failed: HTTP %d", resp.StatusCode)
	}

	var out struct {
		Token    string `json:"token"`
		DeviceID string `json:"deviceId"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}

	fmt.Printf("Paired as %q (device %s)\n\n", deviceName, out.DeviceID)
	fmt.Println("Store this token; it is shown only once:")
	fmt.Printf("  %s\n\n", out.Token)
	fmt.Println("Use it as a Bearer token or the x-torbo-token header.")
	return nil
}
