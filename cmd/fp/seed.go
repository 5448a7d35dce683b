package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/fieldproof/fieldproof/internal/license"
)

// seedFixture is the YAML layout consumed by `fp seed`.
type seedFixture struct {
	Licenses []struct {
		ID         string     `yaml:"id"`
		OwnerID    string     `yaml:"owner_id"`
		Type       string     `yaml:"type"`
		Status     string     `yaml:"status"`
		MaxDevices int        `yaml:"max_devices"`
		ExpiresAt  *time.Time `yaml:"expires_at,omitempty"`
		Features   []string   `yaml:"features,omitempty"`
	} `yaml:"licenses"`
	Devices []struct {
		UserID   string `yaml:"user_id"`
		DeviceID string `yaml:"device_id"`
		Platform string `yaml:"platform"`
	} `yaml:"devices"`
}

var seedCmd = &cobra.Command{
	Use:   "seed <fixture.yaml>",
	Short: "Load licenses and device registrations from a fixture file",
	Long: `Load provisioning data into the local database. Intended for test
benches and field bring-up, where the device has no backend connectivity
to fetch its license from.

Fixture layout:

  licenses:
    - id: lic-1
      owner_id: u-17
      type: pro
      status: active
      max_devices: 3
      expires_at: 2027-01-01T00:00:00Z
  devices:
    - user_id: u-17
      device_id: tablet-01
      platform: android`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read fixture: %w", err)
		}
		var fix seedFixture
		if err := yaml.Unmarshal(data, &fix); err != nil {
			return fmt.Errorf("failed to parse fixture: %w", err)
		}

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		for _, l := range fix.Licenses {
			lic := &license.License{
				ID:         l.ID,
				OwnerID:    l.OwnerID,
				Type:       l.Type,
				Status:     license.Status(l.Status),
				MaxDevices: l.MaxDevices,
				ExpiresAt:  l.ExpiresAt,
				Features:   l.Features,
			}
			if err := a.licenses.PutLicense(cmd.Context(), lic); err != nil {
				return fmt.Errorf("license %s: %w", l.ID, err)
			}
		}

		for _, d := range fix.Devices {
			_, err := a.licenses.UpsertDevice(cmd.Context(), d.UserID, license.DeviceInfo{
				DeviceID: d.DeviceID,
				Platform: d.Platform,
			})
			if err != nil {
				return fmt.Errorf("device %s: %w", d.DeviceID, err)
			}
		}

		fmt.Printf("Seeded %d license(s), %d device(s)\n", len(fix.Licenses), len(fix.Devices))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(seedCmd)
}
