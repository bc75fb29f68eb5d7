package main

import (
	"fmt"
	"net"
	"strconv"

	"github.com/rcourtman/pulse-cloudstack/internal/config"
	"github.com/rcourtman/pulse-cloudstack/internal/logging"
	"github.com/rcourtman/pulse-cloudstack/pkg/tlsutil"
	"github.com/spf13/cobra"
)

var fingerprintCmd = &cobra.Command{
	Use:   "fingerprint [host[:port]]",
	Short: "Print the SHA256 fingerprint of the CloudStack server certificate",
	Long: `Print the SHA256 fingerprint of the certificate presented by the CloudStack
management server. Set it as CLOUDSTACK_TLS_FINGERPRINT to pin a self-signed
certificate. Without an argument the configured host and port are used.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runFingerprint,
}

func runFingerprint(cmd *cobra.Command, args []string) error {
	var target string
	if len(args) == 1 {
		target = args[0]
	} else {
		cfg, err := loadConfig(config.LoadState)
		if err != nil {
			return err
		}
		defer logging.Shutdown()
		if cfg.Host == "" {
			return fmt.Errorf("no host given and CLOUDSTACK_HOST is not set")
		}
		target = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	}

	fp, err := tlsutil.FetchFingerprint(cmd.Context(), target)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), fp)
	return nil
}
