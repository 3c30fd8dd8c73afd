// Command clinicauth runs the demo protected service and the offline
// token, policy and key tools.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/PaulFidika/clinicauth/config"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	configPath string
	cfg        *config.Config
	log        *logrus.Entry
)

func main() {
	// .env is optional; existing environment variables win.
	_ = godotenv.Load()

	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "clinicauth",
		Short:        "Bearer token verification and role-based access control for clinic services",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load(configPath)
			if err != nil {
				return err
			}
			cfg = c
			log = newLogger(cfg.Logging)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", os.Getenv("CLINICAUTH_CONFIG"), "YAML config file (or set CLINICAUTH_CONFIG)")

	root.AddCommand(serveCmd())
	root.AddCommand(verifyCmd())
	root.AddCommand(checkCmd())
	root.AddCommand(policyCmd())
	root.AddCommand(mintCmd())
	root.AddCommand(migrateCmd())
	return root
}

func newLogger(c config.LoggingConfig) *logrus.Entry {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	if strings.EqualFold(c.Format, "text") {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		l.SetFormatter(&logrus.JSONFormatter{})
	}
	level, err := logrus.ParseLevel(c.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)
	return logrus.NewEntry(l).WithField("service", "clinicauth")
}

func printf(cmd *cobra.Command, format string, args ...any) {
	fmt.Fprintf(cmd.OutOrStdout(), format, args...)
}
