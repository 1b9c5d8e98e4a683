// Package cmd provides the CLI commands for claudecube.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/claudecube/claudecube/internal/config"
	"github.com/claudecube/claudecube/internal/domain/runtime"
)

var (
	cfgFile      string
	rulesFile    string
	portOverride int
	verbose      bool

	installFlag   bool
	uninstallFlag bool
	statusFlag    bool
)

var rootCmd = &cobra.Command{
	Use:   "claudecube",
	Short: "ClaudeCube - permission mediation for coding agents",
	Long: `ClaudeCube mediates permission decisions for an automated coding
agent. It answers the agent's hook events on a local HTTP port: a rule
engine decides the clear-cut cases, an LLM evaluates the rest, and
anything the LLM is not confident about goes to a human via Telegram.

Quick start:
  1. claudecube --install      # register the agent hooks
  2. claudecube                # run the daemon

Configuration:
  Config is loaded from claudecube.yaml in the current directory,
  $HOME/.claudecube/, or /etc/claudecube/.

  Environment variables can override config values with the CLAUDECUBE_
  prefix, e.g. CLAUDECUBE_SERVER_PORT=7081. Credentials come only from
  the environment: ANTHROPIC_API_KEY for the LLM tier,
  TELEGRAM_BOT_TOKEN and TELEGRAM_CHAT_ID for the approval channel.`,
	SilenceUsage: true,
	RunE:         runRoot,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default: ./claudecube.yaml)")
	rootCmd.PersistentFlags().IntVar(&portOverride, "port", 0, "HTTP port (overrides server.port)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.Flags().StringVarP(&rulesFile, "rules", "r", "", "rules file (default: <rules.dir>/rules.yaml)")
	rootCmd.Flags().BoolVar(&installFlag, "install", false, "register agent hooks in settings.json and exit")
	rootCmd.Flags().BoolVar(&uninstallFlag, "uninstall", false, "remove agent hooks from settings.json and exit")
	rootCmd.Flags().BoolVar(&statusFlag, "status", false, "query the running daemon's sessions and exit")
}

func initConfig() {
	config.InitViper(cfgFile)
}

func runRoot(cmd *cobra.Command, args []string) error {
	switch {
	case installFlag:
		return runInstall()
	case uninstallFlag:
		return runUninstall()
	case statusFlag:
		return runStatus()
	default:
		return runServe()
	}
}

func runInstall() error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable path: %w", err)
	}
	installer, err := runtime.NewInstaller(exe + " hook")
	if err != nil {
		return err
	}
	if err := installer.Install(); err != nil {
		return err
	}
	fmt.Printf("Hooks installed in %s\n", installer.SettingsPath)
	return nil
}

func runUninstall() error {
	installer, err := runtime.NewInstaller("")
	if err != nil {
		return err
	}
	if err := installer.Uninstall(); err != nil {
		return err
	}
	fmt.Printf("Hooks removed from %s\n", installer.SettingsPath)
	return nil
}
