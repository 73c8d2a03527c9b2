package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"edu/hyponome/internal/config"
	"edu/hyponome/internal/logging"
)

var (
	configPath string
	envFile    string
	verbose    bool

	cfg    config.Config
	logger = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:   "hyponome",
	Short: "Hyponome - a pipelined hashing service",
	Long: `Hyponome serves a single capability, hash(data) -> digest, over a
CBOR RPC protocol with promise pipelining. The same binary runs the server
and talks to it.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(viper.GetViper(), configPath, envFile)
		if err != nil {
			return err
		}

		level := cfg.LogLevel
		if verbose {
			level = "debug"
		}
		logger, err = logging.New(level, cfg.LogDevelopment)
		if err != nil {
			return err
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List supported algorithms",
	RunE:  runList,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file path")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Dotenv file loaded before the environment")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.PersistentFlags().String("algorithm", "", "Hash algorithm (server)")
	rootCmd.PersistentFlags().String("listen", "", "RPC address to listen on or dial")
	rootCmd.PersistentFlags().String("network", "", "RPC network: tcp or unix")
	_ = viper.BindPFlag(config.KeyAlgorithm, rootCmd.PersistentFlags().Lookup("algorithm"))
	_ = viper.BindPFlag(config.KeyListen, rootCmd.PersistentFlags().Lookup("listen"))
	_ = viper.BindPFlag(config.KeyNetwork, rootCmd.PersistentFlags().Lookup("network"))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(hashCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(bin2hexCmd)
	rootCmd.AddCommand(hex2binCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
