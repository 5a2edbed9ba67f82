package command

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/meshworks/overmesh/src/config"
	"github.com/meshworks/overmesh/src/overmesh"
	vers "github.com/meshworks/overmesh/src/version"
)

var (
	conf      *config.Config
	configDir *string
	profile   *string
	settings  *[]string
	version   *bool
)

func init() {
	conf = config.NewDefaultConfig()

	// Configuration sources
	configDir = rootCmd.PersistentFlags().StringP("config-dir", "c", ".", "Directory containing configuration files")
	profile = rootCmd.PersistentFlags().StringP("profile", "p", "", "Configuration profile to merge over the defaults")
	settings = rootCmd.PersistentFlags().StringArrayP("set", "s", nil, "Configuration overrides (key=value)")

	// Identity, addresses
	rootCmd.PersistentFlags().String("label", conf.Label, "Friendly name of this node")
	rootCmd.PersistentFlags().StringP("listen", "l", conf.BindAddr, "Listen IP:Port for the overlay")
	rootCmd.PersistentFlags().StringP("targets", "t", conf.TargetPath, "File containing a JSON array of target addresses")
	rootCmd.PersistentFlags().String("service-listen", conf.ServiceAddr, "HTTP inspection API listen IP:Port")
	rootCmd.PersistentFlags().Bool("no-service", conf.NoService, "Disable the HTTP inspection API")

	// Timers and limits
	rootCmd.PersistentFlags().Duration("heartbeat", conf.HeartbeatInterval, "Time between heartbeats")
	rootCmd.PersistentFlags().Duration("heartbeat-timeout", conf.HeartbeatTimeout, "Time before a silent peer is dropped")
	rootCmd.PersistentFlags().Duration("dial-interval", conf.DialInterval, "Period of the dial monitor")
	rootCmd.PersistentFlags().Duration("status-interval", conf.StatusInterval, "Period of the status monitor")
	rootCmd.PersistentFlags().Duration("discovery-interval", conf.DiscoveryInterval, "Period of the contact exchange")
	rootCmd.PersistentFlags().Int("max-outgoing", conf.MaxOutgoing, "Max outbound sessions")
	rootCmd.PersistentFlags().Int("max-nodes", conf.MaxNodes, "Max nodes retained in the network graph")

	// Outputs
	rootCmd.PersistentFlags().String("status-path", conf.StatusPath, "Where to write peers.json")
	rootCmd.PersistentFlags().Bool("diagram", conf.DiagramEnabled, "Render the network graph to a diagram file")
	rootCmd.PersistentFlags().String("diagram-path", conf.DiagramPath, "Where to write the diagram file")

	// Various
	rootCmd.PersistentFlags().String("log", conf.LogLevel, "Log level (debug, info, warn, error, fatal, panic)")
	rootCmd.PersistentFlags().String("log-file", conf.LogFile, "Duplicate log output to a file")

	version = rootCmd.PersistentFlags().BoolP("version", "v", false, "Show version and exit")
}

// loadConfig layers the configuration: package defaults, then the
// default file in the config dir, then the profile file, then explicit
// flags, then -s key=value overrides.
func loadConfig(cmd *cobra.Command) error {
	viper.AddConfigPath(*configDir)
	viper.SetConfigName("default")

	viper.BindPFlags(cmd.Flags())

	if err := viper.ReadInConfig(); err != nil {
		conf.Logger().Warn(err, ". Taking cli or default.")
	}

	if *profile != "" {
		viper.SetConfigName(*profile)
		if err := viper.MergeInConfig(); err != nil {
			return fmt.Errorf("reading profile %q: %w", *profile, err)
		}
	}

	for _, kv := range *settings {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			return fmt.Errorf("invalid override %q: expected key=value", kv)
		}
		viper.Set(parts[0], parts[1])
	}

	if err := viper.Unmarshal(conf); err != nil {
		return fmt.Errorf("resolving configuration: %w", err)
	}

	return nil
}

var rootCmd = &cobra.Command{
	Use:   "overmesh",
	Short: "Peer-to-peer TCP overlay node",
	Long: `Overmesh runs a node in a fully-meshed TCP overlay. The node
listens for connections from other nodes, dials the addresses in its
target file, monitors peer liveness with heartbeats, and gossips a
directed graph of the whole network.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if *version {
			fmt.Println(vers.Version)
			return nil
		}

		if err := loadConfig(cmd); err != nil {
			return err
		}

		engine := overmesh.NewOvermesh(conf)

		if err := engine.Init(); err != nil {
			conf.Logger().Error("Cannot initialise engine: ", err)
			return err
		}

		engine.Run()

		return nil
	},
}

// Execute runs the root command. It exits non-zero on fatal startup
// errors.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)

		os.Exit(1)
	}
}
