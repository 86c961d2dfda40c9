package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	serial "github.com/luhtfiimanal/go-easyserial"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	ConfigFile  string
	Device      string
	BaudRate    int
	NoAvailable bool
	Quiet       bool
	Debug       bool
	MetricsAddr string
}

var (
	flags    globalFlags
	fileConf serial.FileConfig
	registry *serial.Registry
)

var rootCmd = &cobra.Command{
	Use:   "easyserial",
	Short: "Talk to serial devices",
	Long: `easyserial lists serial devices, streams framed messages from a device
and runs request/response exchanges against it.

Device settings come from flags or from a TOML file given with --config.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := zerolog.InfoLevel
		if flags.Debug {
			level = zerolog.DebugLevel
		}
		serial.SetLogger(zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
			Level(level).With().Timestamp().Str("app", "easyserial").Logger())

		fileConf = serial.FileConfig{Log: true}
		if flags.ConfigFile != "" {
			fc, err := serial.LoadConfig(flags.ConfigFile)
			if err != nil {
				return err
			}
			fileConf = fc
		}
		serial.EnableLogging(fileConf.Log && !flags.Quiet)

		registry = serial.NewRegistry()
		for _, p := range fileConf.Ports {
			if p.NoAvailable {
				registry.MarkUnreliable(p.Device)
			}
		}

		if flags.MetricsAddr != "" {
			serial.RegisterMetrics(prometheus.DefaultRegisterer)
			go func() {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.Handler())
				if err := http.ListenAndServe(flags.MetricsAddr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
					fmt.Fprintf(os.Stderr, "metrics: %v\n", err)
				}
			}()
		}
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if registry != nil {
			return registry.CloseAll()
		}
		return nil
	},
}

// deviceConfig resolves the device settings from --device and the config file.
func deviceConfig() (serial.Config, error) {
	device := flags.Device
	if device == "" && len(fileConf.Ports) > 0 {
		device = fileConf.Ports[0].Device
	}
	if device == "" {
		return serial.Config{}, fmt.Errorf("no device: pass --device or a config file with a [[port]] entry")
	}
	cfg, ok := fileConf.Port(device)
	if !ok {
		cfg = serial.DefaultConfig(device)
	}
	if flags.BaudRate != 0 {
		cfg.BaudRate = flags.BaudRate
	}
	if flags.NoAvailable {
		cfg.NoAvailable = true
	}
	return cfg, cfg.Validate()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flags.ConfigFile, "config", "c", "", "TOML device config file")
	rootCmd.PersistentFlags().StringVarP(&flags.Device, "device", "d", "", "device path, e.g. /dev/ttyUSB0")
	rootCmd.PersistentFlags().IntVarP(&flags.BaudRate, "baud", "b", 0, "baud rate (default 115200)")
	rootCmd.PersistentFlags().BoolVar(&flags.NoAvailable, "no-available", false, "driver misreports queued input; use blind reads")
	rootCmd.PersistentFlags().BoolVarP(&flags.Quiet, "quiet", "q", false, "disable library logging")
	rootCmd.PersistentFlags().BoolVar(&flags.Debug, "debug", false, "log sent and received bytes")
	rootCmd.PersistentFlags().StringVar(&flags.MetricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")

	rootCmd.AddCommand(listCmd, listenCmd, requestCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
