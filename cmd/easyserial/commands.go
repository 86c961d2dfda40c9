package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	serial "github.com/luhtfiimanal/go-easyserial"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List serial devices",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		devs := serial.ListDevices()
		if len(devs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no serial devices found")
			return nil
		}
		for _, d := range devs {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", d.Path, d.Driver)
		}
		return nil
	},
}

var (
	listenStart      string
	listenTerminator string
	listenHex        bool
)

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Print framed messages from a device until interrupted",
	Long: `listen keeps the device open and prints every message framed by --start
and --terminator. Without --terminator raw chunks are printed as hex.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := deviceConfig()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		out := cmd.OutOrStdout()

		if listenTerminator == "" {
			port, err := serial.OpenKeepReceive[[]byte](registry, cfg)
			if err != nil {
				return err
			}
			if _, err := port.AddSubscriberFunc(func(b []byte) {
				fmt.Fprintf(out, "% X\n", b)
			}); err != nil {
				return err
			}
			<-ctx.Done()
			return nil
		}

		port, err := serial.OpenKeepReceive[string](registry, cfg)
		if err != nil {
			return err
		}
		enc := serial.EncodingText
		if listenHex {
			enc = serial.EncodingHex
		}
		port.SetDecoder(serial.NewPatternDecoder(unescape(listenStart), unescape(listenTerminator), serial.WithEncoding(enc)))
		if _, err := port.AddSubscriberFunc(func(msg string) {
			fmt.Fprintf(out, "%q\n", msg)
		}); err != nil {
			return err
		}
		<-ctx.Done()
		return nil
	},
}

var (
	requestTimeout  time.Duration
	requestCapacity int
	requestHex      bool
)

var requestCmd = &cobra.Command{
	Use:   "request <payload>...",
	Short: "Send requests and print each reply",
	Long: `request writes each payload in turn and prints whatever the device sends
back within --timeout. Payloads are text with \r \n \t escapes, or hex with --hex.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := deviceConfig()
		if err != nil {
			return err
		}
		reqs := make([][]byte, 0, len(args))
		for _, a := range args {
			b, err := parsePayload(a, requestHex)
			if err != nil {
				return err
			}
			reqs = append(reqs, b)
		}

		port, err := serial.OpenWaitResponse(registry, cfg)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		resps, err := port.WriteAllWaitRsp(ctx, reqs,
			serial.WithTimeout(requestTimeout), serial.WithCapacity(requestCapacity))
		for i, r := range resps {
			fmt.Fprintf(cmd.OutOrStdout(), "%d\t%d\t% X\n", i, r.Size, r.Bytes())
		}
		return err
	},
}

func parsePayload(s string, isHex bool) ([]byte, error) {
	if !isHex {
		return []byte(unescape(s)), nil
	}
	s = strings.NewReplacer(" ", "", ":", "").Replace(s)
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("payload %q: %w", s, err)
	}
	return b, nil
}

func unescape(s string) string {
	return strings.NewReplacer(`\r`, "\r", `\n`, "\n", `\t`, "\t").Replace(s)
}

func init() {
	listenCmd.Flags().StringVar(&listenStart, "start", "", "start marker of a message")
	listenCmd.Flags().StringVar(&listenTerminator, "terminator", "", `end marker of a message, e.g. "\r\n"`)
	listenCmd.Flags().BoolVar(&listenHex, "hex", false, "match markers against upper-case hex of the input")

	requestCmd.Flags().DurationVarP(&requestTimeout, "timeout", "t", serial.DefaultResponseTimeout, "reply collection window")
	requestCmd.Flags().IntVar(&requestCapacity, "capacity", 0, "max reply bytes (default: max read size)")
	requestCmd.Flags().BoolVar(&requestHex, "hex", false, "payloads are hex")
}
