// streamctl is the control-plane harness for the streaming engine: `serve`
// runs a headless player behind an HTTP API, and the client subcommands
// (load, seek, rate, stats, tracks) drive a running server.
//
// The serve path wires config -> logger -> components -> router, then
// shuts down gracefully on signal.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"

	"adaptivecore/internal/config"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	config.SetDefaults(v)

	root := &cobra.Command{
		Use:           "streamctl",
		Short:         "adaptive streaming engine control plane",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "path to a YAML config file")
	root.PersistentFlags().String("server", "http://localhost:8080", "address of a running streamctl serve instance")
	config.BindFlags(v, root.PersistentFlags())

	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if path, _ := cmd.Flags().GetString("config"); path != "" {
			v.SetConfigFile(path)
		}
		return nil
	}

	root.AddCommand(
		newServeCmd(v),
		newConfigCmd(v),
		newLoadCmd(),
		newUnloadCmd(),
		newSeekCmd(),
		newRateCmd(),
		newStatsCmd(),
		newTracksCmd(),
	)
	return root
}

// newConfigCmd prints the effective configuration after defaults, file, and
// flag layering, as YAML suitable for --config.
func newConfigCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "print the effective configuration as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			return config.Write(cfg, cmd.OutOrStdout())
		},
	}
}

func newLoadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "load <manifest-uri>",
		Short: "load a DASH or HLS manifest on the server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return postJSON(cmd, "/api/load", map[string]string{"uri": args[0]})
		},
	}
}

func newUnloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unload",
		Short: "unload the current presentation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return postJSON(cmd, "/api/unload", nil)
		},
	}
}

func newSeekCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seek <seconds>",
		Short: "seek the play head",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := strconv.ParseFloat(args[0], 64)
			if err != nil {
				return fmt.Errorf("invalid seek target %q: %w", args[0], err)
			}
			return postJSON(cmd, "/api/seek", map[string]float64{"time": target})
		},
	}
}

func newRateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rate <rate>",
		Short: "set the playback rate (trick play)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rate, err := strconv.ParseFloat(args[0], 64)
			if err != nil {
				return fmt.Errorf("invalid rate %q: %w", args[0], err)
			}
			return postJSON(cmd, "/api/rate", map[string]float64{"rate": rate})
		},
	}
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "print playback statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return getJSON(cmd, "/api/stats")
		},
	}
}

func newTracksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tracks",
		Short: "list variant and text tracks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return getJSON(cmd, "/api/tracks")
		},
	}
}

func serverAddr(cmd *cobra.Command) string {
	addr, _ := cmd.Flags().GetString("server")
	return addr
}

func postJSON(cmd *cobra.Command, path string, body any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	resp, err := http.Post(serverAddr(cmd)+path, "application/json", &buf)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return printResponse(cmd, resp)
}

func getJSON(cmd *cobra.Command, path string) error {
	resp, err := http.Get(serverAddr(cmd) + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return printResponse(cmd, resp)
}

func printResponse(cmd *cobra.Command, resp *http.Response) error {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("server returned %s: %s", resp.Status, bytes.TrimSpace(data))
	}
	if len(bytes.TrimSpace(data)) > 0 {
		fmt.Fprintln(cmd.OutOrStdout(), string(bytes.TrimSpace(data)))
	}
	return nil
}
