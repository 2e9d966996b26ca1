package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"pearsync/internal/daemon"
	"pearsync/internal/xdg"
)

func main() {
	rootCmd := &cobra.Command{Use: "pearsyncd"}
	rootCmd.AddCommand(startCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(unwatchCmd())
	rootCmd.AddCommand(shutdownCmd())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "run the daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			logger := logrus.StandardLogger()
			d := daemon.New(logger)
			return d.Run(ctx)
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "print status of every watched workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			return callDaemon(map[string]string{"command": "status"})
		},
	}
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "print every configured workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			return callDaemon(map[string]string{"command": "list"})
		},
	}
}

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <path>",
		Short: "start watching a configured workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			abs, err := absPath(args[0])
			if err != nil {
				return err
			}
			return callDaemon(map[string]string{"command": "watch", "workspace": abs})
		},
	}
}

func unwatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unwatch <path>",
		Short: "stop watching a workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			abs, err := absPath(args[0])
			if err != nil {
				return err
			}
			return callDaemon(map[string]string{"command": "unwatch", "workspace": abs})
		},
	}
}

func shutdownCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shutdown",
		Short: "stop the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return callDaemon(map[string]string{"command": "shutdown"})
		},
	}
}

func absPath(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("pearsyncd: empty path")
	}
	return filepath.Abs(p)
}

// callDaemon dials the daemon's Unix socket, sends req as one JSON line,
// and prints the single JSON-line response it gets back.
func callDaemon(req map[string]string) error {
	conn, err := net.Dial("unix", xdg.SocketPath())
	if err != nil {
		return fmt.Errorf("pearsyncd: connect to daemon: %w (is it running?)", err)
	}
	defer conn.Close()

	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	if _, err := conn.Write(append(body, '\n')); err != nil {
		return fmt.Errorf("pearsyncd: write request: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("pearsyncd: read response: %w", err)
		}
		return fmt.Errorf("pearsyncd: daemon closed connection without a response")
	}

	var pretty map[string]any
	if err := json.Unmarshal(scanner.Bytes(), &pretty); err != nil {
		fmt.Println(scanner.Text())
		return nil
	}
	out, _ := json.MarshalIndent(pretty, "", "  ")
	fmt.Println(string(out))
	return nil
}
