package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/mdp/qrterminal/v3"
	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"

	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/internal/state"
)

func newCreateSlotCmd(flags *globalFlags) *cobra.Command {
	var owner, name string
	cmd := &cobra.Command{
		Use:   "create-slot",
		Short: "Create a connection slot for an owner",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := flags.load()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.close()

			conn, err := a.bridge.CreateConnection(cmd.Context(), owner, name)
			if err != nil {
				return err
			}
			return printJSON(conn)
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "Owner of the connection (required)")
	cmd.Flags().StringVar(&name, "name", "", "Display name")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func newConnectCmd(flags *globalFlags) *cobra.Command {
	var (
		timeout time.Duration
		qrFile  string
	)
	cmd := &cobra.Command{
		Use:   "connect <connection-id>",
		Short: "Pair a connection from the terminal",
		Long: `Opens the connection and prints each pairing QR code until the phone
scans one. Stop the serve process first; both would share the session
directory.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id <= 0 {
				return fmt.Errorf("invalid connection id %q", args[0])
			}
			cfg, logger, err := flags.load()
			if err != nil {
				return err
			}
			if qrFile == "" {
				qrFile = filepath.Join(cfg.DataDir, "qrcode.png")
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			ctx, cancelTimeout := context.WithTimeout(ctx, timeout)
			defer cancelTimeout()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.close()

			if _, err := a.bridge.Connect(ctx, id); err != nil {
				return err
			}
			return waitForPairing(ctx, a, id, qrFile)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "How long to wait for the scan")
	cmd.Flags().StringVar(&qrFile, "qr-file", "", "Where to save the QR code image (default <data_dir>/qrcode.png)")
	return cmd
}

// waitForPairing polls the connection, showing every new challenge, until it
// is connected or ctx ends.
func waitForPairing(ctx context.Context, a *app, id int64, qrFile string) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var shown string
	for {
		st, err := a.bridge.Status(ctx, id)
		if err != nil {
			return err
		}
		switch {
		case st.State == state.StateConnected:
			fmt.Fprintf(os.Stderr, "Connected as %s\n", st.Address)
			return nil
		case st.Challenge != nil && st.Challenge.Code != shown:
			shown = st.Challenge.Code
			showQR(shown, qrFile, a)
		case st.State == state.StateDisconnected:
			return fmt.Errorf("connection %d closed before pairing", id)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("pairing not completed: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

func showQR(code, qrFile string, a *app) {
	// Save QR code as PNG image file
	if err := qrcode.WriteFile(code, qrcode.Medium, 256, qrFile); err == nil {
		a.log.Info("QR code saved to file - open this file to scan", "path", qrFile)
	} else {
		a.log.Error("Failed to save QR code to file", "error", err)
	}
	fmt.Fprintln(os.Stderr, "╔══════════════════════════════════════════╗")
	fmt.Fprintln(os.Stderr, "║  Scan this QR code with WhatsApp Mobile  ║")
	fmt.Fprintln(os.Stderr, "╚══════════════════════════════════════════╝")
	qrterminal.GenerateHalfBlock(code, qrterminal.L, os.Stderr)
	fmt.Fprintln(os.Stderr, "")
}

func newSeedAICmd(flags *globalFlags) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "seed-ai",
		Short: "Load the automated-reply persona from a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := flags.load()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.close()

			aiCfg, err := a.bridge.SeedAIConfig(cmd.Context(), file)
			if err != nil {
				return err
			}
			return printJSON(aiCfg)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "Persona file (required)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
