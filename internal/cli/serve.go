package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ppiankov/fsh/internal/server"
)

var (
	serveHost string
	servePort int
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Listen address (overrides config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Listen port (overrides config)")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the fsh server",
	Long:  "Loads the configuration, canonicalizes the folder registry, and serves the fsh protocol until interrupted. Configuration is read once at startup; edit the file and restart to apply changes.",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveHost != "" {
		cfg.Server.Host = serveHost
	}
	if servePort != 0 {
		cfg.Server.Port = servePort
	}
	if len(cfg.Folders) == 0 {
		return fmt.Errorf("no folders configured; run `fsh folder add` first")
	}

	srv, err := server.New(cfg)
	if err != nil {
		return fmt.Errorf("start server: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nShutting down...")
		srv.Close()
	}()

	return srv.Serve()
}
