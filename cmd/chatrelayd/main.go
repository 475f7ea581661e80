// Command chatrelayd runs the chat relay server.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/apolmos/chatrelay/pkg/server"
)

var version = "dev" // Set by build flags

func main() {
	var (
		configPath  = flag.String("config", "~/.chatrelay/server.toml", "Path to config file")
		tcpPort     = flag.Int("port", 0, "TCP port (overrides config)")
		httpPort    = flag.Int("http-port", -1, "HTTP port for WebSocket endpoint, 0 disables (overrides config)")
		sshPort     = flag.Int("ssh-port", -1, "SSH port, 0 disables (overrides config)")
		metricsPort = flag.Int("metrics-port", -1, "Metrics port, 0 disables (overrides config)")
		debug       = flag.Bool("debug", false, "Enable debug logging")
		showVersion = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("chatrelayd %s\n", version)
		return
	}

	tomlConfig, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	config := tomlConfig.ToServerConfig()

	// Flags beat config file and environment
	if *tcpPort > 0 {
		config.TCPPort = *tcpPort
	}
	if *httpPort >= 0 {
		config.WSPort = *httpPort
	}
	if *sshPort >= 0 {
		config.SSHPort = *sshPort
	}
	if *metricsPort >= 0 {
		config.MetricsPort = *metricsPort
	}

	srv, err := server.NewServer(config, *configPath)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	if *debug {
		srv.EnableDebugLogging()
	}

	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	log.Printf("chatrelayd %s ready (tcp=%d http=%d ssh=%d)", version, config.TCPPort, config.WSPort, config.SSHPort)

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan

	log.Printf("Received signal %v, shutting down...", sig)
	if err := srv.Stop(); err != nil {
		log.Printf("Shutdown error: %v", err)
		os.Exit(1)
	}
}
