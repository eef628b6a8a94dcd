package nats

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const readyTimeout = 10 * time.Second

// Server connects to a NATS server, spawning a local one with JetStream
// when nothing is listening at the configured URL
type Server struct {
	binPath   string
	storeDir  string
	url       string
	cmd       *exec.Cmd
	nc        *nats.Conn
	js        jetstream.JetStream
	mu        sync.Mutex
	isRunning bool
}

// ServerConfig holds configuration for the NATS server
type ServerConfig struct {
	BinPath  string // nats-server binary, looked up on PATH when not absolute
	StoreDir string
	URL      string
}

// NewServer creates a new NATS server manager
func NewServer(cfg ServerConfig) (*Server, error) {
	if _, _, err := parseNatsURL(cfg.URL); err != nil {
		return nil, err
	}
	return &Server{
		binPath:  cfg.BinPath,
		storeDir: cfg.StoreDir,
		url:      cfg.URL,
	}, nil
}

// Start connects to NATS, spawning nats-server first if needed
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		return nil
	}

	if s.isReachable() {
		log.Printf("NATS server already running at %s", s.url)
		if err := s.connect(); err != nil {
			return err
		}
		s.isRunning = true
		return nil
	}

	binPath, err := exec.LookPath(s.binPath)
	if err != nil {
		return fmt.Errorf("NATS not reachable at %s and %q not found: %w", s.url, s.binPath, err)
	}

	absStoreDir, err := filepath.Abs(s.storeDir)
	if err != nil {
		return fmt.Errorf("failed to get absolute path for store dir: %w", err)
	}

	if err := os.MkdirAll(absStoreDir, 0755); err != nil {
		return fmt.Errorf("failed to create store directory: %w", err)
	}

	host, port, err := parseNatsURL(s.url)
	if err != nil {
		return fmt.Errorf("failed to parse NATS URL: %w", err)
	}

	s.cmd = exec.CommandContext(ctx, binPath,
		"-js",
		"-sd", absStoreDir,
		"-a", host,
		"-p", port,
	)
	s.cmd.Stdout = os.Stdout
	s.cmd.Stderr = os.Stderr

	if err := s.cmd.Start(); err != nil {
		return fmt.Errorf("failed to start NATS server: %w", err)
	}

	if err := s.waitReady(ctx); err != nil {
		s.kill()
		return err
	}

	if err := s.connect(); err != nil {
		s.kill()
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}

	s.isRunning = true
	log.Printf("NATS server started at %s with JetStream enabled", s.url)
	return nil
}

func (s *Server) waitReady(ctx context.Context) error {
	deadline := time.NewTimer(readyTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()

	for {
		if s.isReachable() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("NATS server did not become ready within %v", readyTimeout)
		case <-tick.C:
		}
	}
}

// Stop closes the connection and stops a spawned server
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isRunning {
		return nil
	}

	if s.nc != nil {
		if err := s.nc.Drain(); err != nil {
			s.nc.Close()
		}
		s.nc = nil
	}

	s.kill()
	s.js = nil
	s.isRunning = false

	log.Println("NATS connection closed")
	return nil
}

func (s *Server) kill() {
	if s.cmd == nil || s.cmd.Process == nil {
		s.cmd = nil
		return
	}
	if err := s.cmd.Process.Kill(); err != nil {
		log.Printf("Warning: failed to kill NATS process: %v", err)
	}
	if err := s.cmd.Wait(); err != nil {
		log.Printf("Warning: failed to wait for NATS process: %v", err)
	}
	s.cmd = nil
}

// IsRunning returns true if the connection is up
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isRunning
}

// GetConnection returns the NATS connection
func (s *Server) GetConnection() *nats.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nc
}

// GetJetStream returns the JetStream context
func (s *Server) GetJetStream() jetstream.JetStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.js
}

func (s *Server) isReachable() bool {
	host, port, err := parseNatsURL(s.url)
	if err != nil {
		return false
	}

	conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, port), 2*time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func (s *Server) connect() error {
	nc, err := nats.Connect(s.url, nats.Name("callrepro"))
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	s.nc = nc
	s.js = js
	return nil
}

func parseNatsURL(natsURL string) (host, port string, err error) {
	addr := strings.TrimPrefix(natsURL, "nats://")

	host, port, err = net.SplitHostPort(addr)
	if err != nil || host == "" || port == "" {
		return "", "", fmt.Errorf("invalid NATS URL format: %s", natsURL)
	}
	return host, port, nil
}
