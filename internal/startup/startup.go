// Package startup runs preflight diagnostics before the responder serves
// traffic.
package startup

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"nids-responder/internal/config"
)

// Result is the outcome of one diagnostic check.
type Result struct {
	Name    string
	Status  Status
	Message string
	Details map[string]string
}

// Status represents the status of a diagnostic check.
type Status int

const (
	StatusOK Status = iota
	StatusWarning
	StatusError
	StatusSkipped
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusWarning:
		return "WARNING"
	case StatusError:
		return "ERROR"
	case StatusSkipped:
		return "SKIPPED"
	default:
		return "UNKNOWN"
	}
}

// Dialer opens the TCP connections used by reachability checks.
type Dialer func(ctx context.Context, network, address string) (net.Conn, error)

// Diagnostics runs the preflight checks for one configuration.
type Diagnostics struct {
	cfg         *config.Config
	configPath  string
	dial        Dialer
	dialTimeout time.Duration
	checkPorts  bool
	results     []Result
	logger      *slog.Logger
}

// NewDiagnostics creates a diagnostics runner for cfg, loaded from
// configPath.
func NewDiagnostics(cfg *config.Config, configPath string, logger *slog.Logger) *Diagnostics {
	if logger == nil {
		logger = slog.Default()
	}
	var d net.Dialer
	return &Diagnostics{
		cfg:         cfg,
		configPath:  configPath,
		dial:        d.DialContext,
		dialTimeout: 5 * time.Second,
		checkPorts:  true,
		logger:      logger,
	}
}

// WithDialer replaces the dialer used for backend reachability.
func (d *Diagnostics) WithDialer(dial Dialer) *Diagnostics {
	d.dial = dial
	return d
}

// WithoutPortChecks skips the listen-port probes. Used when the ports are
// already bound by the caller.
func (d *Diagnostics) WithoutPortChecks() *Diagnostics {
	d.checkPorts = false
	return d
}

// RunAll runs every check and returns the results in order.
func (d *Diagnostics) RunAll(ctx context.Context) []Result {
	d.results = nil

	d.checkRuntime()
	d.checkConfigFile()
	d.checkDirectories()
	if d.checkPorts {
		d.checkListenPorts()
	}
	d.checkSecurity()
	d.checkBackends(ctx)

	d.logSummary()
	return d.results
}

// Results returns the results of the last run.
func (d *Diagnostics) Results() []Result {
	return d.results
}

// HasErrors reports whether any check failed.
func (d *Diagnostics) HasErrors() bool {
	return d.has(StatusError)
}

// HasWarnings reports whether any check warned.
func (d *Diagnostics) HasWarnings() bool {
	return d.has(StatusWarning)
}

func (d *Diagnostics) has(status Status) bool {
	for _, r := range d.results {
		if r.Status == status {
			return true
		}
	}
	return false
}

func (d *Diagnostics) add(r Result) {
	d.results = append(d.results, r)

	attrs := []any{"check", r.Name, "status", r.Status.String()}
	if r.Message != "" {
		attrs = append(attrs, "message", r.Message)
	}
	for k, v := range r.Details {
		attrs = append(attrs, k, v)
	}

	switch r.Status {
	case StatusOK:
		d.logger.Debug("diagnostic check passed", attrs...)
	case StatusWarning:
		d.logger.Warn("diagnostic check warning", attrs...)
	case StatusError:
		d.logger.Error("diagnostic check failed", attrs...)
	case StatusSkipped:
		d.logger.Debug("diagnostic check skipped", attrs...)
	}
}

func (d *Diagnostics) checkRuntime() {
	d.add(Result{
		Name:   "runtime",
		Status: StatusOK,
		Details: map[string]string{
			"go_version": runtime.Version(),
			"os":         runtime.GOOS,
			"arch":       runtime.GOARCH,
			"cpus":       strconv.Itoa(runtime.NumCPU()),
		},
	})
}

func (d *Diagnostics) checkConfigFile() {
	if d.configPath == "" {
		d.add(Result{Name: "config_file", Status: StatusSkipped, Message: "no config file given"})
		return
	}
	if _, err := os.Stat(d.configPath); os.IsNotExist(err) {
		d.add(Result{
			Name:    "config_file",
			Status:  StatusWarning,
			Message: "config file not found, using defaults",
			Details: map[string]string{"path": d.configPath},
		})
		return
	}
	d.add(Result{Name: "config_file", Status: StatusOK, Details: map[string]string{"path": d.configPath}})
}

// checkDirectories creates the parent directories of every file the
// responder writes and confirms they accept writes.
func (d *Diagnostics) checkDirectories() {
	type dir struct {
		name string
		path string
	}
	dirs := []dir{{"audit", d.cfg.Audit.Dir}}
	if d.cfg.EventStore.Backend == config.EventStoreCSV {
		dirs = append(dirs, dir{"eventstore", filepath.Dir(d.cfg.EventStore.CSVPath)})
	}
	if d.cfg.HardBlocks.Backend == config.HardBlocksFile {
		dirs = append(dirs, dir{"hard_blocks", filepath.Dir(d.cfg.HardBlocks.Path)})
	}

	for _, dd := range dirs {
		name := "directory_" + dd.name
		if err := ensureWritable(dd.path); err != nil {
			d.add(Result{Name: name, Status: StatusError, Message: err.Error(), Details: map[string]string{"path": dd.path}})
			continue
		}
		d.add(Result{Name: name, Status: StatusOK, Details: map[string]string{"path": dd.path}})
	}
}

func ensureWritable(dir string) error {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	f, err := os.CreateTemp(dir, ".preflight-*")
	if err != nil {
		return fmt.Errorf("directory is not writable: %w", err)
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

func (d *Diagnostics) checkListenPorts() {
	ports := []struct {
		name    string
		address string
	}{
		{"http", fmt.Sprintf(":%d", d.cfg.Server.HTTPPort)},
	}
	if d.cfg.Ingest.TCP.Enabled {
		ports = append(ports, struct {
			name    string
			address string
		}{"tcp_ingest", d.cfg.Ingest.TCP.Address})
	}

	for _, p := range ports {
		name := "port_" + p.name
		ln, err := net.Listen("tcp", p.address)
		if err != nil {
			d.add(Result{
				Name:    name,
				Status:  StatusError,
				Message: fmt.Sprintf("%s is not available: %v", p.address, err),
			})
			continue
		}
		ln.Close()
		d.add(Result{Name: name, Status: StatusOK, Details: map[string]string{"address": p.address}})
	}
}

func (d *Diagnostics) checkSecurity() {
	if d.cfg.Auth.Enabled {
		d.add(Result{Name: "auth", Status: StatusOK, Details: map[string]string{"keys": strconv.Itoa(len(d.cfg.Auth.APIKeyHashes))}})
	} else {
		d.add(Result{Name: "auth", Status: StatusWarning, Message: "API authentication is disabled"})
	}

	if tcp := d.cfg.Ingest.TCP; tcp.Enabled {
		switch {
		case !tcp.TLSEnabled:
			d.add(Result{Name: "tcp_ingest_tls", Status: StatusWarning, Message: "detection stream accepts plaintext connections"})
		case !fileExists(tcp.TLSCertFile) || !fileExists(tcp.TLSKeyFile):
			d.add(Result{
				Name:    "tcp_ingest_tls",
				Status:  StatusError,
				Message: "TLS enabled but certificate files missing",
				Details: map[string]string{"cert_file": tcp.TLSCertFile, "key_file": tcp.TLSKeyFile},
			})
		default:
			d.add(Result{Name: "tcp_ingest_tls", Status: StatusOK})
		}
	}

	if d.cfg.RateLimit.Enabled {
		d.add(Result{Name: "rate_limit", Status: StatusOK, Details: map[string]string{
			"requests_per_ip": strconv.Itoa(d.cfg.RateLimit.RequestsPerIP),
			"window":          d.cfg.RateLimit.WindowSize.String(),
		}})
	} else {
		d.add(Result{Name: "rate_limit", Status: StatusWarning, Message: "rate limiting is disabled"})
	}

	if d.cfg.Server.ProductionMode && !d.cfg.SecurityHeaders.Enabled {
		d.add(Result{Name: "security_headers", Status: StatusWarning, Message: "security headers are disabled in production mode"})
	}
}

// checkBackends dials each configured network dependency.
func (d *Diagnostics) checkBackends(ctx context.Context) {
	type backend struct {
		name    string
		enabled bool
		hosts   []string
	}
	backends := []backend{
		{"clickhouse", d.cfg.EventStore.Backend == config.EventStoreClickHouse, d.cfg.ClickHouse.Hosts},
		{"redis", d.cfg.HardBlocks.Backend == config.HardBlocksRedis, []string{d.cfg.HardBlocks.Redis.Addr}},
		{"kafka", d.cfg.Kafka.IngestEnabled || d.cfg.Kafka.NotifyEnabled, d.cfg.Kafka.Brokers},
	}

	for _, b := range backends {
		name := b.name + "_connectivity"
		if !b.enabled {
			d.add(Result{Name: name, Status: StatusSkipped, Message: "not configured"})
			continue
		}
		if len(b.hosts) == 0 {
			d.add(Result{Name: name, Status: StatusError, Message: "no hosts configured"})
			continue
		}

		host := b.hosts[0]
		dctx, cancel := context.WithTimeout(ctx, d.dialTimeout)
		conn, err := d.dial(dctx, "tcp", host)
		cancel()
		if err != nil {
			d.add(Result{
				Name:    name,
				Status:  StatusError,
				Message: fmt.Sprintf("cannot reach %s: %v", b.name, err),
				Details: map[string]string{"host": host},
			})
			continue
		}
		conn.Close()
		d.add(Result{Name: name, Status: StatusOK, Details: map[string]string{"host": host}})
	}
}

func (d *Diagnostics) logSummary() {
	counts := make(map[Status]int)
	for _, r := range d.results {
		counts[r.Status]++
	}

	d.logger.Info("startup diagnostics complete",
		"passed", counts[StatusOK],
		"warnings", counts[StatusWarning],
		"errors", counts[StatusError],
		"skipped", counts[StatusSkipped],
	)
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}
