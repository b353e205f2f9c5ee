// Package httpca talks to the puppetserver CA REST API. It is used to make
// sure the CA service is stopped before caadm edits CA files, and to revoke
// and list certificates while it runs.
package httpca

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/hashicorp/go-rootcerts"

	"github.com/jmcleod/caadm/config"
)

const (
	statusPath       = "/status/v1/simple/ca"
	certStatusPath   = "/puppet-ca/v1/certificate_status/"
	certStatusesPath = "/puppet-ca/v1/certificate_statuses/any_key"

	defaultProbeTimeout = 5 * time.Second
	defaultTimeout      = 30 * time.Second
	defaultRetryMax     = 3
	defaultRetryWaitMin = 250 * time.Millisecond
	defaultRetryWaitMax = 2 * time.Second

	maxStatusBody = 512
)

var (
	// ErrNotFound is returned when the CA has no certificate for a name.
	ErrNotFound = errors.New("certificate not found on the CA")

	// ErrUnexpectedStatus is returned for responses the API does not document.
	ErrUnexpectedStatus = errors.New("unexpected response from the CA")
)

// Options configures a Client.
type Options struct {
	Server string
	Port   int

	// CACertFile verifies the CA service. When empty the system roots are
	// used.
	CACertFile string
	// CertFile and KeyFile authenticate caadm to the CA. They are used only
	// when both files exist.
	CertFile string
	KeyFile  string

	Logger *slog.Logger

	ProbeTimeout time.Duration
	Timeout      time.Duration
	RetryMax     int
}

// OptionsFromSettings builds Options from puppet.conf settings.
func OptionsFromSettings(s *config.Settings) Options {
	return Options{
		Server:     s.CAServer,
		Port:       s.CAPort,
		CACertFile: s.LocalCACert,
		CertFile:   s.HostCert,
		KeyFile:    s.HostPrivKey,
	}
}

// Client is a puppetserver CA API client.
type Client struct {
	base   *url.URL
	probe  *http.Client
	api    *retryablehttp.Client
	logger *slog.Logger
}

// New builds a Client. Nothing is sent until a method is called.
func New(opts Options) (*Client, error) {
	if opts.Server == "" {
		return nil, errors.New("CA server is not set")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = defaultProbeTimeout
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.RetryMax < 0 {
		opts.RetryMax = 0
	} else if opts.RetryMax == 0 {
		opts.RetryMax = defaultRetryMax
	}

	tlsConfig, err := newTLSConfig(opts)
	if err != nil {
		return nil, err
	}

	probeTransport := cleanhttp.DefaultTransport()
	probeTransport.TLSClientConfig = tlsConfig.Clone()

	apiTransport := cleanhttp.DefaultPooledTransport()
	apiTransport.TLSClientConfig = tlsConfig

	api := &retryablehttp.Client{
		HTTPClient:   &http.Client{Transport: apiTransport, Timeout: opts.Timeout},
		Logger:       opts.Logger,
		RetryWaitMin: defaultRetryWaitMin,
		RetryWaitMax: defaultRetryWaitMax,
		RetryMax:     opts.RetryMax,
		CheckRetry:   retryablehttp.DefaultRetryPolicy,
		Backoff:      retryablehttp.DefaultBackoff,
	}

	port := opts.Port
	if port == 0 {
		port = 8140
	}
	return &Client{
		base:   &url.URL{Scheme: "https", Host: net.JoinHostPort(opts.Server, strconv.Itoa(port))},
		probe:  &http.Client{Transport: probeTransport, Timeout: opts.ProbeTimeout},
		api:    api,
		logger: opts.Logger,
	}, nil
}

func newTLSConfig(opts Options) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	var caConfig *rootcerts.Config
	if opts.CACertFile != "" && fileExists(opts.CACertFile) {
		caConfig = &rootcerts.Config{CAFile: opts.CACertFile}
	}
	// Falls back to the system roots when no CA file is given.
	if err := rootcerts.ConfigureTLS(tlsConfig, caConfig); err != nil {
		return nil, fmt.Errorf("loading CA certificate: %w", err)
	}

	if fileExists(opts.CertFile) && fileExists(opts.KeyFile) {
		cert, err := tls.LoadX509KeyPair(opts.CertFile, opts.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	fi, err := os.Stat(path)
	return err == nil && !fi.IsDir()
}

func (c *Client) endpoint(path string) string {
	u := *c.base
	u.Path = path
	return u.String()
}

// Online sends one unretried request to the CA status endpoint. Only a
// refused connection means the service is offline. Any HTTP response means
// it is running, whatever state the body reports: a CA that is starting or
// stopping may still write CA files. Every other failure, such as a DNS
// lookup, timeout or TLS handshake error, is returned because it says
// nothing about whether the CA is up.
func (c *Client) Online(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(statusPath), nil)
	if err != nil {
		return false, err
	}
	resp, err := c.probe.Do(req)
	if err != nil {
		if errors.Is(err, syscall.ECONNREFUSED) {
			c.logger.Debug("CA service refused the connection", "url", req.URL.String(), "error", err)
			return false, nil
		}
		return false, fmt.Errorf("probing %s: %w", req.URL, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxStatusBody))
	io.Copy(io.Discard, resp.Body)
	c.logger.Debug("CA service answered", "url", req.URL.String(),
		"status", resp.StatusCode, "state", strings.TrimSpace(string(body)))
	return true, nil
}

// Revoke asks the CA to revoke certname's certificate.
func (c *Client) Revoke(ctx context.Context, certname string) error {
	body, err := json.Marshal(map[string]string{"desired_state": "revoked"})
	if err != nil {
		return err
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPut,
		c.endpoint(certStatusPath+url.PathEscape(certname)), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.api.Do(req)
	if err != nil {
		return fmt.Errorf("revoking %s: %w", certname, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		return nil
	case http.StatusNotFound:
		return fmt.Errorf("%s: %w", certname, ErrNotFound)
	}
	return unexpected(resp)
}

// CertStatus is one entry of the certificate_statuses listing.
type CertStatus struct {
	Name         string      `json:"name"`
	State        string      `json:"state"`
	Fingerprint  string      `json:"fingerprint"`
	SerialNumber json.Number `json:"serial_number"`
	NotBefore    string      `json:"not_before"`
	NotAfter     string      `json:"not_after"`
	DNSAltNames  []string    `json:"dns_alt_names"`
}

// Statuses lists every certificate and request the CA knows about.
func (c *Client) Statuses(ctx context.Context) ([]CertStatus, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(certStatusesPath), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.api.Do(req)
	if err != nil {
		return nil, fmt.Errorf("listing certificates: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, unexpected(resp)
	}

	var statuses []CertStatus
	if err := json.NewDecoder(resp.Body).Decode(&statuses); err != nil {
		return nil, fmt.Errorf("decoding certificate statuses: %w", err)
	}
	return statuses, nil
}

func unexpected(resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("%w: %s %s: %s: %s", ErrUnexpectedStatus,
		resp.Request.Method, resp.Request.URL.Path, resp.Status, bytes.TrimSpace(msg))
}
