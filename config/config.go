// Package config resolves caadm settings from puppet.conf.
//
// puppet.conf is an INI file. Settings are looked up in the [caadm],
// [server] (or its old name [master]) and [main] sections, in that order,
// before falling back to puppetserver's defaults. Values may refer to other
// settings as $name or ${name}.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"regexp"
	"strings"

	"github.com/go-viper/mapstructure/v2"
)

// DefaultPath is where puppet.conf lives on a puppetserver host.
const DefaultPath = "/etc/puppetlabs/puppet/puppet.conf"

// ErrSyntax is returned for lines puppet.conf cannot contain.
var ErrSyntax = errors.New("puppet.conf syntax error")

// Settings are the resolved values caadm uses.
type Settings struct {
	Confdir       string `mapstructure:"confdir"`
	SSLDir        string `mapstructure:"ssldir"`
	CADir         string `mapstructure:"cadir"`
	CACert        string `mapstructure:"cacert"`
	CAKey         string `mapstructure:"cakey"`
	CACRL         string `mapstructure:"cacrl"`
	CertInventory string `mapstructure:"cert_inventory"`
	SignedDir     string `mapstructure:"signeddir"`
	LocalCACert   string `mapstructure:"localcacert"`
	HostCert      string `mapstructure:"hostcert"`
	HostPrivKey   string `mapstructure:"hostprivkey"`
	Certname      string `mapstructure:"certname"`
	CAServer      string `mapstructure:"ca_server"`
	CAPort        int    `mapstructure:"ca_port"`

	PKCS11Module     string `mapstructure:"pkcs11_module"`
	PKCS11TokenLabel string `mapstructure:"pkcs11_token_label"`
	PKCS11PIN        string `mapstructure:"pkcs11_pin"`
	PKCS11KeyLabel   string `mapstructure:"pkcs11_key_label"`
}

// Defaults returns puppetserver's built-in settings.
func Defaults() map[string]string {
	certname := "localhost"
	if host, err := os.Hostname(); err == nil && host != "" {
		certname = strings.ToLower(host)
	}
	return map[string]string{
		"confdir":        "/etc/puppetlabs/puppet",
		"codedir":        "/etc/puppetlabs/code",
		"vardir":         "/opt/puppetlabs/puppet/cache",
		"logdir":         "/var/log/puppetlabs/puppet",
		"rundir":         "/var/run/puppetlabs",
		"ssldir":         "$confdir/ssl",
		"cadir":          "/etc/puppetlabs/puppetserver/ca",
		"cacert":         "$cadir/ca_crt.pem",
		"cakey":          "$cadir/ca_key.pem",
		"cacrl":          "$cadir/ca_crl.pem",
		"cert_inventory": "$cadir/inventory.txt",
		"signeddir":      "$cadir/signed",
		"localcacert":    "$ssldir/certs/ca.pem",
		"hostcert":       "$ssldir/certs/$certname.pem",
		"hostprivkey":    "$ssldir/private_keys/$certname.pem",
		"certname":       certname,
		"server":         "puppet",
		"ca_server":      "$server",
		"serverport":     "8140",
		"ca_port":        "$serverport",
	}
}

// settingKeys are the keys decoded into Settings. References in other
// settings are never expanded, so a stray $var elsewhere in puppet.conf is
// harmless.
var settingKeys = []string{
	"confdir", "ssldir", "cadir", "cacert", "cakey", "cacrl", "cert_inventory",
	"signeddir", "localcacert", "hostcert", "hostprivkey", "certname",
	"ca_server", "ca_port",
	"pkcs11_module", "pkcs11_token_label", "pkcs11_pin", "pkcs11_key_label",
}

// sectionPrecedence lists the sections consulted, strongest first.
var sectionPrecedence = []string{"caadm", "server", "master", "main"}

// Load reads puppet.conf at path and resolves the settings. A missing file
// yields the defaults.
func Load(path string) (*Settings, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return FromSections(nil, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	sections, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return FromSections(sections, nil)
}

// Parse reads INI sections from r. Keys outside any section belong to
// [main]. Trailing {owner=...} metadata on a value is dropped.
func Parse(r io.Reader) (map[string]map[string]string, error) {
	sections := map[string]map[string]string{"main": {}}
	current := "main"
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line[0] == '#' || line[0] == ';' {
			continue
		}
		if strings.HasPrefix(line, "[") {
			if !strings.HasSuffix(line, "]") {
				return nil, fmt.Errorf("%w: line %d: unterminated section header", ErrSyntax, lineNo)
			}
			current = strings.TrimSpace(line[1 : len(line)-1])
			if current == "" {
				return nil, fmt.Errorf("%w: line %d: empty section name", ErrSyntax, lineNo)
			}
			if sections[current] == nil {
				sections[current] = map[string]string{}
			}
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("%w: line %d: expected key = value", ErrSyntax, lineNo)
		}
		sections[current][key] = stripMetadata(strings.TrimSpace(value))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading puppet.conf: %w", err)
	}
	return sections, nil
}

var metadataPattern = regexp.MustCompile(`\s*\{[^{}]*\}$`)

func stripMetadata(value string) string {
	return metadataPattern.ReplaceAllString(value, "")
}

// FromSections merges sections over the defaults, applies overrides on top,
// and decodes the interpolated settings.
func FromSections(sections map[string]map[string]string, overrides map[string]string) (*Settings, error) {
	raw := Defaults()
	for i := len(sectionPrecedence) - 1; i >= 0; i-- {
		for k, v := range sections[sectionPrecedence[i]] {
			raw[k] = v
		}
	}
	for k, v := range overrides {
		raw[k] = v
	}

	resolved, err := Interpolate(raw, settingKeys...)
	if err != nil {
		return nil, err
	}

	var s Settings
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &s,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(resolved); err != nil {
		return nil, fmt.Errorf("decoding settings: %w", err)
	}
	return &s, nil
}

var varPattern = regexp.MustCompile(`\$(\{[a-z_][a-z0-9_]*\}|[a-z_][a-z0-9_]*)`)

// Interpolate expands $name and ${name} references. With no keys every
// value is expanded; otherwise only keys (and what they refer to) are, and
// keys missing from raw are skipped.
func Interpolate(raw map[string]string, keys ...string) (map[string]string, error) {
	out := make(map[string]string, len(raw))
	resolving := make(map[string]bool)

	var resolve func(key string) (string, error)
	resolve = func(key string) (string, error) {
		if v, ok := out[key]; ok {
			return v, nil
		}
		value, ok := raw[key]
		if !ok {
			return "", fmt.Errorf("undefined setting $%s", key)
		}
		if resolving[key] {
			return "", fmt.Errorf("reference cycle through $%s", key)
		}
		resolving[key] = true
		defer delete(resolving, key)

		var firstErr error
		expanded := varPattern.ReplaceAllStringFunc(value, func(ref string) string {
			name := strings.Trim(ref[1:], "{}")
			v, err := resolve(name)
			if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("%s: %w", key, err)
			}
			return v
		})
		if firstErr != nil {
			return "", firstErr
		}
		out[key] = expanded
		return expanded, nil
	}

	if len(keys) == 0 {
		for key := range raw {
			keys = append(keys, key)
		}
	}
	result := make(map[string]string, len(keys))
	for _, key := range keys {
		if _, ok := raw[key]; !ok {
			continue
		}
		v, err := resolve(key)
		if err != nil {
			return nil, err
		}
		result[key] = v
	}
	return result, nil
}
