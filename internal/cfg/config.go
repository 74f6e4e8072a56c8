package cfg

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/chunkreader/v2"
	"github.com/jackc/pgpassfile"
	"github.com/jackc/pgproto3/v2"
	"github.com/jackc/pgservicefile"
)

// DialFunc is a function that can be used to connect to a PostgreSQL server.
type DialFunc func(network, addr string) (net.Conn, error)

// BuildFrontendFunc is a function that can be used to create the Frontend
// implementation for a connection.
type BuildFrontendFunc func(r io.Reader, w io.Writer) *pgproto3.Frontend

// LookupFunc is a function that can be used to lookup IP addrs from host.
type LookupFunc func(ctx context.Context, host string) (addrs []string, err error)

const minReadBufferSize = 8192

// Config is the settings used to establish a connection to a PostgreSQL
// server. Populate it with ParseConfig.
type Config struct {
	Host           string // host (e.g. localhost) or absolute path to unix domain socket directory (e.g. /private/tmp)
	Port           uint16
	Database       string
	User           string
	Password       string
	TLSConfig      *tls.Config // nil disables TLS
	ConnectTimeout time.Duration
	DialFunc       DialFunc
	LookupFunc     LookupFunc
	BuildFrontend  BuildFrontendFunc
	RuntimeParams  map[string]string // run-time parameters to set on connection as session default values (e.g. search_path or application_name)

	// Fallbacks are alternative host/TLS combinations tried in order when the
	// primary settings fail to establish a connection.
	Fallbacks []*FallbackConfig

	Logger   Logger
	LogLevel LogLevel

	parsed bool
}

// FallbackConfig is additional settings to attempt a connection with when the
// primary Config fails to establish a network connection. It is used for TLS
// fallback such as sslmode=prefer and multi-host connection strings.
type FallbackConfig struct {
	Host      string
	Port      uint16
	TLSConfig *tls.Config // nil disables TLS
}

// Parsed reports whether the config was populated by ParseConfig.
func (c *Config) Parsed() bool { return c.parsed }

// NetworkAddress converts a PostgreSQL host and port into network and address
// suitable for use with net.Dial.
func NetworkAddress(host string, port uint16) (network, address string) {
	if strings.HasPrefix(host, "/") {
		network = "unix"
		address = filepath.Join(host, ".s.PGSQL.") + strconv.FormatInt(int64(port), 10)
	} else {
		network = "tcp"
		address = net.JoinHostPort(host, strconv.Itoa(int(port)))
	}
	return network, address
}

// ParseConfig builds the Config from a connection string, either a URL
// (postgres://...) or a keyword/value DSN (host=... user=...), layered over
// libpq-compatible environment variables, pgpass and service files.
func (c *Config) ParseConfig(connString string) error {
	settings := defaultSettings()
	mergeSettings(settings, envSettings())

	var connSettings map[string]string
	if connString != "" {
		var err error
		if strings.HasPrefix(connString, "postgres://") || strings.HasPrefix(connString, "postgresql://") {
			connSettings, err = parseURLSettings(connString)
			if err != nil {
				return &parseConfigError{connString: connString, msg: "failed to parse as URL", err: err}
			}
		} else {
			connSettings, err = parseDSNSettings(connString)
			if err != nil {
				return &parseConfigError{connString: connString, msg: "failed to parse as DSN", err: err}
			}
		}
	}

	if service, ok := connSettings["service"]; ok || settings["service"] != "" {
		if !ok {
			service = settings["service"]
		}
		serviceSettings, err := parseServiceSettings(firstNonEmpty(connSettings["servicefile"], settings["servicefile"]), service)
		if err != nil {
			return &parseConfigError{connString: connString, msg: "failed to read service", err: err}
		}
		mergeSettings(settings, serviceSettings)
	}
	mergeSettings(settings, connSettings)

	c.parsed = true
	c.Database = settings["database"]
	c.User = settings["user"]
	c.Password = settings["password"]
	c.RuntimeParams = make(map[string]string)
	c.BuildFrontend = makeDefaultBuildFrontendFunc(minReadBufferSize)
	c.LookupFunc = net.DefaultResolver.LookupHost

	if s, ok := settings["connect_timeout"]; ok {
		timeout, err := parseConnectTimeout(s)
		if err != nil {
			return &parseConfigError{connString: connString, msg: "invalid connect_timeout", err: err}
		}
		c.ConnectTimeout = timeout
		c.DialFunc = makeDialFunc(timeout)
	} else {
		c.DialFunc = makeDialFunc(0)
	}

	for k, v := range settings {
		if isInternalSetting(k) {
			continue
		}
		c.RuntimeParams[k] = v
	}

	var fallbacks []*FallbackConfig

	hosts := strings.Split(settings["host"], ",")
	ports := strings.Split(settings["port"], ",")

	for i, host := range hosts {
		portStr := ports[0]
		if i < len(ports) {
			portStr = ports[i]
		}
		port, err := parsePort(portStr)
		if err != nil {
			return &parseConfigError{connString: connString, msg: "invalid port", err: err}
		}

		var tlsConfigs []*tls.Config
		// TLS settings are ignored for unix domain sockets, like libpq.
		if network, _ := NetworkAddress(host, port); network == "unix" {
			tlsConfigs = []*tls.Config{nil}
		} else {
			tlsConfigs, err = configTLS(settings, host)
			if err != nil {
				return &parseConfigError{connString: connString, msg: "failed to configure TLS", err: err}
			}
		}

		for _, tlsConfig := range tlsConfigs {
			fallbacks = append(fallbacks, &FallbackConfig{Host: host, Port: port, TLSConfig: tlsConfig})
		}
	}

	c.Host = fallbacks[0].Host
	c.Port = fallbacks[0].Port
	c.TLSConfig = fallbacks[0].TLSConfig
	c.Fallbacks = fallbacks[1:]

	if c.Password == "" {
		if passfile, err := pgpassfile.ReadPassfile(settings["passfile"]); err == nil {
			host := c.Host
			if network, _ := NetworkAddress(c.Host, c.Port); network == "unix" {
				host = "localhost"
			}
			c.Password = passfile.FindPassword(host, strconv.Itoa(int(c.Port)), c.Database, c.User)
		}
	}

	return nil
}

func isInternalSetting(k string) bool {
	switch k {
	case "host", "port", "database", "user", "password", "passfile",
		"connect_timeout", "sslmode", "sslkey", "sslcert", "sslrootcert",
		"service", "servicefile":
		return true
	}
	return false
}

func mergeSettings(dst map[string]string, src map[string]string) {
	for k, v := range src {
		dst[k] = v
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func defaultSettings() map[string]string {
	settings := map[string]string{
		"host": "localhost",
		"port": "5432",
	}
	if user := os.Getenv("USER"); user != "" {
		settings["user"] = user
		settings["database"] = user
	}
	if home, err := os.UserHomeDir(); err == nil {
		settings["passfile"] = filepath.Join(home, ".pgpass")
		settings["servicefile"] = filepath.Join(home, ".pg_service.conf")
	}
	return settings
}

func envSettings() map[string]string {
	nameMap := map[string]string{
		"PGHOST":            "host",
		"PGPORT":            "port",
		"PGDATABASE":        "database",
		"PGUSER":            "user",
		"PGPASSWORD":        "password",
		"PGPASSFILE":        "passfile",
		"PGAPPNAME":         "application_name",
		"PGCONNECT_TIMEOUT": "connect_timeout",
		"PGSSLMODE":         "sslmode",
		"PGSSLKEY":          "sslkey",
		"PGSSLCERT":         "sslcert",
		"PGSSLROOTCERT":     "sslrootcert",
		"PGSERVICE":         "service",
		"PGSERVICEFILE":     "servicefile",
	}

	settings := make(map[string]string)
	for envname, realname := range nameMap {
		if value := os.Getenv(envname); value != "" {
			settings[realname] = value
		}
	}
	return settings
}

func parseURLSettings(connString string) (map[string]string, error) {
	settings := make(map[string]string)

	u, err := url.Parse(connString)
	if err != nil {
		return nil, err
	}

	if u.User != nil {
		settings["user"] = u.User.Username()
		if password, present := u.User.Password(); present {
			settings["password"] = password
		}
	}

	// Multiple host:port pairs in u.Host become host,host,host and
	// port,port,port.
	var hosts []string
	var ports []string
	for _, host := range strings.Split(u.Host, ",") {
		if host == "" {
			continue
		}
		if isIPOnly(host) {
			hosts = append(hosts, strings.Trim(host, "[]"))
			continue
		}
		h, p, err := net.SplitHostPort(host)
		if err != nil {
			return nil, fmt.Errorf("failed to split host:port in '%s', err: %w", host, err)
		}
		if h != "" {
			hosts = append(hosts, h)
		}
		if p != "" {
			ports = append(ports, p)
		}
	}
	if len(hosts) > 0 {
		settings["host"] = strings.Join(hosts, ",")
	}
	if len(ports) > 0 {
		settings["port"] = strings.Join(ports, ",")
	}

	if database := strings.TrimLeft(u.Path, "/"); database != "" {
		settings["database"] = database
	}

	for k, v := range u.Query() {
		if k == "dbname" {
			k = "database"
		}
		settings[k] = v[0]
	}

	return settings, nil
}

func isIPOnly(host string) bool {
	return net.ParseIP(strings.Trim(host, "[]")) != nil || !strings.Contains(host, ":")
}

var asciiSpace = [256]uint8{'\t': 1, '\n': 1, '\v': 1, '\f': 1, '\r': 1, ' ': 1}

func parseDSNSettings(s string) (map[string]string, error) {
	settings := make(map[string]string)

	for len(s) > 0 {
		var key, val string
		eqIdx := strings.IndexRune(s, '=')
		if eqIdx < 0 {
			return nil, errors.New("invalid dsn")
		}

		key = strings.Trim(s[:eqIdx], " \t\n\r\v\f")
		s = strings.TrimLeft(s[eqIdx+1:], " \t\n\r\v\f")
		if len(s) == 0 {
		} else if s[0] != '\'' {
			end := 0
			for ; end < len(s); end++ {
				if asciiSpace[s[end]] == 1 {
					break
				}
				if s[end] == '\\' {
					end++
					if end == len(s) {
						return nil, errors.New("invalid backslash")
					}
				}
			}
			val = strings.Replace(strings.Replace(s[:end], "\\\\", "\\", -1), "\\'", "'", -1)
			if end == len(s) {
				s = ""
			} else {
				s = s[end+1:]
			}
		} else { // quoted string
			s = s[1:]
			end := 0
			for ; end < len(s); end++ {
				if s[end] == '\'' {
					break
				}
				if s[end] == '\\' {
					end++
				}
			}
			if end == len(s) {
				return nil, errors.New("unterminated quoted string in connection info string")
			}
			val = strings.Replace(strings.Replace(s[:end], "\\\\", "\\", -1), "\\'", "'", -1)
			if end == len(s) {
				s = ""
			} else {
				s = s[end+1:]
			}
		}

		if key == "dbname" {
			key = "database"
		}
		if key == "" {
			return nil, errors.New("invalid dsn")
		}
		settings[key] = val
	}

	return settings, nil
}

func parseServiceSettings(servicefilePath, serviceName string) (map[string]string, error) {
	servicefile, err := pgservicefile.ReadServicefile(servicefilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read service file: %v", servicefilePath)
	}

	service, err := servicefile.GetService(serviceName)
	if err != nil {
		return nil, fmt.Errorf("unable to find service: %v", serviceName)
	}

	settings := make(map[string]string, len(service.Settings))
	for k, v := range service.Settings {
		if k == "dbname" {
			k = "database"
		}
		settings[k] = v
	}
	return settings, nil
}

// configTLS maps libpq's TLS parameters onto []*tls.Config. Multiple configs
// are returned when the sslmode allows falling back to an unencrypted
// connection (or the other way around).
func configTLS(settings map[string]string, host string) ([]*tls.Config, error) {
	sslmode := settings["sslmode"]
	sslrootcert := settings["sslrootcert"]
	sslcert := settings["sslcert"]
	sslkey := settings["sslkey"]

	if sslmode == "" {
		sslmode = "prefer"
	}

	tlsConfig := &tls.Config{}

	switch sslmode {
	case "disable":
		return []*tls.Config{nil}, nil
	case "allow", "prefer":
		tlsConfig.InsecureSkipVerify = true
	case "require":
		// Per the PostgreSQL documentation, sslmode=require with a root CA
		// file behaves as verify-ca.
		if sslrootcert != "" {
			verifyCAOnly(tlsConfig)
		} else {
			tlsConfig.InsecureSkipVerify = true
		}
	case "verify-ca":
		verifyCAOnly(tlsConfig)
	case "verify-full":
		tlsConfig.ServerName = host
	default:
		return nil, errors.New("sslmode is invalid")
	}

	if sslrootcert != "" {
		caCert, err := ioutil.ReadFile(sslrootcert)
		if err != nil {
			return nil, fmt.Errorf("unable to read CA file: %w", err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, errors.New("unable to add CA to cert pool")
		}
		tlsConfig.RootCAs = caCertPool
		tlsConfig.ClientCAs = caCertPool
	}

	if (sslcert != "") != (sslkey != "") {
		return nil, errors.New(`both "sslcert" and "sslkey" are required`)
	}
	if sslcert != "" {
		cert, err := tls.LoadX509KeyPair(sslcert, sslkey)
		if err != nil {
			return nil, fmt.Errorf("unable to read cert: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	switch sslmode {
	case "allow":
		return []*tls.Config{nil, tlsConfig}, nil
	case "prefer":
		return []*tls.Config{tlsConfig, nil}, nil
	default:
		return []*tls.Config{tlsConfig}, nil
	}
}

// verifyCAOnly checks the certificate chain but not the hostname, emulating
// libpq's verify-ca. The default Go verification always checks the hostname,
// so the chain is verified manually in VerifyPeerCertificate.
func verifyCAOnly(tlsConfig *tls.Config) {
	tlsConfig.InsecureSkipVerify = true
	tlsConfig.VerifyPeerCertificate = func(certificates [][]byte, _ [][]*x509.Certificate) error {
		certs := make([]*x509.Certificate, len(certificates))
		for i, asn1Data := range certificates {
			cert, err := x509.ParseCertificate(asn1Data)
			if err != nil {
				return errors.New("failed to parse certificate from server: " + err.Error())
			}
			certs[i] = cert
		}

		// Leave DNSName empty to skip hostname verification.
		opts := x509.VerifyOptions{
			Roots:         tlsConfig.RootCAs,
			Intermediates: x509.NewCertPool(),
		}
		// The first cert is the leaf; all others are intermediates.
		for _, cert := range certs[1:] {
			opts.Intermediates.AddCert(cert)
		}
		_, err := certs[0].Verify(opts)
		return err
	}
}

func parsePort(s string) (uint16, error) {
	port, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, err
	}
	if port < 1 {
		return 0, errors.New("outside range")
	}
	return uint16(port), nil
}

func parseConnectTimeout(s string) (time.Duration, error) {
	timeout, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	if timeout < 0 {
		return 0, errors.New("negative timeout")
	}
	return time.Duration(timeout) * time.Second, nil
}

func makeDialFunc(timeout time.Duration) DialFunc {
	d := &net.Dialer{KeepAlive: 5 * time.Minute, Timeout: timeout}
	return d.Dial
}

func makeDefaultBuildFrontendFunc(minBufferLen int) BuildFrontendFunc {
	return func(r io.Reader, w io.Writer) *pgproto3.Frontend {
		cr, err := chunkreader.NewConfig(r, chunkreader.Config{MinBufLen: minBufferLen})
		if err != nil {
			panic(fmt.Sprintf("BUG: chunkreader.NewConfig failed: %v", err))
		}
		return pgproto3.NewFrontend(cr, w)
	}
}
