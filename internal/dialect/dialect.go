// Package dialect maps tenant connection URLs onto database/sql drivers.
package dialect

import (
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
)

type Name string

const (
	PostgreSQL Name = "postgresql"
	MySQL      Name = "mysql"
)

type TLSMode string

const (
	TLSRequire TLSMode = "require"
	TLSPrefer  TLSMode = "prefer"
	TLSDisable TLSMode = "disable"
)

// UnsupportedError is returned for URLs whose scheme maps to no dialect.
type UnsupportedError struct {
	Scheme string
}

func (e *UnsupportedError) Error() string {
	if e.Scheme == "" {
		return "unsupported database url: missing scheme (expected postgresql:// or mysql://)"
	}
	return fmt.Sprintf("unsupported database url scheme %q (expected postgresql:// or mysql://)", e.Scheme)
}

func Detect(rawURL string) (Name, error) {
	trimmed := strings.TrimSpace(rawURL)
	lower := strings.ToLower(trimmed)
	switch {
	case strings.HasPrefix(lower, "postgresql://"), strings.HasPrefix(lower, "postgres://"):
		return PostgreSQL, nil
	case strings.HasPrefix(lower, "mysql://"):
		return MySQL, nil
	}
	scheme := ""
	if idx := strings.Index(trimmed, "://"); idx > 0 {
		scheme = trimmed[:idx]
	}
	return "", &UnsupportedError{Scheme: scheme}
}

func ParseTLSMode(raw string) (TLSMode, error) {
	switch mode := TLSMode(strings.ToLower(strings.TrimSpace(raw))); mode {
	case "":
		return TLSRequire, nil
	case TLSRequire, TLSPrefer, TLSDisable:
		return mode, nil
	default:
		return "", fmt.Errorf("invalid tls mode %q (expected require, prefer or disable)", raw)
	}
}

func (n Name) DriverName() string {
	if n == MySQL {
		return "mysql"
	}
	return "pgx"
}

// DSN converts a connection URL into the form the dialect's driver accepts.
// TLSMode only fills in a setting when the URL does not carry one already.
func DSN(rawURL string, mode TLSMode) (Name, string, error) {
	name, err := Detect(rawURL)
	if err != nil {
		return "", "", err
	}
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", "", fmt.Errorf("parse database url: %w", err)
	}
	switch name {
	case MySQL:
		dsn, err := mysqlDSN(parsed, mode)
		return name, dsn, err
	default:
		return name, postgresDSN(parsed, mode), nil
	}
}

// Open returns a lazily connecting handle; callers ping to verify.
func Open(rawURL string, mode TLSMode) (*sql.DB, Name, error) {
	name, dsn, err := DSN(rawURL, mode)
	if err != nil {
		return nil, "", err
	}
	db, err := sql.Open(name.DriverName(), dsn)
	if err != nil {
		return nil, "", fmt.Errorf("open %s connection: %w", name, err)
	}
	return db, name, nil
}

func postgresDSN(parsed *url.URL, mode TLSMode) string {
	out := *parsed
	out.Scheme = "postgres"
	query := out.Query()
	if query.Get("sslmode") == "" && mode != "" {
		query.Set("sslmode", string(mode))
	}
	out.RawQuery = query.Encode()
	return out.String()
}

func mysqlDSN(parsed *url.URL, mode TLSMode) (string, error) {
	cfg := mysql.NewConfig()
	cfg.Net = "tcp"
	cfg.ParseTime = true
	if parsed.User != nil {
		cfg.User = parsed.User.Username()
		cfg.Passwd, _ = parsed.User.Password()
	}
	host := parsed.Hostname()
	if host == "" {
		return "", fmt.Errorf("mysql url requires a host")
	}
	port := parsed.Port()
	if port == "" {
		port = "3306"
	}
	cfg.Addr = net.JoinHostPort(host, port)
	cfg.DBName = strings.TrimPrefix(parsed.Path, "/")

	query := parsed.Query()
	tlsValue := query.Get("tls")
	query.Del("tls")
	if tlsValue == "" {
		switch mode {
		case TLSRequire:
			tlsValue = "true"
		case TLSPrefer:
			tlsValue = "preferred"
		case TLSDisable:
			tlsValue = "false"
		}
	}
	cfg.TLSConfig = tlsValue
	if len(query) > 0 {
		cfg.Params = make(map[string]string, len(query))
		for key := range query {
			cfg.Params[key] = query.Get(key)
		}
	}
	return cfg.FormatDSN(), nil
}

// Redact hides the password portion of a connection URL for logging.
func Redact(rawURL string) string {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "<unparseable url>"
	}
	return parsed.Redacted()
}
