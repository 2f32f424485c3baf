package wait

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Kind selects how a Target is probed.
type Kind string

const (
	KindTCP      Kind = "tcp"
	KindRedis    Kind = "redis"
	KindPostgres Kind = "postgres"
	KindMySQL    Kind = "mysql"
)

var defaultPorts = map[Kind]string{
	KindRedis:    "6379",
	KindPostgres: "5432",
	KindMySQL:    "3306",
}

// Target is a dependency endpoint to wait for.
type Target struct {
	Name string
	Kind Kind
	Addr string // host:port
	URL  string // set for protocol-aware kinds
}

func (t Target) String() string { return t.Name }

// TCP returns a plain TCP target for addr.
func TCP(addr string) Target {
	return Target{Name: addr, Kind: KindTCP, Addr: addr}
}

// ParseTarget parses host:port, tcp://host:port, or a redis, postgres or mysql URL.
func ParseTarget(raw string) (Target, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Target{}, fmt.Errorf("empty wait target")
	}
	if !strings.Contains(raw, "://") {
		if err := checkAddr(raw); err != nil {
			return Target{}, fmt.Errorf("wait target %q: %w", raw, err)
		}
		return TCP(raw), nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return Target{}, fmt.Errorf("wait target: %w", err)
	}
	var kind Kind
	switch strings.ToLower(u.Scheme) {
	case "tcp":
		kind = KindTCP
	case "redis", "rediss":
		kind = KindRedis
	case "postgres", "postgresql":
		kind = KindPostgres
	case "mysql":
		kind = KindMySQL
	default:
		return Target{}, fmt.Errorf("wait target %q: unsupported scheme %q", u.Redacted(), u.Scheme)
	}

	port := u.Port()
	if port == "" {
		port = defaultPorts[kind]
	}
	if u.Hostname() == "" || port == "" {
		return Target{}, fmt.Errorf("wait target %q: host and port required", u.Redacted())
	}
	addr := net.JoinHostPort(u.Hostname(), port)
	if err := checkAddr(addr); err != nil {
		return Target{}, fmt.Errorf("wait target %q: %w", u.Redacted(), err)
	}

	t := Target{Name: string(kind) + "://" + addr, Kind: kind, Addr: addr}
	if kind != KindTCP {
		t.URL = raw
	}
	return t, nil
}

// ParseTargets parses every entry of raws.
func ParseTargets(raws []string) ([]Target, error) {
	out := make([]Target, 0, len(raws))
	for _, raw := range raws {
		t, err := ParseTarget(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func checkAddr(addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	if host == "" {
		return fmt.Errorf("missing host")
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 1 || n > 65535 {
		return fmt.Errorf("invalid port %q", port)
	}
	return nil
}
