package wait

import (
	"context"
	"net"
	"time"

	redis "github.com/go-redis/redis/v8"

	"github.com/mirajehossain/bootwait/internal/db"
)

// Prober makes a single reachability attempt.
type Prober interface {
	Probe(ctx context.Context) error
}

// TCPProber succeeds once Addr accepts a TCP connection.
type TCPProber struct {
	Addr    string
	Timeout time.Duration
}

func (p TCPProber) Probe(ctx context.Context) error {
	d := net.Dialer{Timeout: p.Timeout}
	conn, err := d.DialContext(ctx, "tcp", p.Addr)
	if err != nil {
		return err
	}
	return conn.Close()
}

// RedisProber succeeds once the server answers PING.
type RedisProber struct {
	URL     string
	Timeout time.Duration
}

func (p RedisProber) Probe(ctx context.Context) error {
	opts, err := redis.ParseURL(p.URL)
	if err != nil {
		return err
	}
	opts.DialTimeout = p.Timeout
	opts.ReadTimeout = p.Timeout
	opts.WriteTimeout = p.Timeout
	opts.MaxRetries = -1
	opts.PoolSize = 1

	client := redis.NewClient(opts)
	defer client.Close()
	return client.Ping(ctx).Err()
}

// SQLProber succeeds once the database accepts a login and answers a ping.
type SQLProber struct {
	DSN     string
	Timeout time.Duration
}

func (p SQLProber) Probe(ctx context.Context) error {
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}
	return db.Ping(ctx, p.DSN)
}

// ProberFor returns the prober matching t.Kind.
func ProberFor(t Target, timeout time.Duration) Prober {
	switch t.Kind {
	case KindRedis:
		return RedisProber{URL: t.URL, Timeout: timeout}
	case KindPostgres, KindMySQL:
		return SQLProber{DSN: t.URL, Timeout: timeout}
	default:
		return TCPProber{Addr: t.Addr, Timeout: timeout}
	}
}
