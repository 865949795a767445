package crawler

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := DefaultConfig()

	tests := []struct {
		name string
		cfg  func() Config
		want string
	}{
		{
			name: "negative delay",
			cfg: func() Config {
				c := base
				c.Delay = -time.Second
				return c
			},
			want: "crawler.delay",
		},
		{
			name: "zero retries",
			cfg: func() Config {
				c := base
				c.MaxRetries = 0
				return c
			},
			want: "crawler.max_retries",
		},
		{
			name: "zero timeout",
			cfg: func() Config {
				c := base
				c.Timeout = 0
				return c
			},
			want: "crawler.timeout",
		},
		{
			name: "proxy without host",
			cfg: func() Config {
				c := base
				c.Proxy = "127.0.0.1"
				return c
			},
			want: "crawler.proxy",
		},
		{
			name: "bad base url",
			cfg: func() Config {
				c := base
				c.BaseURL = "http://%zz"
				return c
			},
			want: "crawler.base_url",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg().Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
			if _, err := New(context.Background(), tt.cfg()); err == nil {
				t.Fatalf("expected New to reject config")
			}
		})
	}
}

func TestDefaultConfigIsValid(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("DefaultConfig().Validate() error = %v", err)
	}
	if cfg.Delay != time.Second || cfg.MaxRetries != 3 || cfg.Timeout != 10*time.Second || !cfg.RespectRobots {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestNewWithProxyBuildsSession(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Proxy = "http://127.0.0.1:8080"
	cfg.RespectRobots = false
	p, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if p.Config().Proxy != cfg.Proxy {
		t.Fatalf("expected proxy to be preserved")
	}
}
