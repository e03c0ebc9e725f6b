package main

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/freedom13/abuseguard/internal/config"
	"github.com/freedom13/abuseguard/internal/metrics"
	"github.com/freedom13/abuseguard/internal/model"
	"github.com/freedom13/abuseguard/internal/policy"
)

func writeTempConfig(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	text := "" +
		"[database]\n" +
		"driver = \"sqlite\"\n" +
		"dsn = " + strconv.Quote(filepath.Join(dir, "guard.db")) + "\n" +
		"\n" +
		"[cache]\n" +
		"backend = \"memory\"\n" +
		extra
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(text), 0o644))
	return path
}

func TestValidateConfiguration(t *testing.T) {
	require.NoError(t, validateConfiguration(writeTempConfig(t, "")))

	bad := writeTempConfig(t, "\n[pipeline]\nflag_threshold = 0\n")
	require.ErrorContains(t, validateConfiguration(bad), "pipeline.flag_threshold")

	require.Error(t, validateConfiguration(filepath.Join(t.TempDir(), "missing.toml")))
}

func TestBuildEngine(t *testing.T) {
	testCases := []struct {
		name    string
		backend config.CacheBackend
	}{
		{"memory cache", config.CacheMemory},
		{"no cache backend", config.CacheNone},
		{"embedded badger", config.CacheBadger},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, _, err := config.Load(writeTempConfig(t, ""), false)
			require.NoError(t, err)
			cfg.Cache.Backend = tc.backend
			cfg.Cache.Badger.InMemory = true

			s, err := openStores(context.Background(), cfg)
			require.NoError(t, err)
			t.Cleanup(s.Close)

			engine, err := buildEngine(cfg, s, metrics.New(), false)
			require.NoError(t, err)
			t.Cleanup(func() { _ = engine.Pipeline.Close() })

			require.Equal(t,
				[]string{policy.GateBan, policy.GateRate, policy.GateCooldown, policy.GateCaptcha, policy.GateContent, policy.GateBehavior},
				engine.Pipeline.GateNames())

			sub := &policy.Submission{Action: model.ActionLogin, IP: "192.0.2.10"}
			dec := engine.Pipeline.Evaluate(context.Background(), sub)
			require.Equal(t, model.VerdictApproved, dec.Verdict, "reasons: %v", dec.Reasons)

			ch, err := engine.Captchas.Issue(context.Background())
			require.NoError(t, err)
			require.NotEmpty(t, ch.Token)
		})
	}
}
