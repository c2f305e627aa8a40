package core

import (
	"strings"
	"testing"
)

func TestConfigFromEnvDefaults(t *testing.T) {
	for _, key := range []string{EnvAsyncWorkers, EnvAsyncQueue, EnvPostponeUniqueIndexes, EnvIncomingLinkCauses} {
		t.Setenv(key, "")
	}
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if cfg != DefaultConfig() {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
}

func TestConfigFromEnvOverrides(t *testing.T) {
	t.Setenv(EnvAsyncWorkers, "4")
	t.Setenv(EnvAsyncQueue, "0")
	t.Setenv(EnvPostponeUniqueIndexes, "true")
	t.Setenv(EnvIncomingLinkCauses, "3")
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	want := Config{AsyncWorkers: 4, AsyncQueueSize: 0, PostponeUniqueIndexes: true, IncomingLinkCauseLimit: 3}
	if cfg != want {
		t.Fatalf("got %+v want %+v", cfg, want)
	}
}

func TestConfigFromEnvRejectsBadValues(t *testing.T) {
	cases := map[string]struct{ key, value, msg string }{
		"not a number": {EnvAsyncWorkers, "many", EnvAsyncWorkers},
		"not a bool":   {EnvPostponeUniqueIndexes, "sometimes", EnvPostponeUniqueIndexes},
		"no workers":   {EnvAsyncWorkers, "0", "async workers must be positive"},
		"negative":     {EnvAsyncQueue, "-1", "must not be negative"},
		"no causes":    {EnvIncomingLinkCauses, "0", "cause limit must be positive"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv(tc.key, tc.value)
			_, err := ConfigFromEnv()
			if err == nil || !strings.Contains(err.Error(), tc.msg) {
				t.Fatalf("expected error containing %q, got %v", tc.msg, err)
			}
		})
	}
}
