package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// t.Setenv forbids t.Parallel, so everything here runs sequentially.

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv(envDBURL, "judge:judge@tcp(127.0.0.1:3306)/kadai?parseTime=true")
	t.Setenv(envResourcePath, "/srv/resource")
	t.Setenv(envUploadDirPath, "/srv/upload")
	t.Setenv(envGuestUID, "1234")
	t.Setenv(envGuestGID, "5678")
	t.Setenv(envCgroupParent, "judge.slice")
}

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "judge.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	return path
}

func TestLoadAppConfigOverlaysEnvironment(t *testing.T) {
	setRequiredEnv(t)

	path := writeConfigFile(t, `
logger:
  level: debug
database:
  dsn: file:ignored@tcp(example)/never-used
worker:
  poolSize: 8
  tick: 2s
sandbox:
  buildImage: checker-lang-clang
  cpusetCPUs: "0-3"
  buildTimeout: 3s
`)

	cfg, err := loadAppConfig(path)
	if err != nil {
		t.Fatalf("loadAppConfig: %v", err)
	}

	if got, want := cfg.Database.DSN, "judge:judge@tcp(127.0.0.1:3306)/kadai?parseTime=true"; got != want {
		t.Fatalf("expected DSN from environment %q, got %q", want, got)
	}
	if cfg.Logger.Level != "debug" {
		t.Fatalf("expected logger level debug, got %q", cfg.Logger.Level)
	}
	if cfg.Worker.PoolSize != 8 || cfg.Worker.Tick != 2*time.Second {
		t.Fatalf("expected worker 8/2s, got %d/%v", cfg.Worker.PoolSize, cfg.Worker.Tick)
	}

	pc := cfg.toPipelineConfig()
	if pc.ResourcePath != "/srv/resource" || pc.UploadDirPath != "/srv/upload" {
		t.Fatalf("expected env paths in pipeline config, got %q and %q", pc.ResourcePath, pc.UploadDirPath)
	}
	if pc.GuestUID != "1234" || pc.GuestGID != "5678" || pc.CgroupParent != "judge.slice" {
		t.Fatalf("expected guest/cgroup settings from environment, got %q/%q/%q", pc.GuestUID, pc.GuestGID, pc.CgroupParent)
	}
	if pc.BuildImage != "checker-lang-clang" || pc.CpusetCPUs != "0-3" || pc.BuildTimeout != 3*time.Second {
		t.Fatalf("expected sandbox tunables from file, got %q/%q/%v", pc.BuildImage, pc.CpusetCPUs, pc.BuildTimeout)
	}
}

func TestLoadAppConfigWithoutFile(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := loadAppConfig("")
	if err != nil {
		t.Fatalf("loadAppConfig: %v", err)
	}
	if cfg.Kafka.SummaryTopic != defaultSummaryTopic {
		t.Fatalf("expected default summary topic, got %q", cfg.Kafka.SummaryTopic)
	}
	if cfg.Progress.TTL != defaultProgressTTL {
		t.Fatalf("expected default progress TTL, got %v", cfg.Progress.TTL)
	}
	if cfg.redisEnabled() || cfg.minioEnabled() || cfg.kafkaEnabled() {
		t.Fatalf("expected optional integrations disabled")
	}
}

func TestLoadAppConfigReportsAllMissingEnv(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv(envDBURL, "")
	t.Setenv(envGuestUID, "")
	t.Setenv(envCgroupParent, "")

	_, err := loadAppConfig("")
	if err == nil {
		t.Fatalf("expected error for missing environment variables")
	}
	for _, key := range []string{envDBURL, envGuestUID, envCgroupParent} {
		if !strings.Contains(err.Error(), key) {
			t.Fatalf("expected error to name %s, got %v", key, err)
		}
	}
	if strings.Contains(err.Error(), envResourcePath) {
		t.Fatalf("expected error to skip variables that are set, got %v", err)
	}
}

func TestLoadAppConfigRejectsUnreadableFile(t *testing.T) {
	setRequiredEnv(t)

	if _, err := loadAppConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected error for missing config file")
	}

	path := writeConfigFile(t, "worker: [not a mapping")
	if _, err := loadAppConfig(path); err == nil {
		t.Fatalf("expected error for malformed config file")
	}
}

func TestLoadAppConfigRejectsRespackWithoutMinIO(t *testing.T) {
	setRequiredEnv(t)

	path := writeConfigFile(t, `
resourcePack:
  object: packs/2026-spring.tar.zst
`)
	_, err := loadAppConfig(path)
	if err == nil || !strings.Contains(err.Error(), "minio") {
		t.Fatalf("expected minio requirement error, got %v", err)
	}
}

func TestLoadAppConfigAppliesRedisDefaults(t *testing.T) {
	setRequiredEnv(t)

	path := writeConfigFile(t, `
redis:
  addr: 127.0.0.1:6379
`)
	cfg, err := loadAppConfig(path)
	if err != nil {
		t.Fatalf("loadAppConfig: %v", err)
	}
	if cfg.Redis.PoolSize == 0 || cfg.Redis.DialTimeout == 0 {
		t.Fatalf("expected redis defaults applied, got pool %d dial %v", cfg.Redis.PoolSize, cfg.Redis.DialTimeout)
	}
}

func TestToLogxConf(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := loadAppConfig("")
	if err != nil {
		t.Fatalf("loadAppConfig: %v", err)
	}
	conf := cfg.toLogxConf()
	if conf.ServiceName != "judge-service" || conf.Mode != "console" {
		t.Fatalf("unexpected base conf: %+v", conf)
	}
	if conf.Encoding != "plain" {
		t.Fatalf("expected plain encoding by default, got %q", conf.Encoding)
	}

	cfg.Logger.Format = "json"
	cfg.Logger.Level = "warn"
	conf = cfg.toLogxConf()
	if conf.Encoding != "json" {
		t.Fatalf("expected json encoding, got %q", conf.Encoding)
	}
	if conf.Level != "error" {
		t.Fatalf("expected warn mapped to error, got %q", conf.Level)
	}
}

func TestResolveConfigPath(t *testing.T) {
	t.Setenv(envConfigPath, "/etc/kadai/judge.yaml")
	if got := resolveConfigPath("/tmp/flag.yaml"); got != "/tmp/flag.yaml" {
		t.Fatalf("expected flag to win, got %q", got)
	}
	if got := resolveConfigPath(""); got != "/etc/kadai/judge.yaml" {
		t.Fatalf("expected JUDGE_CONFIG fallback, got %q", got)
	}
	t.Setenv(envConfigPath, "")
	if got := resolveConfigPath(""); got != "" {
		t.Fatalf("expected empty path, got %q", got)
	}
}
