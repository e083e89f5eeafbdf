package main

import (
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/yaml.v3"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func readRendered(t *testing.T, path string) map[string]interface{} {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read rendered config: %v", err)
	}
	var out map[string]interface{}
	if err := yaml.Unmarshal(data, &out); err != nil {
		t.Fatalf("parse rendered config: %v", err)
	}
	return out
}

func TestRenderWritesEnvironmentConfigs(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	base := writeFile(t, dir, "judge_base.yaml", `
logger:
  level: info
worker:
  poolSize: 50
  tick: 5s
sandbox:
  workDir: /home/guest
`)

	profile := &Profile{
		OutputDir: filepath.Join(dir, "out"),
		Base:      base,
		Images: ImageProfile{
			BuildImage: "checker-lang-gcc",
			RunImage:   "binary-runner",
		},
		Environments: map[string]EnvironmentProfile{
			"dev": {
				Overrides: map[string]interface{}{
					"logger": map[string]interface{}{"level": "debug"},
					"worker": map[string]interface{}{"poolSize": 2},
				},
			},
			"prod": {
				Output: "judge.yaml",
			},
		},
	}

	if err := render(profile, base); err != nil {
		t.Fatalf("render: %v", err)
	}

	dev := readRendered(t, filepath.Join(dir, "out", "judge_dev.yaml"))
	loggerSection := dev["logger"].(map[string]interface{})
	if loggerSection["level"] != "debug" {
		t.Fatalf("expected dev logger level debug, got %v", loggerSection["level"])
	}
	workerSection := dev["worker"].(map[string]interface{})
	if workerSection["poolSize"] != 2 {
		t.Fatalf("expected dev poolSize 2, got %v", workerSection["poolSize"])
	}
	if workerSection["tick"] != "5s" {
		t.Fatalf("expected base tick to survive, got %v", workerSection["tick"])
	}
	sandboxSection := dev["sandbox"].(map[string]interface{})
	if sandboxSection["buildImage"] != "checker-lang-gcc" || sandboxSection["runImage"] != "binary-runner" {
		t.Fatalf("expected image pins, got %v", sandboxSection)
	}
	if sandboxSection["workDir"] != "/home/guest" {
		t.Fatalf("expected base workDir to survive, got %v", sandboxSection["workDir"])
	}

	prod := readRendered(t, filepath.Join(dir, "out", "judge.yaml"))
	prodWorker := prod["worker"].(map[string]interface{})
	if prodWorker["poolSize"] != 50 {
		t.Fatalf("expected prod poolSize from base, got %v", prodWorker["poolSize"])
	}
}

func TestMergeMapMergesNestedMapsAndReplacesScalars(t *testing.T) {
	t.Parallel()

	base := map[string]interface{}{
		"kafka": map[string]interface{}{
			"brokers": []interface{}{"a:9092"},
			"acks":    1,
		},
		"tick": "5s",
	}
	override := map[string]interface{}{
		"kafka": map[string]interface{}{
			"brokers": []interface{}{"b:9092", "c:9092"},
		},
	}

	merged, err := mergeMap(base, override)
	if err != nil {
		t.Fatalf("mergeMap: %v", err)
	}
	root := merged.(map[string]interface{})
	kafka := root["kafka"].(map[string]interface{})
	brokers := kafka["brokers"].([]interface{})
	if len(brokers) != 2 || brokers[0] != "b:9092" {
		t.Fatalf("expected list replaced wholesale, got %v", brokers)
	}
	if kafka["acks"] != 1 {
		t.Fatalf("expected untouched sibling key, got %v", kafka["acks"])
	}
	if root["tick"] != "5s" {
		t.Fatalf("expected untouched top-level key, got %v", root["tick"])
	}

	if _, err := mergeMap("not a map", override); err == nil {
		t.Fatalf("expected error for non-map base")
	}
}

func TestApplySharedImagesCreatesSandboxSection(t *testing.T) {
	t.Parallel()

	config, err := applySharedImages(
		ImageProfile{BuildImage: "checker-lang-gcc"},
		map[string]interface{}{"worker": map[string]interface{}{"poolSize": 5}},
	)
	if err != nil {
		t.Fatalf("applySharedImages: %v", err)
	}
	sandbox := config.(map[string]interface{})["sandbox"].(map[string]interface{})
	if sandbox["buildImage"] != "checker-lang-gcc" {
		t.Fatalf("expected created sandbox section with build image, got %v", sandbox)
	}
	if _, ok := sandbox["runImage"]; ok {
		t.Fatalf("expected empty run image to stay unset")
	}

	untouched, err := applySharedImages(ImageProfile{}, map[string]interface{}{})
	if err != nil {
		t.Fatalf("applySharedImages: %v", err)
	}
	if _, ok := untouched.(map[string]interface{})["sandbox"]; ok {
		t.Fatalf("expected config untouched when no pins are set")
	}
}

func TestLoadProfileValidation(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	noBase := writeFile(t, dir, "nobase.yaml", `
environments:
  dev: {}
`)
	if _, err := loadProfile(noBase); err == nil {
		t.Fatalf("expected error for profile without base")
	}

	noEnvs := writeFile(t, dir, "noenvs.yaml", `
base: judge_base.yaml
`)
	if _, err := loadProfile(noEnvs); err == nil {
		t.Fatalf("expected error for profile without environments")
	}
}
