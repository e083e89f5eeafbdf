// Command configgen renders per-environment judge-service config files
// from a base YAML plus environment overrides, so dev, staging and prod
// stay structurally identical and differ only where the profile says so.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// Profile describes one rendering run: the base config every
// environment starts from, optional image pins applied everywhere, and
// the per-environment overrides.
type Profile struct {
	OutputDir    string                        `yaml:"outputDir"`
	Base         string                        `yaml:"base"`
	Images       ImageProfile                  `yaml:"images"`
	Environments map[string]EnvironmentProfile `yaml:"environments"`
}

// ImageProfile pins the sandbox images. Image names move in lockstep
// across environments, so they live once in the profile instead of in
// every override block.
type ImageProfile struct {
	BuildImage string `yaml:"buildImage"`
	RunImage   string `yaml:"runImage"`
}

type EnvironmentProfile struct {
	Output    string                 `yaml:"output"`
	Overrides map[string]interface{} `yaml:"overrides"`
}

func main() {
	profilePath := flag.String("profile", "configs/judge-profile.yaml", "Path to config profile")
	outputDir := flag.String("output-dir", "", "Override output directory")
	flag.Parse()

	profilePathAbs, err := filepath.Abs(*profilePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "resolve profile path failed: %v\n", err)
		os.Exit(1)
	}

	profile, err := loadProfile(profilePathAbs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load profile failed: %v\n", err)
		os.Exit(1)
	}

	if *outputDir != "" {
		profile.OutputDir = *outputDir
	}
	if profile.OutputDir == "" {
		fmt.Fprintln(os.Stderr, "output directory is required")
		os.Exit(1)
	}
	profileDir := filepath.Dir(profilePathAbs)
	if !filepath.IsAbs(profile.OutputDir) {
		profile.OutputDir = filepath.Join(profileDir, profile.OutputDir)
	}
	basePath := profile.Base
	if !filepath.IsAbs(basePath) {
		basePath = filepath.Join(profileDir, basePath)
	}

	if err := render(profile, basePath); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func render(profile *Profile, basePath string) error {
	envNames := make([]string, 0, len(profile.Environments))
	for name := range profile.Environments {
		envNames = append(envNames, name)
	}
	sort.Strings(envNames)

	for _, name := range envNames {
		env := profile.Environments[name]

		baseConfig, err := loadYAML(basePath)
		if err != nil {
			return fmt.Errorf("load base config for %q failed: %w", name, err)
		}
		baseConfig = normalizeValue(baseConfig)

		if len(env.Overrides) > 0 {
			override := normalizeValue(env.Overrides)
			merged, err := mergeMap(baseConfig, override)
			if err != nil {
				return fmt.Errorf("merge overrides for %q failed: %w", name, err)
			}
			baseConfig = merged
		}
		baseConfig, err = applySharedImages(profile.Images, baseConfig)
		if err != nil {
			return fmt.Errorf("apply shared images for %q failed: %w", name, err)
		}

		outputPath := resolveOutputPath(profile.OutputDir, name, env)
		if err := writeYAML(outputPath, baseConfig); err != nil {
			return fmt.Errorf("write config for %q failed: %w", name, err)
		}
	}
	return nil
}

func loadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile failed: %w", err)
	}

	var profile Profile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile failed: %w", err)
	}
	if profile.Base == "" {
		return nil, errors.New("profile has no base config")
	}
	if len(profile.Environments) == 0 {
		return nil, errors.New("profile has no environments")
	}
	return &profile, nil
}

func loadYAML(path string) (interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read yaml failed: %w", err)
	}

	var value interface{}
	if err := yaml.Unmarshal(data, &value); err != nil {
		return nil, fmt.Errorf("parse yaml failed: %w", err)
	}
	return value, nil
}

func writeYAML(path string, value interface{}) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create output dir failed: %w", err)
	}
	data, err := yaml.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal yaml failed: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write yaml failed: %w", err)
	}
	return nil
}

func resolveOutputPath(outputDir, envName string, env EnvironmentProfile) string {
	output := env.Output
	if output == "" {
		output = "judge_" + envName + ".yaml"
	}
	if filepath.IsAbs(output) {
		return output
	}
	return filepath.Join(outputDir, output)
}

// normalizeValue rewrites every map into map[string]interface{} so the
// merge only has one map shape to deal with, whatever the YAML decoder
// produced.
func normalizeValue(value interface{}) interface{} {
	switch typed := value.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(typed))
		for k, v := range typed {
			out[k] = normalizeValue(v)
		}
		return out
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(typed))
		for k, v := range typed {
			key, ok := k.(string)
			if !ok {
				key = fmt.Sprintf("%v", k)
			}
			out[key] = normalizeValue(v)
		}
		return out
	case []interface{}:
		out := make([]interface{}, 0, len(typed))
		for _, item := range typed {
			out = append(out, normalizeValue(item))
		}
		return out
	default:
		return value
	}
}

// mergeMap deep-merges override into base. Maps merge recursively;
// everything else, lists included, is replaced wholesale.
func mergeMap(base interface{}, override interface{}) (interface{}, error) {
	baseMap, ok := base.(map[string]interface{})
	if !ok {
		return nil, errors.New("base config is not a map")
	}
	overrideMap, ok := override.(map[string]interface{})
	if !ok {
		return nil, errors.New("override config is not a map")
	}

	merged := make(map[string]interface{}, len(baseMap))
	for k, v := range baseMap {
		merged[k] = v
	}

	for key, overrideValue := range overrideMap {
		baseValue, exists := merged[key]
		if !exists {
			merged[key] = overrideValue
			continue
		}

		baseChild, baseIsMap := baseValue.(map[string]interface{})
		overrideChild, overrideIsMap := overrideValue.(map[string]interface{})
		if baseIsMap && overrideIsMap {
			combined, err := mergeMap(baseChild, overrideChild)
			if err != nil {
				return nil, err
			}
			merged[key] = combined
			continue
		}
		merged[key] = overrideValue
	}
	return merged, nil
}

// applySharedImages writes the profile's image pins into the sandbox
// section, creating it when the base config lacks one.
func applySharedImages(images ImageProfile, config interface{}) (interface{}, error) {
	if images.BuildImage == "" && images.RunImage == "" {
		return config, nil
	}
	root, ok := config.(map[string]interface{})
	if !ok {
		return nil, errors.New("environment config is not a map")
	}
	sandbox, ok := root["sandbox"].(map[string]interface{})
	if !ok {
		sandbox = map[string]interface{}{}
		root["sandbox"] = sandbox
	}
	if images.BuildImage != "" {
		sandbox["buildImage"] = images.BuildImage
	}
	if images.RunImage != "" {
		sandbox["runImage"] = images.RunImage
	}
	return root, nil
}
