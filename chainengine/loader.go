package chainengine

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/penserai/acteon/domain"
)

// chainFile is the YAML document shape of one chain-definition file:
// a list of chain configs under `chains:`, mirroring rules.LoadDir's
// `rules:` shape.
type chainFile struct {
	Chains []domain.ChainConfig `yaml:"chains"`
}

// LoadDir parses every `*.yaml`/`*.yml` file in dir into a set of
// ChainConfigs. A missing directory is not an error: a deployment with
// no Chain directives configures no chain_files directory and Engine
// simply registers nothing. A malformed file is reported by name
// without affecting configs parsed from other files.
func LoadDir(dir string) ([]domain.ChainConfig, []error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, []error{fmt.Errorf("read chain directory %s: %w", dir, err)}
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext == ".yaml" || ext == ".yml" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var configs []domain.ChainConfig
	var errs []error
	for _, name := range names {
		parsed, err := loadChainFile(filepath.Join(dir, name))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		configs = append(configs, parsed...)
	}
	return configs, errs
}

func loadChainFile(path string) ([]domain.ChainConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc chainFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	for _, c := range doc.Chains {
		if c.Name == "" {
			return nil, fmt.Errorf("chain missing name")
		}
	}
	return doc.Chains, nil
}
