package web3

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ClusterDefinitions models the structure of configs/clusters.yaml.
type ClusterDefinitions struct {
	Default  string                       `yaml:"default"`
	Clusters map[string]ClusterDefinition `yaml:"clusters"`
}

// ClusterDefinition describes a single Solana cluster endpoint.
type ClusterDefinition struct {
	RPCURL      string `yaml:"rpc_url"`
	Commitment  string `yaml:"commitment"`
	Description string `yaml:"description"`
}

// LoadClusterDefinitions parses the YAML file containing cluster metadata.
// An empty path yields an empty set.
func LoadClusterDefinitions(path string) (ClusterDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return ClusterDefinitions{Clusters: map[string]ClusterDefinition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return ClusterDefinitions{}, fmt.Errorf("读取集群配置失败: %w", err)
	}

	var defs ClusterDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return ClusterDefinitions{}, fmt.Errorf("解析集群配置失败: %w", err)
	}
	if defs.Clusters == nil {
		defs.Clusters = map[string]ClusterDefinition{}
	}
	return defs, nil
}
