package web3

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadClusterDefinitions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clusters.yaml")
	content := `default: devnet
clusters:
  mainnet-beta:
    rpc_url: https://api.mainnet-beta.solana.com
    description: production
  devnet:
    rpc_url: https://api.devnet.solana.com
    commitment: finalized
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write yaml: %v", err)
	}

	defs, err := LoadClusterDefinitions(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if defs.Default != "devnet" || len(defs.Clusters) != 2 {
		t.Fatalf("unexpected definitions: %+v", defs)
	}
	if defs.Clusters["devnet"].Commitment != "finalized" {
		t.Fatalf("unexpected devnet cluster: %+v", defs.Clusters["devnet"])
	}
}

func TestLoadClusterDefinitionsEmptyPath(t *testing.T) {
	defs, err := LoadClusterDefinitions("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if defs.Clusters == nil || len(defs.Clusters) != 0 {
		t.Fatalf("expected empty cluster map, got %+v", defs.Clusters)
	}
}
