package registry

import (
	"errors"
	"testing"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/harmony/internal/models"
)

const sampleChains = `
chains:
  - name: harmony/l2-subsetter
    steps:
      - serviceID: harmony/query-cmr
        operation:
          maxPageSize: 2000
      - serviceID: harmony/l2-subsetter
        operation:
          format: application/x-netcdf4
  - name: harmony/concise
    steps:
      - serviceID: harmony/query-cmr
      - serviceID: harmony/concise
        hasAggregatedOutput: true
        isBatched: true
        maxBatchInputs: 100
`

func TestParseChains(t *testing.T) {
	reg, err := Parse([]byte(sampleChains), arbor.NewLogger())
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	chain, err := reg.Chain("harmony/l2-subsetter")
	if err != nil {
		t.Fatalf("Chain lookup failed: %v", err)
	}
	if len(chain.Steps) != 2 {
		t.Fatalf("Expected 2 steps, got %d", len(chain.Steps))
	}
	if chain.Steps[0].ServiceID != "harmony/query-cmr" {
		t.Errorf("Expected first step query-cmr, got %s", chain.Steps[0].ServiceID)
	}

	opJSON, err := chain.Steps[0].OperationJSON()
	if err != nil {
		t.Fatalf("OperationJSON failed: %v", err)
	}
	if opJSON != `{"maxPageSize":2000}` {
		t.Errorf("Unexpected operation JSON: %s", opJSON)
	}

	all := reg.Chains()
	if len(all) != 2 {
		t.Fatalf("Expected 2 chains, got %d", len(all))
	}
	if all[0].Name != "harmony/concise" {
		t.Errorf("Expected chains sorted by name, got %s first", all[0].Name)
	}
}

func TestChainNotFound(t *testing.T) {
	reg, err := Parse([]byte(sampleChains), arbor.NewLogger())
	if err != nil {
		t.Fatal(err)
	}
	_, err = reg.Chain("harmony/unknown")
	if !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestParseRejectsBadChains(t *testing.T) {
	cases := map[string]string{
		"empty document": `chains: []`,
		"missing serviceID": `
chains:
  - name: broken
    steps:
      - operation: {}
`,
		"duplicate name": `
chains:
  - name: twice
    steps:
      - serviceID: svc-a
  - name: twice
    steps:
      - serviceID: svc-b
`,
		"batched without limits": `
chains:
  - name: no-limits
    steps:
      - serviceID: svc-a
        isBatched: true
`,
	}

	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse([]byte(doc), arbor.NewLogger()); err == nil {
				t.Error("Expected parse to fail")
			}
		})
	}
}
