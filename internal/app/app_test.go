package app

import (
	"context"
	"testing"

	"stagegate/internal/config"
)

func TestBootstrapSeedsWorkstreams(t *testing.T) {
	cfg, err := config.FromYAML([]byte(`database:
  workspace: ` + t.TempDir() + `
workstreams:
  - id: ops
    name: Operations
    gates:
      l1-gate:
        - approvers:
            - role: pm
              rule: any
    assignments:
      - account_id: acc-a
        role: pm
`))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	a, err := Bootstrap(ctx, cfg)
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	defer a.Close()

	ws, err := a.Engine.GetWorkstream(ctx, "ops")
	if err != nil || len(ws.Gates["l1-gate"]) != 1 {
		t.Fatalf("workstream = %+v %v", ws, err)
	}
	// Seeding again must not fail or duplicate assignments.
	if err := a.Seed(ctx, cfg.Workstreams); err != nil {
		t.Fatal(err)
	}
	list, err := a.Engine.ListAssignments(ctx, "ops")
	if err != nil || len(list) != 1 {
		t.Fatalf("assignments = %+v %v", list, err)
	}
}
