package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"stagegate/internal/app"
	"stagegate/internal/config"
	"stagegate/internal/domain"
	"stagegate/internal/engine"
)

func workstreamCmd() *cobra.Command {
	ws := &cobra.Command{Use: "workstream", Short: "Manage workstreams, gates and role assignments"}
	ws.AddCommand(workstreamCreateCmd())
	ws.AddCommand(workstreamListCmd())
	ws.AddCommand(workstreamShowCmd())
	ws.AddCommand(workstreamImportCmd())
	ws.AddCommand(workstreamAssignCmd())
	ws.AddCommand(workstreamRevokeCmd())
	return ws
}

func workstreamCreateCmd() *cobra.Command {
	var id, name, desc string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a workstream without gates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				ws, err := a.Engine.CreateWorkstream(ctx, engine.CreateWorkstreamOptions{ID: id, Name: name, Description: desc})
				if err != nil {
					return err
				}
				return printWorkstream(ws, nil)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "workstream id (generated when empty)")
	cmd.Flags().StringVar(&name, "name", "", "workstream name")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func workstreamListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List workstreams",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListWorkstreams(ctx)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, ws := range items {
					rows = append(rows, table.Row{ws.ID, ws.Name, len(ws.Gates), ws.UpdatedAt})
				}
				return printTable(items, table.Row{"ID", "Name", "Gates", "Updated"}, rows)
			})
		},
	}
}

func workstreamShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <workstream-id>",
		Short: "Show a workstream with its gates and assignments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				ws, err := a.Engine.GetWorkstream(ctx, args[0])
				if err != nil {
					return err
				}
				assignments, err := a.Engine.ListAssignments(ctx, ws.ID)
				if err != nil {
					return err
				}
				return printWorkstream(ws, assignments)
			})
		},
	}
}

func printWorkstream(ws domain.Workstream, assignments []domain.RoleAssignment) error {
	if viper.GetBool("json") {
		return printJSON(map[string]any{"workstream": ws, "assignments": assignments})
	}
	fmt.Printf("%s  %s\n", ws.ID, ws.Name)
	if ws.Description != "" {
		fmt.Println(ws.Description)
	}
	var rows []table.Row
	for _, key := range engine.StageKeys {
		for i, round := range ws.Gates[key] {
			for _, req := range round.Approvers {
				rows = append(rows, table.Row{key, i, round.Name, req.Role, req.Rule})
			}
		}
	}
	if len(rows) > 0 {
		if err := printTable(nil, table.Row{"Gate", "Round", "Name", "Role", "Rule"}, rows); err != nil {
			return err
		}
	}
	if len(assignments) > 0 {
		rows = rows[:0]
		for _, as := range assignments {
			rows = append(rows, table.Row{as.Role, as.AccountID, as.AccountName})
		}
		return printTable(nil, table.Row{"Role", "Account", "Name"}, rows)
	}
	return nil
}

func workstreamImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Create or update workstreams from a YAML file",
		Long: `Reads a YAML document with a top-level "workstreams" list, the same shape as
the workstreams section of stagegate.yml. Existing workstreams get their gates
replaced; assignments are added.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			seeds, err := config.ParseWorkstreams(data)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Seed(ctx, seeds); err != nil {
					return err
				}
				fmt.Printf("imported %d workstream(s)\n", len(seeds))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func workstreamAssignCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "assign <workstream-id> <account-id> <role>",
		Short: "Assign a role to an account",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				as, err := a.Engine.AssignRole(ctx, domain.RoleAssignment{
					WorkstreamID: args[0], AccountID: args[1], Role: args[2], AccountName: name,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(as)
				}
				fmt.Printf("%s is %s in %s\n", as.AccountID, as.Role, as.WorkstreamID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "account display name")
	return cmd
}

func workstreamRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <workstream-id> <account-id> <role>",
		Short: "Revoke a role assignment",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Engine.RevokeRole(ctx, args[0], args[1], args[2])
			})
		},
	}
}

func initiativeCmd() *cobra.Command {
	ini := &cobra.Command{Use: "initiative", Short: "Manage initiatives and submit stages"}
	ini.AddCommand(initiativeCreateCmd())
	ini.AddCommand(initiativeListCmd())
	ini.AddCommand(initiativeShowCmd())
	ini.AddCommand(initiativeSubmitCmd())
	ini.AddCommand(initiativeEventsCmd())
	ini.AddCommand(initiativeDeleteCmd())
	return ini
}

func initiativeCreateCmd() *cobra.Command {
	var opts engine.CreateInitiativeOptions
	var stage, l4 string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an initiative",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActiveStage = domain.StageKey(stage)
			if l4 != "" {
				opts.L4Date = &l4
			}
			opts.Actor = actor()
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				created, err := a.Engine.CreateInitiative(ctx, opts)
				if err != nil {
					return err
				}
				return printInitiative(created)
			})
		},
	}
	cmd.Flags().StringVar(&opts.WorkstreamID, "workstream", "", "workstream id")
	cmd.Flags().StringVar(&opts.Name, "name", "", "initiative name")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.OwnerAccountID, "owner", "", "owner account id")
	cmd.Flags().StringVar(&opts.OwnerName, "owner-name", "", "owner display name")
	cmd.Flags().StringVar(&opts.Status, "status", "", "free-form status label")
	cmd.Flags().StringVar(&stage, "stage", "", "initial active stage (default l0)")
	cmd.Flags().StringVar(&l4, "l4-date", "", "target L4 date (YYYY-MM-DD)")
	_ = cmd.MarkFlagRequired("workstream")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func initiativeListCmd() *cobra.Command {
	var workstream string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List initiatives",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListInitiatives(ctx, workstream)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, ini := range items {
					st := ini.StageState[ini.ActiveStage]
					rows = append(rows, table.Row{ini.ID, ini.Name, ini.ActiveStage, st.Status, st.RoundIndex, ini.Version})
				}
				return printTable(items, table.Row{"ID", "Name", "Stage", "State", "Round", "Version"}, rows)
			})
		},
	}
	cmd.Flags().StringVar(&workstream, "workstream", "", "filter by workstream id")
	return cmd
}

func initiativeShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <initiative-id>",
		Short: "Show an initiative",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				ini, err := a.Engine.GetInitiative(ctx, args[0])
				if err != nil {
					return err
				}
				return printInitiative(ini)
			})
		},
	}
}

func printInitiative(ini domain.Initiative) error {
	if viper.GetBool("json") {
		return printJSON(ini)
	}
	fmt.Printf("%s  %s (version %d)\nworkstream %s, active stage %s\n", ini.ID, ini.Name, ini.Version, ini.WorkstreamID, ini.ActiveStage)
	var rows []table.Row
	for _, key := range engine.WorkingStages() {
		st := ini.StageState[key]
		p := ini.Stages[key]
		var benefits, costs float64
		for _, f := range p.Financials {
			if f.Kind == domain.FinancialBenefit {
				benefits += f.Total()
			} else {
				costs += f.Total()
			}
		}
		marker := ""
		if key == ini.ActiveStage {
			marker = "*"
		}
		rows = append(rows, table.Row{marker + string(key), st.Status, st.RoundIndex, valueOr(st.Comment, ""), benefits, costs})
	}
	return printTable(nil, table.Row{"Stage", "State", "Round", "Comment", "Benefits", "Costs"}, rows)
}

func initiativeSubmitCmd() *cobra.Command {
	var version int
	cmd := &cobra.Command{
		Use:   "submit <initiative-id>",
		Short: "Submit the active stage for approval",
		Long:  "Submits with --version, or with the currently stored version when it is omitted.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				v := version
				if v == 0 {
					current, err := a.Engine.GetInitiative(ctx, args[0])
					if err != nil {
						return err
					}
					v = current.Version
				}
				ini, err := a.Engine.SubmitStage(ctx, engine.SubmitOptions{InitiativeID: args[0], Version: v, Actor: actor()})
				if err != nil {
					return err
				}
				return printInitiative(ini)
			})
		},
	}
	cmd.Flags().IntVar(&version, "version", 0, "expected initiative version")
	return cmd
}

func initiativeEventsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "events <initiative-id>",
		Short: "Show the change timeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListEvents(ctx, args[0])
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, e := range items {
					who := e.ActorName
					if who == "" {
						who = valueOr(e.ActorAccountID, "")
					}
					rows = append(rows, table.Row{e.Version, e.CreatedAt, e.Field, truncate(valueOr(e.Previous, ""), 40), truncate(valueOr(e.Next, ""), 40), who})
				}
				return printTable(items, table.Row{"Version", "At", "Field", "Previous", "Next", "Actor"}, rows)
			})
		},
	}
}

func initiativeDeleteCmd() *cobra.Command {
	var version int
	cmd := &cobra.Command{
		Use:   "delete <initiative-id>",
		Short: "Delete an initiative with its approvals and history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Engine.DeleteInitiative(ctx, args[0], version)
			})
		},
	}
	cmd.Flags().IntVar(&version, "version", 0, "expected initiative version")
	_ = cmd.MarkFlagRequired("version")
	return cmd
}

func approvalCmd() *cobra.Command {
	ap := &cobra.Command{Use: "approval", Short: "List and decide approval tasks"}
	ap.AddCommand(approvalListCmd())
	ap.AddCommand(approvalDecideCmd())
	return ap
}

func approvalListCmd() *cobra.Command {
	var initiative string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pending approvals of --account-id, or all rows of --initiative",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var (
					items []domain.ApprovalTask
					err   error
				)
				if initiative != "" {
					items, err = a.Engine.ListApprovals(ctx, initiative)
				} else {
					account, accErr := requireAccount()
					if accErr != nil {
						return accErr
					}
					items, err = a.Engine.PendingApprovalsFor(ctx, account)
				}
				if err != nil {
					return err
				}
				sort.SliceStable(items, func(i, j int) bool { return items[i].CreatedAt < items[j].CreatedAt })
				rows := make([]table.Row, 0, len(items))
				for _, t := range items {
					rows = append(rows, table.Row{t.ID, t.InitiativeID, t.StageKey, t.RoundIndex, t.Role, t.Rule, t.AccountID, t.Status})
				}
				return printTable(items, table.Row{"ID", "Initiative", "Stage", "Round", "Role", "Rule", "Account", "Status"}, rows)
			})
		},
	}
	cmd.Flags().StringVar(&initiative, "initiative", "", "list every row of this initiative")
	return cmd
}

func approvalDecideCmd() *cobra.Command {
	var comment string
	cmd := &cobra.Command{
		Use:   "decide <approval-id> <approve|return|reject>",
		Short: "Record a decision as --account-id",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			account, err := requireAccount()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				ini, err := a.Engine.DecideApproval(ctx, engine.DecisionOptions{
					ApprovalID: args[0],
					AccountID:  account,
					Decision:   engine.Decision(strings.ToLower(args[1])),
					Comment:    comment,
					Actor:      actor(),
				})
				if err != nil {
					return err
				}
				return printInitiative(ini)
			})
		},
	}
	cmd.Flags().StringVarP(&comment, "comment", "m", "", "decision comment")
	return cmd
}

func snapshotCmd() *cobra.Command {
	sn := &cobra.Command{Use: "snapshot", Short: "Capture and list portfolio snapshots"}
	sn.AddCommand(&cobra.Command{
		Use:   "capture <workstream-id>",
		Short: "Capture a snapshot of the workstream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				snap, err := a.Engine.CaptureSnapshot(ctx, args[0], actor())
				if err != nil {
					return err
				}
				return printSnapshots([]domain.Snapshot{snap})
			})
		},
	})
	sn.AddCommand(&cobra.Command{
		Use:   "list <workstream-id>",
		Short: "List snapshots, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListSnapshots(ctx, args[0])
				if err != nil {
					return err
				}
				return printSnapshots(items)
			})
		},
	})
	return sn
}

func printSnapshots(items []domain.Snapshot) error {
	rows := make([]table.Row, 0, len(items))
	for _, s := range items {
		var benefits, costs float64
		for _, v := range s.Summary.Benefits {
			benefits += v
		}
		for _, v := range s.Summary.Costs {
			costs += v
		}
		rows = append(rows, table.Row{s.ID, s.CreatedAt, s.CapturedBy, s.Summary.Initiatives, benefits, costs})
	}
	return printTable(items, table.Row{"ID", "At", "By", "Initiatives", "Benefits", "Costs"}, rows)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
