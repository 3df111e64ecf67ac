package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"mechline/internal/app"
	"mechline/internal/authz"
	"mechline/internal/config"
	"mechline/internal/db"
	"mechline/internal/domain"
	"mechline/internal/engine"
	"mechline/internal/migrate"
	"mechline/internal/repo"
	"mechline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "mech",
	Short: "Mechline CLI",
	Long: `Mechline tracks maintenance work across sites.
Core concepts:
- Sites: physical locations (plants, depots). Each user is granted sites;
  managers and admins see all of them.
- Assets: the machines being maintained, coded per asset type (PUMP-000001).
- Work orders: corrective/preventive/inspection jobs numbered per day
  (WO-20260314-000001) that flow open -> assigned -> in_progress ->
  completed -> approved_closed, with waiting_parts/waiting_vendor holds
  and cancelled as an exit.
- Roles: viewer < fitter < supervisor < manager < admin. Fitters open and
  complete work, supervisors assign and approve, admins manage sites/users.
- Audit log: every mutation lands in the event log; view with 'mech audit tail'.`,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("MECHLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("data-dir", "d", ".", "data directory holding the database")
	rootCmd.PersistentFlags().String("config", "mechline.yml", "path to YAML config")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("user-id", "local-admin", "acting user id")
	rootCmd.PersistentFlags().String("role", "admin", "acting role (viewer, fitter, supervisor, manager, admin)")
	rootCmd.PersistentFlags().StringArray("site", []string{}, "granted site id (repeatable)")
	_ = viper.BindPFlag("data-dir", rootCmd.PersistentFlags().Lookup("data-dir"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("user-id", rootCmd.PersistentFlags().Lookup("user-id"))
	_ = viper.BindPFlag("role", rootCmd.PersistentFlags().Lookup("role"))
	_ = viper.BindPFlag("site", rootCmd.PersistentFlags().Lookup("site"))
}

func registerCommands() {
	rootCmd.AddCommand(siteCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(assetTypeCmd())
	rootCmd.AddCommand(assetCmd())
	rootCmd.AddCommand(woCmd())
	rootCmd.AddCommand(sequenceCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(serveCmd())
}

func siteCmd() *cobra.Command {
	site := &cobra.Command{Use: "site", Short: "Manage sites"}
	site.AddCommand(siteCreateCmd())
	site.AddCommand(siteListCmd())
	site.AddCommand(siteShowCmd())
	return site
}

func siteCreateCmd() *cobra.Command {
	var s domain.Site
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create site",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.CreateSite(ctx, cliIdentity(), s)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&s.ID, "id", "", "site id (optional, UUID if omitted)")
	cmd.Flags().StringVar(&s.Name, "name", "", "name")
	cmd.Flags().StringVar(&s.Timezone, "timezone", "", "IANA timezone")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func siteListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sites",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListSites(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Timezone"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.ID, s.Name, s.Timezone})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func siteShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a site",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				s, err := r.GetSite(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	return cmd
}

func userCmd() *cobra.Command {
	user := &cobra.Command{Use: "user", Short: "Manage users"}
	user.AddCommand(userCreateCmd())
	user.AddCommand(userListCmd())
	user.AddCommand(userShowCmd())
	user.AddCommand(userGrantSiteCmd())
	user.AddCommand(userRevokeSiteCmd())
	user.AddCommand(userCreateKeyCmd())
	user.AddCommand(userRevokeKeyCmd())
	return user
}

func userRevokeKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke-key <user-id> <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.RevokeAPIKey(ctx, cliIdentity(), args[0], args[1])
			})
		},
	}
	return cmd
}

func userCreateCmd() *cobra.Command {
	var u domain.User
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.CreateUser(ctx, cliIdentity(), u)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&u.ID, "id", "", "user id (optional, UUID if omitted)")
	cmd.Flags().StringVar(&u.Name, "name", "", "display name")
	cmd.Flags().StringVar(&u.Role, "user-role", "viewer", "role for the new user")
	cmd.Flags().StringArrayVar(&u.SiteIDs, "grant-site", []string{}, "site grant (repeatable)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func userListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListUsers(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Role"})
				for _, u := range items {
					tw.AppendRow(table.Row{u.ID, u.Name, u.Role})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func userShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a user with site grants",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				u, err := r.GetUser(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	return cmd
}

func userGrantSiteCmd() *cobra.Command {
	var siteID string
	cmd := &cobra.Command{
		Use:   "grant-site <user-id>",
		Short: "Grant a site to a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID := args[0]
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if _, err := r.GetUser(ctx, userID); err != nil {
					return err
				}
				if _, err := r.GetSite(ctx, siteID); err != nil {
					return err
				}
				return r.InTx(ctx, func(tx *sql.Tx) error {
					return r.AssignUserSite(ctx, tx, userID, siteID)
				})
			})
		},
	}
	cmd.Flags().StringVar(&siteID, "site-id", "", "site id")
	_ = cmd.MarkFlagRequired("site-id")
	return cmd
}

func userRevokeSiteCmd() *cobra.Command {
	var siteID string
	cmd := &cobra.Command{
		Use:   "revoke-site <user-id>",
		Short: "Revoke a site grant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID := args[0]
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.InTx(ctx, func(tx *sql.Tx) error {
					return r.RevokeUserSite(ctx, tx, userID, siteID)
				})
			})
		},
	}
	cmd.Flags().StringVar(&siteID, "site-id", "", "site id")
	_ = cmd.MarkFlagRequired("site-id")
	return cmd
}

func userCreateKeyCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create-key <user-id>",
		Short: "Issue an API key for a user (plaintext printed once)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID := args[0]
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if _, err := r.GetUser(ctx, userID); err != nil {
					return err
				}
				plaintext := "mk_" + strings.ReplaceAll(uuid.New().String(), "-", "")
				key := domain.APIKey{
					ID:        uuid.New().String(),
					UserID:    userID,
					Name:      name,
					KeyHash:   repo.HashAPIKey(plaintext),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"id":      key.ID,
					"user_id": key.UserID,
					"name":    key.Name,
					"key":     plaintext,
				})
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func assetTypeCmd() *cobra.Command {
	at := &cobra.Command{Use: "asset-type", Short: "Manage asset types"}
	at.AddCommand(assetTypeCreateCmd())
	at.AddCommand(assetTypeListCmd())
	return at
}

func assetTypeCreateCmd() *cobra.Command {
	var t domain.AssetType
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create asset type and provision its code counter",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.CreateAssetType(ctx, cliIdentity(), t)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&t.ID, "id", "", "asset type id (optional, UUID if omitted)")
	cmd.Flags().StringVar(&t.Name, "name", "", "name")
	cmd.Flags().StringVar(&t.Prefix, "prefix", "", "code prefix, e.g. PUMP")
	cmd.Flags().StringVar(&t.Description, "description", "", "description")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("prefix")
	return cmd
}

func assetTypeListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List asset types",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAssetTypes(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Prefix", "Name"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.ID, t.Prefix, t.Name})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func assetCmd() *cobra.Command {
	asset := &cobra.Command{Use: "asset", Short: "Manage assets"}
	asset.AddCommand(assetCreateCmd())
	asset.AddCommand(assetListCmd())
	asset.AddCommand(assetShowCmd())
	asset.AddCommand(assetUpdateCmd())
	return asset
}

func assetCreateCmd() *cobra.Command {
	var opts engine.AssetCreateOptions
	var notes string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create asset (code allocated from the type's counter)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("notes") {
				opts.Notes = &notes
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.CreateAsset(ctx, cliIdentity(), opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&opts.SiteID, "site-id", "", "site id")
	cmd.Flags().StringVar(&opts.AssetTypeID, "type-id", "", "asset type id")
	cmd.Flags().StringVar(&opts.Name, "name", "", "name")
	cmd.Flags().StringVar(&opts.Location, "location", "", "location within the site")
	cmd.Flags().StringVar(&opts.Status, "status", "operational", "status (operational, degraded, down, retired)")
	cmd.Flags().StringVar(&notes, "notes", "", "free-text notes")
	_ = cmd.MarkFlagRequired("site-id")
	_ = cmd.MarkFlagRequired("type-id")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func assetListCmd() *cobra.Command {
	var f repo.AssetFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List assets",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAssets(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Code", "Name", "Site", "Status", "Location"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.Code, a.Name, a.SiteID, a.Status, a.Location})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.SiteID, "site-id", "", "site filter")
	cmd.Flags().StringVar(&f.AssetTypeID, "type-id", "", "asset type filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func assetShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show an asset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				a, err := r.GetAsset(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	return cmd
}

func assetUpdateCmd() *cobra.Command {
	var opts engine.AssetUpdateOptions
	var location, notes string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update asset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ID = args[0]
			if cmd.Flags().Changed("location") {
				opts.Location = &location
			}
			if cmd.Flags().Changed("notes") {
				opts.Notes = &notes
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.UpdateAsset(ctx, cliIdentity(), opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Name, "name", "", "new name")
	cmd.Flags().StringVar(&opts.Status, "status", "", "new status")
	cmd.Flags().StringVar(&location, "location", "", "new location")
	cmd.Flags().StringVar(&notes, "notes", "", "new notes")
	return cmd
}

func woCmd() *cobra.Command {
	wo := &cobra.Command{
		Use:   "wo",
		Short: "Manage work orders",
		Long:  "Work orders carry a per-day number like WO-20260314-000001. Fitters open and progress them, supervisors assign and approve the close.",
	}
	wo.AddCommand(woCreateCmd())
	wo.AddCommand(woListCmd())
	wo.AddCommand(woShowCmd())
	wo.AddCommand(woAssignCmd())
	wo.AddCommand(woStatusCmd())
	wo.AddCommand(woNoteCmd())
	wo.AddCommand(woNotesCmd())
	return wo
}

func woCreateCmd() *cobra.Command {
	var opts engine.WorkOrderCreateOptions
	var priority int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create work order",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("priority") {
				opts.Priority = &priority
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.CreateWorkOrder(ctx, cliIdentity(), opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&opts.SiteID, "site-id", "", "site id")
	cmd.Flags().StringVar(&opts.AssetID, "asset-id", "", "asset id (optional)")
	cmd.Flags().StringVar(&opts.Type, "type", "corrective", "type (corrective, preventive, inspection)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().IntVar(&priority, "priority", 0, "priority (lower is more urgent)")
	_ = cmd.MarkFlagRequired("site-id")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func woListCmd() *cobra.Command {
	var f repo.WorkOrderFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List work orders",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListWorkOrders(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Number", "Title", "Status", "Site", "Assignee"})
				for _, w := range items {
					assignee := ""
					if w.AssignedToID != nil {
						assignee = *w.AssignedToID
					}
					tw.AppendRow(table.Row{w.Number, w.Title, w.Status, w.SiteID, assignee})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.SiteID, "site-id", "", "site filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.AssignedToID, "assignee-id", "", "assignee filter")
	cmd.Flags().StringVar(&f.AssetID, "asset-id", "", "asset filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func woShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a work order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				w, err := r.GetWorkOrder(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	return cmd
}

func woAssignCmd() *cobra.Command {
	var assignee string
	cmd := &cobra.Command{
		Use:   "assign <id>",
		Short: "Assign work order to a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.AssignWorkOrder(ctx, cliIdentity(), id, assignee)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&assignee, "assignee-id", "", "user to assign")
	_ = cmd.MarkFlagRequired("assignee-id")
	return cmd
}

func woStatusCmd() *cobra.Command {
	var status, note string
	cmd := &cobra.Command{
		Use:   "status <id>",
		Short: "Transition work order status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.TransitionStatus(ctx, cliIdentity(), id, status, note)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "new status")
	cmd.Flags().StringVar(&note, "note", "", "note recorded with the transition")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func woNoteCmd() *cobra.Command {
	var text string
	cmd := &cobra.Command{
		Use:   "note <id>",
		Short: "Add a note to a work order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.AddNote(ctx, cliIdentity(), id, text)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&text, "text", "", "note text")
	_ = cmd.MarkFlagRequired("text")
	return cmd
}

func woNotesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "notes <id>",
		Short: "List notes on a work order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListWorkOrderNotes(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func sequenceCmd() *cobra.Command {
	seq := &cobra.Command{Use: "sequence", Short: "Inspect and advance identifier counters"}
	seq.AddCommand(sequenceShowCmd())
	seq.AddCommand(sequenceNextCmd())
	return seq
}

func sequenceShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <key>",
		Short: "Show counter value for a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				c, err := r.GetCounter(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	return cmd
}

func sequenceNextCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "next <key>",
		Short: "Allocate the next identifier for a provisioned key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				id, err := e.AllocateIdentifier(ctx, key)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{"key": key, "identifier": id})
			})
		},
	}
	return cmd
}

func auditCmd() *cobra.Command {
	a := &cobra.Command{Use: "audit", Short: "Audit event log"}
	a.AddCommand(auditTailCmd())
	return a
}

func auditTailCmd() *cobra.Command {
	var f repo.AuditFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show latest audit events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.ListAuditEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Action", "Entity", "Actor"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Action, e.EntityType + "/" + e.EntityID, e.ActingUserID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Action, "action", "", "action filter")
	cmd.Flags().StringVar(&f.EntityType, "entity-type", "", "entity type filter")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id filter")
	cmd.Flags().StringVar(&f.SiteID, "site-id", "", "site filter")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Inspect config"}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("config"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.LoadOptional(viper.GetString("config"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func tokenCmd() *cobra.Command {
	t := &cobra.Command{Use: "token", Short: "Bearer tokens"}
	t.AddCommand(tokenIssueCmd())
	return t
}

func tokenIssueCmd() *cobra.Command {
	var minutes int
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Mint a bearer token for the acting identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, err := jwtSecret()
			if err != nil {
				return err
			}
			id := cliIdentity()
			tok, err := server.SignToken(secret, id.UserID, id.Role, id.SiteIDs, time.Duration(minutes)*time.Minute)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]string{"token": tok})
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().IntVar(&minutes, "minutes", 480, "token lifetime in minutes")
	return cmd
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply schema migrations and seed the first admin",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				seeded, err := app.Bootstrap(ctx, r)
				if err != nil {
					return err
				}
				if seeded {
					fmt.Println("seeded initial admin user")
				}
				fmt.Println("database ready at", db.Path(viper.GetString("data-dir")))
				return nil
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("config"))
			if err != nil {
				return err
			}
			conn, err := db.Open(db.Config{DataDir: viper.GetString("data-dir")})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			if _, err := app.Bootstrap(cmd.Context(), r); err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{
				JWTSecret:            os.Getenv("MECHLINE_JWT_SECRET"),
				AllowLegacyHeader:    cfg.Auth.AllowLegacyHeader,
				DevLoginEnabled:      cfg.Auth.DevLoginEnabled,
				TokenLifetimeMinutes: cfg.Auth.TokenLifetimeMinutes,
			}
			if authCfg.JWTSecret == "" {
				authCfg.JWTSecret = cfg.Auth.JWTSecret
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("MECHLINE_JWT_SECRET is required for bearer auth")
			}
			if addr == "" {
				addr = cfg.Server.Addr
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			server.StartWebhookDispatcher(e)
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Mechline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to config)")
	return cmd
}

// --- helpers ---

// cliIdentity builds the acting principal from flags. Local invocations trust
// the caller; the HTTP server is where tokens are verified.
func cliIdentity() authz.Identity {
	role, err := authz.ParseRole(viper.GetString("role"))
	if err != nil {
		role = authz.RoleViewer
	}
	return authz.Identity{
		UserID:  viper.GetString("user-id"),
		Role:    role,
		SiteIDs: viper.GetStringSlice("site"),
	}
}

func jwtSecret() (string, error) {
	if secret := os.Getenv("MECHLINE_JWT_SECRET"); secret != "" {
		return secret, nil
	}
	cfg, err := config.LoadOptional(viper.GetString("config"))
	if err != nil {
		return "", err
	}
	if cfg.Auth.JWTSecret == "" {
		return "", fmt.Errorf("MECHLINE_JWT_SECRET is not set and config has no jwt_secret")
	}
	return cfg.Auth.JWTSecret, nil
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	conn, err := db.Open(db.Config{DataDir: viper.GetString("data-dir")})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.LoadOptional(viper.GetString("config"))
	if err != nil {
		return err
	}
	return fn(ctx, engine.New(conn, cfg))
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	conn, err := db.Open(db.Config{DataDir: viper.GetString("data-dir")})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
