package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"famtasks/internal/app"
	"famtasks/internal/catalog"
	"famtasks/internal/config"
	"famtasks/internal/db"
	"famtasks/internal/deps"
	"famtasks/internal/domain"
	"famtasks/internal/migrate"
	"famtasks/internal/repo"
	"famtasks/internal/rules"
	"famtasks/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "ft",
	Short: "Family task checklist",
	Long: `famtasks tracks the tasks a family has to get through, in dependency order.
Core concepts:
- Templates: the catalog of tasks every family goes through.
- Dependencies: "passport depends on birth certificate". Required ones block, optional ones only show up as hints. Cycles are refused.
- Families: each family gets its own copy of every template, starting at not_started.
- Transitions: not_started -> in_progress -> completed. Moving forward needs every required dependency completed; moving back is always allowed.
- Rules: when a task completes (or changes status), enable or complete another task, assign someone, or send a notification.
- Event log: every change, view with 'ft log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		color.New(color.FgRed).Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("FAMTASKS")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "debug logging")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(catalogCmd())
	rootCmd.AddCommand(templateCmd())
	rootCmd.AddCommand(familyCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(ruleCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Workspace configuration (famtasks.yml)"}
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default famtasks.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(c)
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate famtasks.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(viper.GetString("workspace")); err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	})
	return cfg
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show workspace database and catalog summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				version, err := migrate.Version(a.DB)
				if err != nil {
					return err
				}
				templates, err := a.Catalog.ListTemplates(ctx)
				if err != nil {
					return err
				}
				edges, err := a.Catalog.ListDependencies(ctx, "")
				if err != nil {
					return err
				}
				families, err := a.Repo.ListFamilies(ctx)
				if err != nil {
					return err
				}
				activeRules, err := a.Rules.ListRules(ctx, true)
				if err != nil {
					return err
				}
				out := map[string]any{
					"database":       db.Path(a.Workspace),
					"schema_version": version,
					"templates":      len(templates),
					"dependencies":   len(edges),
					"families":       len(families),
					"active_rules":   len(activeRules),
				}
				return printJSONOrTable(out)
			})
		},
	}
}

func userCmd() *cobra.Command {
	u := &cobra.Command{Use: "user", Short: "Users that rules can assign or notify"}
	var id, name, email string
	add := &cobra.Command{
		Use:   "add",
		Short: "Create or update a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				user := domain.User{ID: id, Name: name, Email: email}
				if err := a.Repo.UpsertUser(ctx, user); err != nil {
					return err
				}
				return printJSONOrTable(user)
			})
		},
	}
	add.Flags().StringVar(&id, "id", "", "user id")
	add.Flags().StringVar(&name, "name", "", "display name")
	add.Flags().StringVar(&email, "email", "", "email")
	u.AddCommand(add)
	u.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				users, err := a.Repo.ListUsers(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(users)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Email"})
				for _, user := range users {
					tw.AppendRow(table.Row{user.ID, user.Name, user.Email})
				}
				tw.Render()
				return nil
			})
		},
	})
	return u
}

func catalogCmd() *cobra.Command {
	cat := &cobra.Command{
		Use:   "catalog",
		Short: "Task templates and their dependency graph",
	}
	cat.AddCommand(catalogImportCmd())
	cat.AddCommand(catalogShowCmd())
	cat.AddCommand(catalogAddDepCmd())
	cat.AddCommand(catalogRemoveDepCmd())
	cat.AddCommand(catalogCheckCmd())
	return cat
}

func catalogImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import templates, dependencies, users and rules from YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				summary, err := a.ImportCatalogFile(ctx, file, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(summary)
				}
				fmt.Printf("templates: %d created, %d updated; dependencies: %d; users: %d; rules: %d\n",
					summary.TemplatesCreated, summary.TemplatesUpdated, summary.Dependencies, summary.Users, summary.Rules)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "catalog YAML file")
	return cmd
}

func catalogShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show templates in dependency order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				templates, err := a.Catalog.TopologicalOrder(ctx)
				if err != nil {
					return err
				}
				edges, err := a.Catalog.ListDependencies(ctx, "")
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"templates": templates, "dependencies": edges})
				}
				byTask := map[string][]string{}
				for _, e := range edges {
					label := e.DependsOnTaskID
					if e.Type == domain.DependencyOptional {
						label += " (optional)"
					}
					byTask[e.TaskID] = append(byTask[e.TaskID], label)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Order", "Template", "Depends On"})
				for _, t := range templates {
					tw.AppendRow(table.Row{t.ID, t.Title, t.DisplayOrder, t.IsTemplate, strings.Join(byTask[t.ID], ", ")})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func catalogAddDepCmd() *cobra.Command {
	var task, dependsOn, typ string
	cmd := &cobra.Command{
		Use:   "add-dep",
		Short: "Add a dependency edge (task depends on --depends-on)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if task == "" || dependsOn == "" {
				return fmt.Errorf("--task and --depends-on required")
			}
			dt, err := domain.ParseDependencyType(typ)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				edge, err := a.Catalog.AddDependency(ctx, task, dependsOn, dt, viper.GetString("actor-id"))
				if err != nil {
					var ce *catalog.CycleError
					if errors.As(err, &ce) && !viper.GetBool("json") {
						fmt.Fprintln(os.Stderr, "cycle:", strings.Join(ce.Path, " -> "))
					}
					return err
				}
				return printJSONOrTable(edge)
			})
		},
	}
	cmd.Flags().StringVar(&task, "task", "", "dependent task id")
	cmd.Flags().StringVar(&dependsOn, "depends-on", "", "prerequisite task id")
	cmd.Flags().StringVar(&typ, "type", "required", "required|optional")
	return cmd
}

func catalogRemoveDepCmd() *cobra.Command {
	var task, dependsOn string
	cmd := &cobra.Command{
		Use:   "remove-dep",
		Short: "Remove a dependency edge",
		RunE: func(cmd *cobra.Command, args []string) error {
			if task == "" || dependsOn == "" {
				return fmt.Errorf("--task and --depends-on required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				removed, err := a.Catalog.RemoveDependency(ctx, task, dependsOn, nil, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]bool{"removed": removed})
			})
		},
	}
	cmd.Flags().StringVar(&task, "task", "", "dependent task id")
	cmd.Flags().StringVar(&dependsOn, "depends-on", "", "prerequisite task id")
	return cmd
}

func catalogCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Verify the stored dependency graph is acyclic",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				cycle, err := a.Catalog.Check(ctx)
				if err != nil {
					return err
				}
				if len(cycle) > 0 {
					return fmt.Errorf("dependency graph has a cycle: %s", strings.Join(cycle, " -> "))
				}
				color.New(color.FgGreen).Println("dependency graph is acyclic")
				return nil
			})
		},
	}
}

func templateCmd() *cobra.Command {
	tpl := &cobra.Command{Use: "template", Short: "Manage task templates"}
	tpl.AddCommand(templateCreateCmd())
	tpl.AddCommand(templateUpdateCmd())
	tpl.AddCommand(templateListCmd())
	return tpl
}

func templateCreateCmd() *cobra.Command {
	var opts catalog.TemplateCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create task template",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Title == "" {
				return fmt.Errorf("--title required")
			}
			opts.ActorID = viper.GetString("actor-id")
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Catalog.CreateTemplate(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "template id (generated if empty)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.Category, "category", "", "category")
	cmd.Flags().IntVar(&opts.DisplayOrder, "order", 0, "display order")
	cmd.Flags().BoolVar(&opts.NotTemplate, "not-template", false, "exclude from new families")
	return cmd
}

func templateUpdateCmd() *cobra.Command {
	var title, desc string
	var order int
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Edit title, description or display order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := catalog.TemplateUpdateOptions{ID: args[0], ActorID: viper.GetString("actor-id")}
			if cmd.Flags().Changed("title") {
				opts.Title = &title
			}
			if cmd.Flags().Changed("description") {
				opts.Description = &desc
			}
			if cmd.Flags().Changed("order") {
				opts.DisplayOrder = &order
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Catalog.UpdateTemplate(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().IntVar(&order, "order", 0, "display order")
	return cmd
}

func templateListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List task templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				templates, err := a.Catalog.ListTemplates(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(templates)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Category", "Order", "Template"})
				for _, t := range templates {
					tw.AppendRow(table.Row{t.ID, t.Title, t.Category, t.DisplayOrder, t.IsTemplate})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func familyCmd() *cobra.Command {
	fam := &cobra.Command{Use: "family", Short: "Families and their task checklists"}
	fam.AddCommand(familyCreateCmd())
	fam.AddCommand(familyListCmd())
	fam.AddCommand(familyTasksCmd())
	fam.AddCommand(familyReadyCmd())
	fam.AddCommand(familyBoardCmd())
	return fam
}

func familyCreateCmd() *cobra.Command {
	var id, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a family with one task per template",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				tasks, err := a.Engine.Materialize(ctx, id, name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				fmt.Printf("family %s created with %d tasks\n", id, len(tasks))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "family id")
	cmd.Flags().StringVar(&name, "name", "", "family name")
	return cmd
}

func familyListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List families",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				families, err := a.Repo.ListFamilies(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(families)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Created"})
				for _, f := range families {
					tw.AppendRow(table.Row{f.ID, f.Name, f.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func familyTasksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tasks <family>",
		Short: "List a family's tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				tasks, err := a.Engine.ListFamilyTasks(ctx, args[0])
				if err != nil {
					return err
				}
				return printInstances(tasks)
			})
		},
	}
}

func familyReadyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ready <family>",
		Short: "Tasks that can be started now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				ready, err := a.Deps.ReadyTasks(ctx, args[0])
				if err != nil {
					return err
				}
				return printInstances(ready)
			})
		},
	}
}

func familyBoardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "board <family>",
		Short: "Every task with its status and what blocks it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				board, err := a.Deps.Board(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(board)
				}
				printBoard(board)
				return nil
			})
		},
	}
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Move a family's tasks through their lifecycle"}
	task.AddCommand(taskTransitionCmd("start", "Mark task in progress", domain.StatusInProgress))
	task.AddCommand(taskTransitionCmd("complete", "Mark task completed", domain.StatusCompleted))
	task.AddCommand(taskTransitionCmd("reset", "Move task back to not started", domain.StatusNotStarted))
	task.AddCommand(taskSetCmd())
	task.AddCommand(taskCheckCmd())
	return task
}

func taskTransitionCmd(use, short string, status domain.Status) *cobra.Command {
	var notes string
	cmd := &cobra.Command{
		Use:   use + " <family> <task>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var n *string
			if cmd.Flags().Changed("notes") {
				n = &notes
			}
			return transition(cmd.Context(), args[0], args[1], status, n)
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "notes to store on the task")
	return cmd
}

func taskSetCmd() *cobra.Command {
	var status, notes string
	cmd := &cobra.Command{
		Use:   "set <family> <task>",
		Short: "Request any status, or only update notes",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := domain.ParseStatus(status)
			if err != nil {
				return err
			}
			var n *string
			if cmd.Flags().Changed("notes") {
				n = &notes
			}
			return transition(cmd.Context(), args[0], args[1], st, n)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "not_started|in_progress|completed")
	cmd.Flags().StringVar(&notes, "notes", "", "notes to store on the task")
	return cmd
}

func transition(ctx context.Context, familyID, taskID string, status domain.Status, notes *string) error {
	return withApp(ctx, func(ctx context.Context, a *app.App) error {
		res, err := a.Engine.TransitionByTask(ctx, familyID, taskID, status, notes, viper.GetString("actor-id"))
		if err != nil {
			return err
		}
		if viper.GetBool("json") {
			return printJSON(res)
		}
		if !res.Changed {
			fmt.Printf("%s already %s\n", taskID, res.Instance.Status)
			return nil
		}
		fmt.Printf("%s -> %s\n", taskID, statusColor(res.Instance.Status).Sprint(res.Instance.Status))
		return nil
	})
}

func taskCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check <family> <task>",
		Short: "Show whether a task's dependencies allow it to start",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if _, err := a.Engine.GetFamilyTask(ctx, args[0], args[1]); err != nil {
					return err
				}
				res, err := a.Deps.Validate(ctx, args[1], args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				if res.CanStart {
					color.New(color.FgGreen).Println("can start")
				} else {
					color.New(color.FgRed).Println("blocked by:", strings.Join(res.MissingRequired, ", "))
				}
				if len(res.MissingOptional) > 0 {
					color.New(color.FgYellow).Println("optional, not done:", strings.Join(res.MissingOptional, ", "))
				}
				return nil
			})
		},
	}
}

func ruleCmd() *cobra.Command {
	r := &cobra.Command{Use: "rule", Short: "Workflow automation rules"}
	r.AddCommand(ruleCreateCmd())
	r.AddCommand(ruleListCmd())
	r.AddCommand(ruleActiveCmd("enable", true))
	r.AddCommand(ruleActiveCmd("disable", false))
	return r
}

func ruleCreateCmd() *cobra.Command {
	var in rules.RuleInput
	var triggerTask, triggerStatus, targetTask, targetUser string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a workflow rule",
		RunE: func(cmd *cobra.Command, args []string) error {
			in.TriggerTaskID = optionalString(triggerTask)
			in.TriggerStatus = optionalString(triggerStatus)
			in.ActionTargetTaskID = optionalString(targetTask)
			in.ActionTargetUserID = optionalString(targetUser)
			if in.TargetType == "" {
				if tt, ok := domain.TargetTypeFor(domain.Action(in.Action)); ok {
					in.TargetType = string(tt)
				}
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rule, err := a.Rules.CreateRule(ctx, in)
				if err != nil {
					var rv *rules.RuleValidationError
					if errors.As(err, &rv) && !viper.GetBool("json") {
						for _, v := range rv.Violations {
							fmt.Fprintln(os.Stderr, " -", v)
						}
					}
					return err
				}
				return printJSONOrTable(rule)
			})
		},
	}
	cmd.Flags().StringVar(&in.ID, "id", "", "rule id (generated if empty)")
	cmd.Flags().StringVar(&in.Name, "name", "", "rule name")
	cmd.Flags().StringVar(&in.TriggerCondition, "trigger", "task_completed", "task_completed|status_change")
	cmd.Flags().StringVar(&triggerTask, "trigger-task", "", "task whose change fires the rule")
	cmd.Flags().StringVar(&triggerStatus, "trigger-status", "", "status for status_change triggers")
	cmd.Flags().StringVar(&in.Action, "action", "", "auto_enable|auto_complete|assign_user|send_notification")
	cmd.Flags().StringVar(&in.TargetType, "target-type", "", "task|user (derived from --action when empty)")
	cmd.Flags().StringVar(&targetTask, "target-task", "", "task acted on")
	cmd.Flags().StringVar(&targetUser, "target-user", "", "user acted on")
	return cmd
}

func ruleListCmd() *cobra.Command {
	var activeOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflow rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Rules.ListRules(ctx, activeOnly)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Trigger", "Action", "Target", "Active"})
				for _, r := range items {
					trigger := string(r.TriggerCondition)
					if r.TriggerTaskID != nil {
						trigger += " " + *r.TriggerTaskID
					}
					if r.TriggerStatus != nil {
						trigger += "=" + string(*r.TriggerStatus)
					}
					target := ""
					if r.ActionTargetTaskID != nil {
						target = *r.ActionTargetTaskID
					} else if r.ActionTargetUserID != nil {
						target = *r.ActionTargetUserID
					}
					tw.AppendRow(table.Row{r.ID, r.Name, trigger, r.Action, target, r.IsActive})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&activeOnly, "active", false, "only active rules")
	return cmd
}

func ruleActiveCmd(use string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: strings.ToUpper(use[:1]) + use[1:] + " a workflow rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rule, err := a.Rules.SetRuleActive(ctx, args[0], active)
				if err != nil {
					return err
				}
				return printJSONOrTable(rule)
			})
		},
	}
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every status change, completion and catalog edit, newest first.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				f.Limit = n
				events, err := a.Repo.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Family", "Entity", "Actor"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.FamilyID, e.EntityKind + ":" + e.EntityID, e.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.FamilyID, "family", "", "family filter")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if !cmd.Flags().Changed("addr") {
					addr = a.Config.Server.Addr
				}
				if !cmd.Flags().Changed("base-path") {
					basePath = a.Config.Server.BasePath
				}
				handler, err := server.New(server.Config{
					Catalog:  a.Catalog,
					Deps:     a.Deps,
					Engine:   a.Engine,
					Rules:    a.Rules,
					Events:   a.Repo,
					Families: a.Repo,
					Metrics:  a.Metrics,
					Logger:   a.Logger.With("component", "http"),
					BasePath: basePath,
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving famtasks API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	return cmd
}

// --- helpers ---

// withApp opens the workspace and drains pending notifications on the way out.
func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(ctx, app.Options{
		Workspace: viper.GetString("workspace"),
		Logger:    app.NewLogger(os.Stderr, viper.GetBool("verbose")),
	})
	if err != nil {
		return err
	}
	runErr := fn(ctx, a)
	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Close(closeCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func printInstances(tasks []domain.FamilyTaskInstance) error {
	if viper.GetBool("json") {
		return printJSON(tasks)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Task", "Status", "Assignee", "Completed", "Notes"})
	for _, t := range tasks {
		assignee := ""
		if t.AssigneeID != nil {
			assignee = *t.AssigneeID
		}
		completed := ""
		if t.CompletedAt != nil {
			completed = *t.CompletedAt
		}
		tw.AppendRow(table.Row{t.TaskID, statusColor(t.Status).Sprint(t.Status), assignee, completed, t.Notes})
	}
	tw.Render()
	return nil
}

func printBoard(board []deps.Readiness) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Task", "Title", "Status", "Can Start", "Blocked By", "Optional Pending"})
	for _, r := range board {
		canStart := color.New(color.FgGreen).Sprint("yes")
		if !r.CanStart {
			canStart = color.New(color.FgRed).Sprint("no")
		}
		tw.AppendRow(table.Row{
			r.Instance.TaskID,
			r.Title,
			statusColor(r.Instance.Status).Sprint(r.Instance.Status),
			canStart,
			strings.Join(r.MissingRequired, ", "),
			strings.Join(r.MissingOptional, ", "),
		})
	}
	tw.Render()
}

func statusColor(s domain.Status) *color.Color {
	switch s {
	case domain.StatusCompleted:
		return color.New(color.FgGreen)
	case domain.StatusInProgress:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgWhite)
	}
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

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
