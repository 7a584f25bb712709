package main

import (
	"context"
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

	"skylane/internal/app"
	"skylane/internal/config"
	"skylane/internal/conformance"
	"skylane/internal/db"
	"skylane/internal/domain"
	"skylane/internal/engine"
	"skylane/internal/opstate"
	"skylane/internal/repo"
	"skylane/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "sky",
	Short: "Skylane CLI",
	Long: `Skylane is a strategic deconfliction provider for uncrewed aircraft.
It declares flight operations to a shared registry, detects airspace conflicts
before takeoff, monitors in-flight conformance from telemetry, and notifies
peer providers when intents change.

Workspace: the .skylane directory holds the database; skylane.yml holds the
provider identity, registry endpoint, and auth credentials.`,
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
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("SKYLANE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-operator", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(configCommand())
	rootCmd.AddCommand(operationCmd())
	rootCmd.AddCommand(telemetryCmd())
	rootCmd.AddCommand(geofenceCmd())
	rootCmd.AddCommand(conformanceCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCommand() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage workspace config",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var manager, baseURL string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default skylane.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if manager == "" {
				return fmt.Errorf("--manager required")
			}
			if baseURL == "" {
				return fmt.Errorf("--base-url required")
			}
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(manager, baseURL)), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&manager, "manager", "", "provider identity reported to the registry")
	cmd.Flags().StringVar(&baseURL, "base-url", "", "public base URL of this provider")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate skylane.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(viper.GetString("workspace")); err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	}
}

func operationCmd() *cobra.Command {
	op := &cobra.Command{Use: "operation", Short: "Manage flight operations"}
	op.AddCommand(operationCreateCmd())
	op.AddCommand(operationListCmd())
	op.AddCommand(operationShowCmd())
	op.AddCommand(operationEventCmd("activate", "Activate an accepted operation", opstate.EventOperatorActivates))
	op.AddCommand(operationEventCmd("end", "Confirm the flight is over", opstate.EventOperatorConfirmsEnded))
	op.AddCommand(operationRawEventCmd())
	op.AddCommand(operationDeleteCmd())
	return op
}

func operationCreateCmd() *cobra.Command {
	var (
		aircraftID   string
		priority     int
		volumesFile  string
		lng, lat     float64
		radiusM      float64
		altLower     float64
		altUpper     float64
		start, end   string
		durationMins int
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Declare a flight operation",
		RunE: func(cmd *cobra.Command, args []string) error {
			if aircraftID == "" {
				return fmt.Errorf("--aircraft-id required")
			}
			volumes, err := loadVolumes(volumesFile, lng, lat, radiusM, altLower, altUpper, start, end, durationMins)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				op, err := a.Engine.CreateOperation(ctx, engine.OperationCreateOptions{
					AircraftID: aircraftID,
					Priority:   priority,
					Volumes:    volumes,
					ActorID:    viper.GetString("actor-id"),
				})
				if err != nil {
					var ce engine.LocalConflictError
					if errors.As(err, &ce) {
						fmt.Printf("operation %s rejected: %s\n", op.ID, err)
						return nil
					}
					return err
				}
				return printJSON(op)
			})
		},
	}
	cmd.Flags().StringVar(&aircraftID, "aircraft-id", "", "aircraft identifier")
	cmd.Flags().IntVar(&priority, "priority", 0, "operation priority")
	cmd.Flags().StringVar(&volumesFile, "volumes-file", "", "JSON file with an array of 4D volumes")
	cmd.Flags().Float64Var(&lng, "lng", 0, "circle center longitude")
	cmd.Flags().Float64Var(&lat, "lat", 0, "circle center latitude")
	cmd.Flags().Float64Var(&radiusM, "radius-m", 0, "circle radius in meters")
	cmd.Flags().Float64Var(&altLower, "alt-lower", 0, "lower altitude in meters")
	cmd.Flags().Float64Var(&altUpper, "alt-upper", 120, "upper altitude in meters")
	cmd.Flags().StringVar(&start, "start", "", "start time (RFC3339, default now)")
	cmd.Flags().StringVar(&end, "end", "", "end time (RFC3339)")
	cmd.Flags().IntVar(&durationMins, "duration", 30, "duration in minutes when --end is not set")
	return cmd
}

// loadVolumes reads the declared volumes from a file, or builds a single
// circular volume from the flags.
func loadVolumes(file string, lng, lat, radiusM, altLower, altUpper float64, start, end string, durationMins int) ([]domain.Volume4D, error) {
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		var volumes []domain.Volume4D
		if err := json.Unmarshal(data, &volumes); err != nil {
			return nil, fmt.Errorf("parse %s: %w", file, err)
		}
		return volumes, nil
	}
	if radiusM <= 0 {
		return nil, fmt.Errorf("--volumes-file or --radius-m required")
	}
	startT := time.Now().UTC()
	if start != "" {
		t, err := time.Parse(time.RFC3339, start)
		if err != nil {
			return nil, fmt.Errorf("parse --start: %w", err)
		}
		startT = t.UTC()
	}
	endT := startT.Add(time.Duration(durationMins) * time.Minute)
	if end != "" {
		t, err := time.Parse(time.RFC3339, end)
		if err != nil {
			return nil, fmt.Errorf("parse --end: %w", err)
		}
		endT = t.UTC()
	}
	return []domain.Volume4D{{
		Volume: domain.Volume3D{
			OutlineCircle: &domain.Circle{
				Center:  domain.LatLngPoint{Lng: lng, Lat: lat},
				RadiusM: radiusM,
			},
			AltitudeLower: domain.Altitude{Value: altLower, Reference: "W84", Units: "M"},
			AltitudeUpper: domain.Altitude{Value: altUpper, Reference: "W84", Units: "M"},
		},
		TimeStart: domain.TimePoint{Value: startT.Format(time.RFC3339), Format: "RFC3339"},
		TimeEnd:   domain.TimePoint{Value: endT.Format(time.RFC3339), Format: "RFC3339"},
	}}, nil
}

func operationListCmd() *cobra.Command {
	var state string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				var states []string
				if state != "" {
					states = []string{state}
				}
				ops, err := r.ListOperations(ctx, states...)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(ops)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Aircraft", "State", "Start", "End", "Last Telemetry"})
				for _, op := range ops {
					lastTel := ""
					if op.LastTelemetryAt != nil {
						lastTel = *op.LastTelemetryAt
					}
					tw.AppendRow(table.Row{op.ID, op.AircraftID, op.State, op.TimeStart, op.TimeEnd, lastTel})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "state filter")
	return cmd
}

func operationShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one operation with its intent record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				op, err := r.GetOperation(ctx, args[0])
				if err != nil {
					return err
				}
				out := map[string]any{"operation": op}
				if details, err := r.GetIntentDetails(ctx, op.ID); err == nil {
					out["details"] = details
				}
				if ref, err := r.GetIntentRef(ctx, op.ID); err == nil {
					out["reference"] = ref
				}
				return printJSON(out)
			})
		},
	}
	return cmd
}

func operationEventCmd(use, short, event string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return applyEvent(cmd.Context(), args[0], event)
		},
	}
}

func operationRawEventCmd() *cobra.Command {
	var event string
	cmd := &cobra.Command{
		Use:   "event <id>",
		Short: "Apply a lifecycle event by name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if event == "" {
				return fmt.Errorf("--event required")
			}
			return applyEvent(cmd.Context(), args[0], event)
		},
	}
	cmd.Flags().StringVar(&event, "event", "", "lifecycle event name")
	return cmd
}

func applyEvent(ctx context.Context, id, event string) error {
	return withApp(ctx, func(ctx context.Context, a *app.Context) error {
		op, err := a.Engine.TransitionOperation(ctx, engine.TransitionOptions{
			ID:      id,
			Event:   event,
			ActorID: viper.GetString("actor-id"),
		})
		if err != nil {
			return err
		}
		return printJSON(op)
	})
}

func operationDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Withdraw an operation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				if err := a.Engine.DeleteOperation(ctx, args[0], viper.GetString("actor-id")); err != nil {
					return err
				}
				fmt.Println("deleted", args[0])
				return nil
			})
		},
	}
	return cmd
}

func telemetryCmd() *cobra.Command {
	tel := &cobra.Command{Use: "telemetry", Short: "Report aircraft positions"}
	tel.AddCommand(telemetrySendCmd())
	tel.AddCommand(telemetryListCmd())
	return tel
}

func telemetrySendCmd() *cobra.Command {
	var (
		aircraftID string
		lng, lat   float64
		altitudeM  float64
	)
	cmd := &cobra.Command{
		Use:   "send <operation-id>",
		Short: "Send a telemetry report and print the conformance verdict",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				code, err := a.Engine.IngestTelemetry(ctx, domain.Telemetry{
					OperationID: args[0],
					AircraftID:  aircraftID,
					Lng:         lng,
					Lat:         lat,
					AltitudeM:   altitudeM,
				}, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(map[string]any{
					"code":       int(code),
					"check":      code.String(),
					"conformant": code == conformance.Conformant,
				})
			})
		},
	}
	cmd.Flags().StringVar(&aircraftID, "aircraft-id", "", "aircraft identifier")
	cmd.Flags().Float64Var(&lng, "lng", 0, "longitude")
	cmd.Flags().Float64Var(&lat, "lat", 0, "latitude")
	cmd.Flags().Float64Var(&altitudeM, "alt", 0, "altitude in meters")
	return cmd
}

func telemetryListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list <operation-id>",
		Short: "List telemetry reports",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListTelemetry(ctx, args[0], limit)
				if err != nil {
					return err
				}
				return printJSON(items)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum reports")
	return cmd
}

func geofenceCmd() *cobra.Command {
	gf := &cobra.Command{Use: "geofence", Short: "Manage no-fly geofences"}
	gf.AddCommand(geofenceListCmd())
	gf.AddCommand(geofenceImportCmd())
	gf.AddCommand(geofenceDeleteCmd())
	return gf
}

func geofenceListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List geofences",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListGeofences(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Source", "Start", "End"})
				for _, g := range items {
					tw.AppendRow(table.Row{g.ID, g.Name, g.Source, g.Geometry.TimeStart.Value, g.Geometry.TimeEnd.Value})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func geofenceImportCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "import <geojson-file>",
		Short: "Import geofences from a GeoJSON FeatureCollection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				fences, err := a.Engine.ImportGeofences(ctx, data, name, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				fmt.Printf("imported %d geofences\n", len(fences))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "name applied to imported geofences")
	return cmd
}

func geofenceDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a geofence",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if _, err := r.GetGeofence(ctx, args[0]); err != nil {
					return err
				}
				if err := r.DeleteGeofence(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("deleted", args[0])
				return nil
			})
		},
	}
}

func conformanceCmd() *cobra.Command {
	conf := &cobra.Command{Use: "conformance", Short: "Conformance monitoring"}
	conf.AddCommand(&cobra.Command{
		Use:   "check <operation-id>",
		Short: "Run the telemetry-free conformance pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				code, err := a.Engine.RunConformanceCheck(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(map[string]any{
					"code":       int(code),
					"check":      code.String(),
					"conformant": code == conformance.Conformant,
				})
			})
		},
	})
	return conf
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Inspect the audit log"}
	var limit int
	tail := &cobra.Command{
		Use:   "tail <operation-id>",
		Short: "Show recent events for an operation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListEvents(ctx, args[0], limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "Type", "Actor", "Payload"})
				for _, ev := range items {
					tw.AppendRow(table.Row{ev.TS, ev.Type, ev.ActorID, ev.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVar(&limit, "limit", 20, "maximum events")
	lg.AddCommand(tail)
	return lg
}

func apikeyCmd() *cobra.Command {
	ak := &cobra.Command{Use: "apikey", Short: "Manage operator API keys"}
	ak.AddCommand(apikeyCreateCmd())
	ak.AddCommand(apikeyListCmd())
	ak.AddCommand(apikeyDeleteCmd())
	return ak
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				raw := "sk_" + strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
				key := domain.APIKey{
					ID:        uuid.NewString(),
					ActorID:   viper.GetString("actor-id"),
					Name:      name,
					KeyHash:   repo.HashAPIKey(raw),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				fmt.Println(raw)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx, "")
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range items {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func apikeyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.DeleteAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("deleted", args[0])
				return nil
			})
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			a, err := app.Open(workspace)
			if err != nil {
				return err
			}
			defer a.Close()
			secret := os.Getenv("SKYLANE_JWT_SECRET")
			if secret == "" && a.Config != nil {
				secret = a.Config.Server.JWTSecret
			}
			if secret == "" {
				return fmt.Errorf("SKYLANE_JWT_SECRET or server.jwt_secret is required for bearer auth")
			}
			handler, err := server.New(server.Config{
				Engine:   a.Engine,
				BasePath: basePath,
				Auth:     server.AuthConfig{JWTSecret: secret},
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Skylane API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func withApp(ctx context.Context, fn func(context.Context, *app.Context) error) error {
	a, err := app.Open(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	return withApp(ctx, func(ctx context.Context, a *app.Context) error {
		return fn(ctx, a.Engine.Repo)
	})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
