// Command correo drives the correspondence pipeline from the terminal:
// load registries, save templates, run emission batches and inspect
// session status.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"correo/internal/config"
	"correo/internal/logging"
	"correo/internal/service"
	"correo/internal/store"
	"correo/internal/types"
)

var version = "dev"

var (
	flagConfig string
	flagDebug  bool
)

func main() {
	root := &cobra.Command{
		Use:           "correo",
		Short:         "Correspondence emission engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagConfig, "config", "", "path to config file")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "enable debug logging")

	root.AddCommand(versionCmd(), registryCmd(), templateCmd(), runCmd(), statusCmd(), cleanupCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// setup loads config, opens the store and builds the service.
func setup() (*service.Service, *store.Store, config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, nil, cfg, err
	}
	if flagDebug {
		cfg.Logging.Debug = true
		cfg.Logging.Level = "debug"
	}
	if err := os.MkdirAll(cfg.WorkDir, 0755); err != nil {
		return nil, nil, cfg, fmt.Errorf("failed to create work dir: %w", err)
	}
	if err := logging.Initialize(cfg.WorkDir, cfg.Logging.Debug, cfg.Logging.Level); err != nil {
		return nil, nil, cfg, err
	}

	var zl *zap.Logger
	if cfg.Logging.Debug {
		zl, err = zap.NewDevelopment()
	} else {
		zl, err = zap.NewProduction()
	}
	if err != nil {
		return nil, nil, cfg, err
	}

	st, err := store.Open(cfg.Database())
	if err != nil {
		return nil, nil, cfg, err
	}
	return service.New(cfg, st, zl), st, cfg, nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("correo", version)
		},
	}
}

func registryCmd() *cobra.Command {
	var uuid, file, delimiter string
	cmd := &cobra.Command{
		Use:   "registry",
		Short: "Load a reference registry from a delimited file",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, st, _, err := setup()
			if err != nil {
				return err
			}
			defer st.Close()
			defer logging.CloseAll()

			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			n, err := svc.LoadRegistryCSV(uuid, data, delimiter)
			if err != nil {
				return err
			}
			fmt.Printf("Registry %s loaded: %d rows\n", uuid, n)
			return nil
		},
	}
	cmd.Flags().StringVar(&uuid, "uuid", "", "registry identifier")
	cmd.Flags().StringVar(&file, "file", "", "delimited file to load")
	cmd.Flags().StringVar(&delimiter, "delimiter", "", "field delimiter")
	cmd.MarkFlagRequired("uuid")
	cmd.MarkFlagRequired("file")
	return cmd
}

func templateCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "template",
		Short: "Save a template definition from a JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, _, err := setup()
			if err != nil {
				return err
			}
			defer st.Close()
			defer logging.CloseAll()

			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var tpl types.Template
			if err := json.Unmarshal(data, &tpl); err != nil {
				return fmt.Errorf("invalid template JSON: %w", err)
			}
			id, err := st.SaveTemplate(&tpl)
			if err != nil {
				return err
			}
			fmt.Printf("Template saved: id=%d name=%q fields=%d\n", id, tpl.Name, len(tpl.Fields))
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "template JSON file")
	cmd.MarkFlagRequired("file")
	return cmd
}

func runCmd() *cobra.Command {
	var (
		registry, file, delimiter, encoding, docType string
		templateID, projectID                        int64
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run an emission batch end to end",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, st, _, err := setup()
			if err != nil {
				return err
			}
			defer st.Close()
			defer logging.CloseAll()

			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			summary, err := svc.IngestAndMatch(service.IngestRequest{
				ProjectID:    projectID,
				TemplateID:   templateID,
				RegistryUUID: registry,
				Data:         data,
				Delimiter:    delimiter,
				Encoding:     encoding,
			})
			if err != nil {
				return err
			}
			fmt.Printf("Session %s: %d rows (exact=%d partial=%d none=%d error=%d, encoding=%s)\n",
				summary.SessionID, summary.Total, summary.Exact, summary.Partial,
				summary.None, summary.Errors, summary.Encoding)

			if err := svc.ApproveDynamicFields(summary.SessionID, docType, nil, nil, 0); err != nil {
				return err
			}
			if err := svc.StartGeneration(summary.SessionID, templateID); err != nil {
				return err
			}
			svc.WaitForSession(summary.SessionID)

			status, err := svc.Status(summary.SessionID)
			if err != nil {
				return err
			}
			fmt.Printf("Session %s finished: state=%s\n", summary.SessionID, status.State)
			for state, n := range status.Counts {
				fmt.Printf("  %-12s %d\n", state, n)
			}
			if path, err := svc.DownloadArchive(summary.SessionID); err == nil {
				fmt.Println("Archive:", path)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&registry, "registry", "", "registry identifier")
	cmd.Flags().StringVar(&file, "file", "", "upload to process")
	cmd.Flags().StringVar(&delimiter, "delimiter", "", "field delimiter")
	cmd.Flags().StringVar(&encoding, "encoding", "", "declared encoding of the upload")
	cmd.Flags().StringVar(&docType, "doc-type", "Notificación", "document type being emitted")
	cmd.Flags().Int64Var(&templateID, "template", 0, "template id")
	cmd.Flags().Int64Var(&projectID, "project", 1, "project id")
	cmd.MarkFlagRequired("registry")
	cmd.MarkFlagRequired("file")
	cmd.MarkFlagRequired("template")
	return cmd
}

func statusCmd() *cobra.Command {
	var session string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the state of a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, st, _, err := setup()
			if err != nil {
				return err
			}
			defer st.Close()
			defer logging.CloseAll()

			status, err := svc.Status(session)
			if err != nil {
				return err
			}
			fmt.Printf("Session %s: state=%s total=%d\n", status.SessionID, status.State, status.Total)
			for state, n := range status.Counts {
				fmt.Printf("  %-12s %d\n", state, n)
			}
			if status.ArchivePath != "" {
				fmt.Println("Archive:", status.ArchivePath)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&session, "session", "", "session id")
	cmd.MarkFlagRequired("session")
	return cmd
}

func cleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Remove sessions past the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, st, _, err := setup()
			if err != nil {
				return err
			}
			defer st.Close()
			defer logging.CloseAll()

			n, err := svc.CleanupExpired()
			if err != nil {
				return err
			}
			fmt.Printf("Removed %d expired session(s)\n", n)
			return nil
		},
	}
}
