// Command intake 是上传会话的命令行客户端，直接驱动业务服务，不经过 HTTP 服务。
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"reconomed-intake/internal/config"
	"reconomed-intake/internal/imaging"
	"reconomed-intake/internal/repository"
	"reconomed-intake/internal/service"
	"reconomed-intake/pkg/backend"
	"reconomed-intake/pkg/log"
)

var (
	configPath string
	authToken  string
	jsonOutput bool
	verbose    bool
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "intake: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "intake",
		Short: "Clinical document intake CLI",
		Long: `intake uploads scanned clinical documents into the upload session, assigns them to
patients, starts server-side OCR and submits validated fields.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config.yaml (defaults and INTAKE_* env vars otherwise)")
	cmd.PersistentFlags().StringVar(&authToken, "token", os.Getenv("INTAKE_TOKEN"), "Bearer token forwarded to the backend")
	cmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print results as JSON")
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log pipeline steps to stderr")
	cmd.AddCommand(
		newUploadCmd(),
		newPendingCmd(),
		newAssignCmd(),
		newProcessCmd(),
		newValidateCmd(),
		newQueueCmd(),
		newPatientsCmd(),
		newCompressCmd(),
	)
	return cmd
}

// app 是一次命令调用所需的全部服务。
type app struct {
	uploads  service.UploadService
	reviews  service.ReviewService
	patients service.PatientService
}

func newApp(workers int) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if verbose {
		log.InitConsole("debug")
	} else {
		log.InitConsole("warn")
	}
	if workers > 0 {
		cfg.Upload.Workers = workers
	}

	client := backend.NewClient(cfg.Backend)
	patients := service.NewPatientService(client, repository.NewMemoryPatientCache(cfg.Cache.PatientEntries, cfg.Cache.TTL))
	// CLI 每次调用只服务一个用户，单个会话即可
	sess := service.NewSession("cli", service.SessionDeps{
		Client:   client,
		Patients: patients,
		Compressor: imaging.NewCompressor(imaging.Options{
			MaxWidth:  cfg.Compression.UploadMaxWidth,
			MaxHeight: cfg.Compression.UploadMaxHeight,
			Quality:   cfg.Compression.UploadQuality,
			MaxPixels: cfg.Compression.MaxPixels,
		}),
		Thumbnailer: imaging.NewThumbnailer(cfg.Thumbnail.MaxSide, cfg.Thumbnail.Quality, cfg.Compression.MaxPixels),
		Upload:      cfg.Upload,
		Cache:       cfg.Cache,
	})
	return &app{
		uploads:  sess.Uploads,
		reviews:  sess.Reviews,
		patients: patients,
	}, nil
}

// context 返回携带 token 的 ctx。
func (a *app) context(cmd *cobra.Command) context.Context {
	ctx := cmd.Context()
	if authToken != "" {
		ctx = backend.WithToken(ctx, authToken)
	}
	return ctx
}

// reload 把服务端的未处理上传同步到本地会话，CLI 每次调用都从这里开始。
func (a *app) reload(ctx context.Context) error {
	dropped, err := a.uploads.Reload(ctx)
	if err != nil {
		return fmt.Errorf("同步会话失败: %w", err)
	}
	if dropped > 0 {
		fmt.Fprintf(os.Stderr, "warning: %d unprocessed uploads exceed the session quota and are hidden\n", dropped)
	}
	return nil
}
