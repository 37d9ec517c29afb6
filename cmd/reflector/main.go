package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/TobiSchelling/Reflector/internal/config"
	"github.com/TobiSchelling/Reflector/internal/database"
	"github.com/TobiSchelling/Reflector/internal/engagement"
	"github.com/TobiSchelling/Reflector/internal/export"
	"github.com/TobiSchelling/Reflector/internal/extract"
	"github.com/TobiSchelling/Reflector/internal/fetch"
	"github.com/TobiSchelling/Reflector/internal/langdetect"
	"github.com/TobiSchelling/Reflector/internal/llm"
	"github.com/TobiSchelling/Reflector/internal/server"
	"github.com/TobiSchelling/Reflector/internal/session"
	"github.com/TobiSchelling/Reflector/internal/summary"
	"github.com/TobiSchelling/Reflector/internal/translate"
	"github.com/spf13/cobra"
)

var version = "dev"

var (
	verbose    bool
	configPath string
	cfg        *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "reflector",
	Short:   "Reading companion that asks you to reflect",
	Long:    "Reflector summarizes the page you are reading once you have engaged with it, then asks you to write down your reflections.",
	Version: version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for init and version
		if cmd.Name() == "init" || cmd.Name() == "version" {
			setLogFlags()
			return nil
		}

		path, err := config.ResolveConfigPath(configPath)
		if err != nil {
			return err
		}
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		setLogFlags()
		return nil
	},
}

func setLogFlags() {
	if verbose || (cfg != nil && cfg.Verbose()) {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	} else {
		log.SetFlags(log.LstdFlags)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(extractCmd)
	rootCmd.AddCommand(summarizeCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(reflectionsCmd)
	rootCmd.AddCommand(cacheCmd)
	rootCmd.AddCommand(serveCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("reflector", version)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration in ~/.config/reflector/",
	RunE: func(cmd *cobra.Command, args []string) error {
		target := filepath.Join(config.ConfigDir(), "config.yaml")
		if _, err := os.Stat(target); err == nil {
			fmt.Printf("Config already exists: %s\n", target)
			return nil
		}

		if err := os.MkdirAll(config.ConfigDir(), 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}

		if err := os.WriteFile(target, config.DefaultConfigYAML, 0o644); err != nil {
			return fmt.Errorf("writing config: %w", err)
		}

		fmt.Printf("Created config: %s\n", target)
		fmt.Println("Edit it to choose the LLM provider and your language preferences.")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show database and backend status",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		stats, err := db.GetStats()
		if err != nil {
			return fmt.Errorf("getting stats: %w", err)
		}

		fmt.Printf("Database: %s\n\n", db.Path())
		fmt.Println("Reflections:")
		fmt.Printf("  Saved: %d\n", stats.Reflections)
		fmt.Printf("  Distinct pages: %d\n", stats.DistinctPages)
		if stats.LastReflectionAt != "" {
			fmt.Printf("  Last saved: %s\n", stats.LastReflectionAt)
		}
		if cfg.Output.MaxReflections > 0 {
			fmt.Printf("  Limit: %d\n", cfg.Output.MaxReflections)
		}
		fmt.Println("\nTranslation cache:")
		fmt.Printf("  Entries: %d\n", stats.CachedTranslations)

		fmt.Println("\nSummarization:")
		provider := newProvider()
		if provider == nil {
			fmt.Println("  Backend: unavailable (summaries fall back to manual mode)")
		} else {
			fmt.Printf("  Backend: %s\n", cfg.Summarization.Provider)
		}
		fmt.Printf("  Streaming: %v\n", cfg.Summarization.Streaming)
		fmt.Printf("  Timeout: %s\n", cfg.SummaryTimeout())
		return nil
	},
}

// --- extract command ---

var extractFile string

var extractCmd = &cobra.Command{
	Use:   "extract [url]",
	Short: "Print the main content of a page and its token estimate",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		page, err := loadPage(cmd.Context(), args)
		if err != nil {
			return err
		}

		content := extract.New().ExtractWithMetadata(page.Doc, page.URL, page.Meta)
		check := extract.CheckTokenLimit(content)

		fmt.Printf("Title: %s\n", content.Title)
		fmt.Printf("URL: %s\n", content.URL)
		if content.SiteName != "" {
			fmt.Printf("Site: %s\n", content.SiteName)
		}
		if content.Byline != "" {
			fmt.Printf("Byline: %s\n", content.Byline)
		}
		fmt.Printf("Words: %d\n", content.WordCount)
		fmt.Printf("Tokens: ~%d", check.Tokens)
		if check.Exceeds {
			fmt.Printf(" (exceeds limit, will be truncated)")
		}
		fmt.Print("\n\n")
		fmt.Println(content.Text)
		return nil
	},
}

func init() {
	extractCmd.Flags().StringVarP(&extractFile, "file", "f", "", "Read the page from a local HTML file")
}

// --- summarize command ---

var (
	summaryFormat string
	translateTo   string
)

var summarizeCmd = &cobra.Command{
	Use:   "summarize [url]",
	Short: "Run one session for a page without waiting for dwell time",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var opts []session.StartOption
		if summaryFormat != "" {
			f, err := summary.ParseFormat(summaryFormat)
			if err != nil {
				return err
			}
			opts = append(opts, session.WithFormat(f))
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		page, err := loadPage(ctx, args)
		if err != nil {
			return err
		}

		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		out := newTerminal(os.Stdout)
		orch := newOrchestrator(db, nil, out.render)
		defer orch.Close()

		st, err := orch.Start(ctx, page, opts...)
		if err != nil {
			return err
		}
		if translateTo != "" {
			if err := orch.TranslateTo(ctx, st, translateTo); err != nil {
				return err
			}
		}
		out.finish(orch)
		return nil
	},
}

func init() {
	summarizeCmd.Flags().StringVarP(&extractFile, "file", "f", "", "Read the page from a local HTML file")
	summarizeCmd.Flags().StringVar(&summaryFormat, "format", "", "Summary format: bullets, paragraph or headline-bullets")
	summarizeCmd.Flags().StringVar(&translateTo, "translate", "", "Translate the summary into this language")
}

// --- watch command ---

var watchCmd = &cobra.Command{
	Use:   "watch [url]",
	Short: "Start a session once you have read for the dwell threshold",
	Long: "Counts dwell time while you read. Every line typed on stdin counts as activity. " +
		"Once the threshold is reached the page is summarized and your reflections are read from stdin.",
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		gate := engagement.NewGate(
			engagement.WithActivityTimeout(time.Duration(cfg.Settings.ActivityTimeout) * time.Second),
		)
		out := newTerminal(os.Stdout)
		orch := newOrchestrator(db, gate, out.render)
		defer orch.Close()

		type started struct {
			st  *session.State
			err error
		}
		sessions := make(chan started, 1)
		err = orch.Arm(ctx, func() (*fetch.Page, error) {
			return loadPage(ctx, args)
		}, func(st *session.State, err error) {
			sessions <- started{st, err}
		})
		if err != nil {
			return err
		}

		lines := readLines(os.Stdin)
		fmt.Printf("Reading... a session starts after %ds of activity. Press Enter while you read.\n",
			cfg.Settings.DwellThreshold)

		for {
			select {
			case <-ctx.Done():
				return nil
			case _, ok := <-lines:
				if !ok {
					return nil
				}
				gate.RecordActivity(engagement.ActivityKey)
			case s := <-sessions:
				if s.err != nil {
					log.Printf("Session failed: %v", s.err)
					continue
				}
				out.finish(orch)
				return collectReflections(ctx, orch, s.st, lines)
			}
		}
	},
}

func init() {
	watchCmd.Flags().StringVarP(&extractFile, "file", "f", "", "Read the page from a local HTML file")
}

// collectReflections reads one reflection per line until an empty line and
// saves them.
func collectReflections(ctx context.Context, orch *session.Orchestrator, st *session.State, lines <-chan string) error {
	fmt.Println("\nWhat stayed with you? One reflection per line; an empty line saves.")

	var answers []string
collect:
	for {
		select {
		case <-ctx.Done():
			orch.Cancel(st)
			return nil
		case line, ok := <-lines:
			if !ok || strings.TrimSpace(line) == "" {
				break collect
			}
			answers = append(answers, strings.TrimSpace(line))
		}
	}
	if len(answers) == 0 {
		fmt.Println("Nothing written, session discarded.")
		orch.Cancel(st)
		return nil
	}

	id, err := orch.Save(ctx, st, answers)
	if errors.Is(err, session.ErrStorageFull) {
		fmt.Println("Storage is full, the reflection was not saved.")
		fmt.Println("Export your reflections with: reflector reflections export --format markdown")
		orch.Cancel(st)
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Printf("Saved reflection [%d]\n", id)
	return nil
}

func readLines(r io.Reader) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			ch <- scanner.Text()
		}
	}()
	return ch
}

// --- reflections command ---

var (
	listURL      string
	listLimit    int
	exportFormat string
	exportOutput string
)

var reflectionsCmd = &cobra.Command{
	Use:   "reflections",
	Short: "Manage saved reflections",
}

var reflectionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved reflections",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		items, err := db.ListReflections(listURL, listLimit)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			fmt.Println("No reflections saved yet. Start one with: reflector watch <url>")
			return nil
		}

		for _, r := range items {
			created := ""
			if r.CreatedAt != nil {
				created = *r.CreatedAt
			}
			fmt.Printf("  [%d] %s  %s\n", r.ID, created, r.Title)
			fmt.Printf("        %s\n", r.URL)
		}
		return nil
	},
}

var reflectionsShowCmd = &cobra.Command{
	Use:   "show [id]",
	Short: "Show one reflection as Markdown",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		r, err := getReflection(db, args[0])
		if err != nil {
			return err
		}
		fmt.Print(export.ReflectionMarkdown(r))
		return nil
	},
}

var reflectionsRemoveCmd = &cobra.Command{
	Use:   "remove [id]",
	Short: "Remove a reflection",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		r, err := getReflection(db, args[0])
		if err != nil {
			return err
		}
		if _, err := db.DeleteReflection(r.ID); err != nil {
			return err
		}
		fmt.Printf("Removed reflection [%d]: %s\n", r.ID, r.Title)
		return nil
	},
}

var reflectionsExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export all reflections",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := export.ParseFormat(exportFormat)
		if err != nil {
			return err
		}

		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		items, err := db.ListReflections("", 0)
		if err != nil {
			return err
		}

		var w io.Writer = os.Stdout
		if exportOutput != "" {
			f, err := os.Create(exportOutput)
			if err != nil {
				return fmt.Errorf("creating export file: %w", err)
			}
			defer f.Close()
			w = f
		}
		if err := export.Write(w, items, format); err != nil {
			return err
		}
		if exportOutput != "" {
			fmt.Printf("Exported %d reflections to %s\n", len(items), exportOutput)
		}
		return nil
	},
}

func init() {
	reflectionsListCmd.Flags().StringVar(&listURL, "url", "", "Only reflections for this page")
	reflectionsListCmd.Flags().IntVarP(&listLimit, "limit", "n", 0, "Maximum number of reflections")
	reflectionsExportCmd.Flags().StringVar(&exportFormat, "format", "markdown", "Export format: markdown, html or json")
	reflectionsExportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Write to a file instead of stdout")

	reflectionsCmd.AddCommand(reflectionsListCmd)
	reflectionsCmd.AddCommand(reflectionsShowCmd)
	reflectionsCmd.AddCommand(reflectionsRemoveCmd)
	reflectionsCmd.AddCommand(reflectionsExportCmd)
}

func getReflection(db *database.DB, arg string) (*database.Reflection, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid reflection ID: %s", arg)
	}
	r, err := db.GetReflection(id)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, fmt.Errorf("reflection %d not found", id)
	}
	return r, nil
}

// --- cache command ---

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the translation cache",
}

var cachePurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Remove expired translations",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		n, err := db.PurgeExpiredTranslations(time.Now(), translate.CacheTTL)
		if err != nil {
			return err
		}
		fmt.Printf("Removed %d expired translations\n", n)
		return nil
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove all cached translations",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		n, err := db.ClearTranslations()
		if err != nil {
			return err
		}
		fmt.Printf("Removed %d cached translations\n", n)
		return nil
	},
}

func init() {
	cacheCmd.AddCommand(cachePurgeCmd)
	cacheCmd.AddCommand(cacheClearCmd)
}

// --- serve command ---

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the local web server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		orch := newOrchestrator(db, nil, nil)
		defer orch.Close()

		srv, err := server.New(db, orch, fetch.NewFetcher(30*time.Second))
		if err != nil {
			return err
		}

		port := servePort
		if !cmd.Flags().Changed("port") {
			port = cfg.Server.Port
		}
		fmt.Printf("Starting server at http://localhost:%d\n", port)
		fmt.Println("Press Ctrl+C to stop")
		return server.Serve(ctx, srv, port)
	},
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 8000, "Port to run server on")
}

// --- wiring ---

func openDB() (*database.DB, error) {
	dataDir := cfg.GetDataDir()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	db, err := database.Open(filepath.Join(dataDir, "reflector.db"))
	if err != nil {
		return nil, err
	}
	db.SetReflectionLimit(cfg.Output.MaxReflections)
	return db, nil
}

func newProvider() llm.Provider {
	s := cfg.Summarization
	return llm.CreateProvider(s.Provider, s.Model, s.OllamaURL, s.OpenAIModel, s.APIKeyEnv)
}

func newOrchestrator(db *database.DB, gate *engagement.Gate, render session.RenderFunc) *session.Orchestrator {
	assistant := llm.NewAssistant(newProvider(), langdetect.NewLinguaDetector(), cfg.Summarization.MaxTokens)
	decider := translate.NewDecider(assistant, translate.NewCache(db.Translations()), translate.Preferences{
		Enabled:   cfg.Settings.EnableTranslation,
		Preferred: cfg.Settings.PreferredTranslationLanguage,
		Browser:   cfg.Settings.BrowserLanguage,
	})
	return session.New(session.Deps{
		Config:  cfg,
		Gate:    gate,
		Backend: assistant,
		Decider: decider,
		Store:   db,
		Render:  render,
	})
}

func loadPage(ctx context.Context, args []string) (*fetch.Page, error) {
	var pageURL string
	if len(args) > 0 {
		pageURL = args[0]
	}
	if extractFile != "" {
		return fetch.FromFile(extractFile, pageURL)
	}
	if pageURL == "" {
		return nil, errors.New("a URL or --file is required")
	}
	return fetch.NewFetcher(30 * time.Second).Fetch(ctx, pageURL)
}

// terminal prints reveal frames as they arrive.
type terminal struct {
	mu    sync.Mutex
	w     io.Writer
	shown string
	phase session.Phase
}

func newTerminal(w io.Writer) *terminal {
	return &terminal{w: w}
}

func (t *terminal) render(st session.State) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if st.Phase != t.phase {
		t.phase = st.Phase
		if verbose {
			fmt.Fprintf(t.w, "\n[%s]\n", st.Phase)
		}
	}
	text := strings.Join(st.Summary, "\n")
	switch {
	case text == t.shown:
	case strings.HasPrefix(text, t.shown):
		fmt.Fprint(t.w, text[len(t.shown):])
	default:
		if t.shown != "" {
			fmt.Fprint(t.w, "\n\n")
		}
		fmt.Fprint(t.w, text)
	}
	t.shown = text
}

// finish prints what the frames did not: notices and the final summary
// when it changed after the last frame.
func (t *terminal) finish(orch *session.Orchestrator) {
	st, ok := orch.Current()
	if !ok {
		return
	}
	t.render(st)

	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintln(t.w)
	if st.Manual {
		fmt.Fprintln(t.w, "\nNo summary available; write your own from the page.")
	}
	if st.Notice != "" {
		fmt.Fprintf(t.w, "\nNote: %s\n", st.Notice)
	}
	if st.Language.CurrentTarget != "" {
		fmt.Fprintf(t.w, "\n(translated from %s to %s)\n",
			langdetect.DisplayName(st.Language.OriginalDetected), langdetect.DisplayName(st.Language.CurrentTarget))
	}
}
