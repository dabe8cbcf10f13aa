package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dvloznov/transit-tracker/internal/app"
	"github.com/dvloznov/transit-tracker/internal/cards"
	"github.com/dvloznov/transit-tracker/internal/config"
	"github.com/dvloznov/transit-tracker/internal/domain"
	"github.com/dvloznov/transit-tracker/internal/gcs"
	"github.com/dvloznov/transit-tracker/internal/logger"
	"github.com/dvloznov/transit-tracker/internal/pipeline"
	"github.com/dvloznov/transit-tracker/internal/statement"
	"github.com/dvloznov/transit-tracker/internal/taxonomy"
	"github.com/dvloznov/transit-tracker/internal/vault"
	"github.com/rs/zerolog"
)

// exitVaultMisconfigured is returned by ingest when no credential could be
// decrypted, so schedulers can tell a bad key from card failures.
const exitVaultMisconfigured = 3

func main() {
	log := logger.New()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "genkey":
		runGenKey(log)
	case "link-card":
		runLinkCard(log)
	case "rotate":
		runRotate(log)
	case "remove-card":
		runRemoveCard(log)
	case "cards":
		runCards(log)
	case "ingest":
		runIngest(log)
	case "parse":
		runParse(log)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Transit Tracker CLI")
	fmt.Println("\nUsage:")
	fmt.Println("  cli <command> [options]")
	fmt.Println("\nCommands:")
	fmt.Println("  genkey       Print a new random VAULT_KEY")
	fmt.Println("  link-card    Link a card to a user and store its portal login")
	fmt.Println("  rotate       Replace the stored portal login of a card")
	fmt.Println("  remove-card  Unlink a card (its transactions are kept)")
	fmt.Println("  cards        List linked cards")
	fmt.Println("  ingest       Fetch and store statements for a date range")
	fmt.Println("  parse        Extract and normalize a local statement PDF")
	fmt.Println("  help         Show this help message")
	fmt.Println("\nRun 'cli <command> -h' for more information on a command.")
}

// userList collects a repeatable --user flag.
type userList []string

func (u *userList) String() string { return strings.Join(*u, ",") }

func (u *userList) Set(v string) error {
	for _, id := range strings.Split(v, ",") {
		if id = strings.TrimSpace(id); id != "" {
			*u = append(*u, id)
		}
	}
	return nil
}

func loadConfig(log zerolog.Logger) (*config.Config, zerolog.Logger) {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	return cfg, log.Level(logger.ParseLevel(cfg.LogLevel))
}

func openCards(ctx context.Context, log zerolog.Logger, cfg *config.Config, withVault bool) (*cards.Service, func() error) {
	store, closeStore, err := app.OpenStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open store")
	}
	var enc cards.Encrypter
	if withVault {
		v, err := app.OpenVault(cfg)
		if err != nil {
			closeStore()
			log.Fatal().Err(err).Msg("Failed to open vault")
		}
		enc = v
	}
	return cards.NewService(store, enc), closeStore
}

func readPassword(fromStdin bool, flagValue string) (string, error) {
	if !fromStdin {
		return flagValue, nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", fmt.Errorf("reading password from stdin: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func runGenKey(log zerolog.Logger) {
	key, err := vault.GenerateKey()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to generate key")
	}
	fmt.Println(key)
}

func runLinkCard(log zerolog.Logger) {
	fs := flag.NewFlagSet("link-card", flag.ExitOnError)
	userID := fs.String("user", "", "User ID owning the card")
	serial := fs.String("serial", "", "Card serial number")
	nickname := fs.String("nickname", "", "Card nickname as shown on the portal")
	username := fs.String("username", "", "Portal login (optional)")
	password := fs.String("password", "", "Portal password")
	passwordStdin := fs.Bool("password-stdin", false, "Read the password from the first line of stdin")
	fs.Parse(os.Args[2:])

	if *userID == "" || *serial == "" {
		log.Fatal().Msg("Usage: cli link-card --user ID --serial SERIAL [--nickname NAME] [--username LOGIN --password-stdin]")
	}

	cfg, log := loadConfig(log)
	ctx := logger.WithContext(context.Background(), log)

	pw, err := readPassword(*passwordStdin, *password)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to read password")
	}
	var cred *domain.Credential
	if *username != "" || pw != "" {
		cred = &domain.Credential{Username: *username, Password: pw}
	}

	svc, closeStore := openCards(ctx, log, cfg, cred != nil)
	defer closeStore()

	card := &domain.Card{UserID: *userID, Serial: *serial, Nickname: *nickname}
	if err := svc.Link(ctx, card, cred); err != nil {
		closeStore()
		log.Fatal().Err(err).Msg("Failed to link card")
	}

	fmt.Printf("Linked card %s (serial %s) to user %s\n", card.CardID, card.Serial, card.UserID)
	if cred == nil {
		fmt.Println("No credential stored; run 'cli rotate' before ingesting this card.")
	}
}

func runRotate(log zerolog.Logger) {
	fs := flag.NewFlagSet("rotate", flag.ExitOnError)
	cardID := fs.String("card", "", "Card ID")
	userID := fs.String("user", "", "User ID owning the card")
	username := fs.String("username", "", "Portal login")
	password := fs.String("password", "", "Portal password")
	passwordStdin := fs.Bool("password-stdin", false, "Read the password from the first line of stdin")
	fs.Parse(os.Args[2:])

	if *cardID == "" || *userID == "" || *username == "" {
		log.Fatal().Msg("Usage: cli rotate --card ID --user ID --username LOGIN [--password-stdin]")
	}

	cfg, log := loadConfig(log)
	ctx := logger.WithContext(context.Background(), log)

	pw, err := readPassword(*passwordStdin, *password)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to read password")
	}

	svc, closeStore := openCards(ctx, log, cfg, true)
	defer closeStore()

	if err := svc.Rotate(ctx, *userID, *cardID, domain.Credential{Username: *username, Password: pw}); err != nil {
		closeStore()
		log.Fatal().Err(err).Msg("Failed to rotate credential")
	}
	fmt.Printf("Credential for card %s replaced.\n", *cardID)
}

func runRemoveCard(log zerolog.Logger) {
	fs := flag.NewFlagSet("remove-card", flag.ExitOnError)
	cardID := fs.String("card", "", "Card ID")
	fs.Parse(os.Args[2:])

	if *cardID == "" {
		log.Fatal().Msg("Error: --card is required")
	}

	cfg, log := loadConfig(log)
	ctx := logger.WithContext(context.Background(), log)

	svc, closeStore := openCards(ctx, log, cfg, false)
	defer closeStore()

	if err := svc.Remove(ctx, *cardID); err != nil {
		closeStore()
		log.Fatal().Err(err).Msg("Failed to remove card")
	}
	fmt.Printf("Card %s removed. Its transactions were kept.\n", *cardID)
}

func runCards(log zerolog.Logger) {
	fs := flag.NewFlagSet("cards", flag.ExitOnError)
	userID := fs.String("user", "", "Only list cards of this user")
	fs.Parse(os.Args[2:])

	cfg, log := loadConfig(log)
	ctx := logger.WithContext(context.Background(), log)

	svc, closeStore := openCards(ctx, log, cfg, false)
	defer closeStore()

	list, err := svc.List(ctx, *userID)
	if err != nil {
		closeStore()
		log.Fatal().Err(err).Msg("Failed to list cards")
	}

	fmt.Printf("\n=== Cards (%d) ===\n", len(list))
	for i, c := range list {
		fmt.Printf("\n%d. %s\n", i+1, c.CardID)
		fmt.Printf("   User:     %s\n", c.UserID)
		fmt.Printf("   Serial:   %s\n", c.Serial)
		if c.Nickname != "" {
			fmt.Printf("   Nickname: %s\n", c.Nickname)
		}
		fmt.Printf("   Linked:   %s\n", c.CreatedAt.Format(time.RFC3339))
	}
	fmt.Println()
}

func runIngest(log zerolog.Logger) {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	var users userList
	fs.Var(&users, "user", "User ID to ingest (repeatable; default every user)")
	start := fs.String("start", "", "First day, YYYY-MM-DD")
	end := fs.String("end", "", "Last day, YYYY-MM-DD")
	lastMonth := fs.Bool("last-month", false, "Ingest the previous calendar month")
	dryRun := fs.Bool("dry-run", false, "Fetch and normalize without writing or archiving")
	fs.Parse(os.Args[2:])

	cfg, log := loadConfig(log)

	var r domain.DateRange
	switch {
	case *lastMonth && (*start != "" || *end != ""):
		log.Fatal().Msg("Error: --last-month cannot be combined with --start/--end")
	case *lastMonth:
		r = domain.LastMonth(time.Now().In(cfg.Location()))
	default:
		var err error
		r, err = domain.ParseDateRange(*start, *end)
		if err != nil {
			log.Fatal().Err(err).Msg("Usage: cli ingest (--start YYYY-MM-DD --end YYYY-MM-DD | --last-month)")
		}
	}

	// Interrupts stop new cards from starting; running cards finish.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logger.WithContext(ctx, log)

	a, err := app.New(ctx, cfg, app.Options{DryRun: *dryRun})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize")
	}
	defer a.Close()

	log.Info().Str("range", r.String()).Strs("users", users).Bool("dry_run", *dryRun).Msg("Starting ingestion")

	result, err := a.Orchestrator.RunIngestion(ctx, users, r)
	if result != nil {
		printResult(result)
	}
	if errors.Is(err, pipeline.ErrVaultMisconfigured) {
		log.Error().Err(err).Msg("No credential could be decrypted; check VAULT_KEY")
		a.Close()
		os.Exit(exitVaultMisconfigured)
	}
	if err != nil {
		a.Close()
		log.Fatal().Err(err).Msg("Ingestion failed")
	}
}

func printResult(r *pipeline.RunResult) {
	fmt.Println("\n=== Run Summary ===")
	fmt.Printf("Run:        %s\n", r.RunID)
	fmt.Printf("Range:      %s\n", r.Range)
	fmt.Printf("Cards:      %d attempted, %d failed\n", r.CardsAttempted, r.Failed())
	fmt.Printf("Documents:  %d\n", r.DocumentsFetched)
	fmt.Printf("Rows:       %d extracted, %d skipped as bad\n", r.RowsExtracted, r.RowFailures)
	fmt.Printf("Written:    %d inserted, %d already stored\n", r.Inserted, r.Skipped)

	for stage, n := range r.FailuresByStage {
		fmt.Printf("Failed at %s: %d\n", stage, n)
	}
	if labels := r.TopUnknownLabels(); len(labels) > 0 {
		fmt.Println("\nUnknown mode labels:")
		for _, l := range labels {
			fmt.Printf("  %4d  %s\n", l.Count, l.Label)
		}
	}

	for _, c := range r.Cards {
		if c.State != pipeline.StageFailed {
			continue
		}
		fmt.Printf("\nCard %s (serial %s): failed at %s [%s]\n", c.CardID, c.Serial, c.FailedStage, c.Kind)
		fmt.Printf("   %s\n", c.Message)
	}
	fmt.Println()
}

func runParse(log zerolog.Logger) {
	fs := flag.NewFlagSet("parse", flag.ExitOnError)
	file := fs.String("file", "", "Path to a statement PDF")
	serial := fs.String("serial", "", "Expected card serial (optional)")
	taxonomySource := fs.String("taxonomy", os.Getenv(config.EnvPrefix+"_TAXONOMY_SOURCE"), "Mode table path or gs:// URI (default embedded)")
	tz := fs.String("timezone", "America/Los_Angeles", "Statement time zone")
	fs.Parse(os.Args[2:])

	if *file == "" {
		log.Fatal().Msg("Error: --file is required")
	}

	ctx := logger.WithContext(context.Background(), log)

	data, err := os.ReadFile(*file)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to read statement")
	}

	var objects taxonomy.ObjectFetcher
	if strings.HasPrefix(*taxonomySource, "gs://") {
		client, err := gcs.NewClient(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create storage client")
		}
		defer client.Close()
		objects = client
	}
	cfg := &config.Config{TaxonomySource: *taxonomySource, StatementTimezone: *tz}
	if _, err := time.LoadLocation(*tz); err != nil {
		log.Fatal().Err(err).Msg("Invalid --timezone")
	}
	normalizer, err := app.LoadNormalizer(ctx, cfg, objects)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load mode table")
	}

	stmt, err := statement.New().Extract(data)
	if err != nil {
		log.Fatal().Err(err).Str("kind", statement.KindOf(err).String()).Msg("Extraction failed")
	}
	if *serial != "" && stmt.CardSerial != "" && stmt.CardSerial != *serial {
		log.Warn().Str("statement_serial", stmt.CardSerial).Str("expected", *serial).Msg("Statement belongs to a different card")
	}

	card := domain.CardContext{UserID: "local", CardID: "local", Serial: stmt.CardSerial}
	fmt.Printf("\n=== Statement %s (%d rows) ===\n", stmt.CardSerial, len(stmt.Rows))
	for _, row := range stmt.Rows {
		tx, err := normalizer.Normalize(row, card)
		if err != nil {
			fmt.Printf("\n%3d. SKIPPED [%s] %s\n", row.Line, pipeline.Classify(err), err)
			continue
		}
		fmt.Printf("\n%3d. %s\n", row.Line, tx.RawDescription)
		fmt.Printf("     Time:    %s\n", tx.Timestamp.In(cfg.Location()).Format("2006-01-02 15:04:05 MST"))
		fmt.Printf("     Mode:    %s %s\n", tx.Mode, tx.Tap)
		fmt.Printf("     Amount:  %s\n", tx.Amount.StringFixed(2))
		if tx.BalanceAfter.Valid {
			fmt.Printf("     Balance: %s\n", tx.BalanceAfter.Decimal.StringFixed(2))
		}
		fmt.Printf("     Print:   %s\n", tx.Fingerprint)
	}
	fmt.Println()
}
