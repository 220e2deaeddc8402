package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jmerrifield20/intentledger/internal/auditchain"
	"github.com/jmerrifield20/intentledger/internal/commit"
	"github.com/jmerrifield20/intentledger/internal/config"
	"github.com/jmerrifield20/intentledger/internal/envelope"
	"github.com/jmerrifield20/intentledger/internal/handler"
	"github.com/jmerrifield20/intentledger/internal/intentsig"
	"github.com/jmerrifield20/intentledger/internal/ledger"
	"github.com/jmerrifield20/intentledger/internal/queue"
	"github.com/jmerrifield20/intentledger/internal/verifier"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

var (
	cfgFile string
	verbose bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ledgerctl",
	Short: "Operator tool for the intent ledger",
	Long: `ledgerctl signs and verifies intent envelopes and maintains a ledger
directory offline.

Commands that write to the ledger (backfill, reindex) must not run while
ledgerd is serving the same directory.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to ledgerd.yaml (default ./configs/ledgerd.yaml or ./ledgerd.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log to stderr")

	rootCmd.AddCommand(keygenCmd)
	rootCmd.AddCommand(signCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(backfillCmd)
	rootCmd.AddCommand(reindexCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(versionCmd)
}

func loadConfig() (*config.Config, error) {
	cfg, _, err := config.Load(config.New(), cfgFile)
	return cfg, err
}

func newLogger() *zap.Logger {
	if !verbose {
		return zap.NewNop()
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func readEnvelope(path string) (*envelope.Envelope, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	return envelope.Decode(r)
}

// ── keygen ───────────────────────────────────────────────────────────────────

var keygenOut string

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an Ed25519 signing key pair",
	Long: `Writes <out>.key (PKCS#8 PEM, mode 0600) and <out>.pub (PKIX PEM).
Point verifier.public_key_file at the .pub file.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		priv, err := intentsig.GenerateEd25519()
		if err != nil {
			return err
		}
		privPEM, err := intentsig.MarshalPrivateKeyPEM(priv)
		if err != nil {
			return err
		}
		pubPEM, err := intentsig.MarshalPublicKeyPEM(priv.Public())
		if err != nil {
			return err
		}
		keyPath, pubPath := keygenOut+".key", keygenOut+".pub"
		if err := writeNew(keyPath, privPEM, 0o600); err != nil {
			return err
		}
		if err := writeNew(pubPath, pubPEM, 0o644); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "private key: %s\npublic key:  %s\nfingerprint: %s\n",
			keyPath, pubPath, verifier.Fingerprint(priv.Public()))
		return nil
	},
}

func init() {
	keygenCmd.Flags().StringVar(&keygenOut, "out", "signer", "output path prefix")
}

// writeNew refuses to overwrite an existing key.
func writeNew(path string, data []byte, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ── sign ─────────────────────────────────────────────────────────────────────

var signKey string

var signCmd = &cobra.Command{
	Use:   "sign <envelope.json|->",
	Short: "Sign an envelope and print it",
	Long: `Reads an unsigned (or previously signed) envelope, signs the canonical
form of every field except "signature" and prints the signed envelope.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if signKey == "" {
			return errors.New("--key is required")
		}
		key, err := intentsig.LoadPrivateKey(signKey)
		if err != nil {
			return err
		}
		env, err := readEnvelope(args[0])
		if err != nil {
			return err
		}
		if err := intentsig.SignEnvelope(env, key); err != nil {
			return err
		}
		if err := env.Validate(); err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), env)
	},
}

func init() {
	signCmd.Flags().StringVar(&signKey, "key", "", "private key PEM file")
}

// ── verify ───────────────────────────────────────────────────────────────────

var verifyPub string

var verifyCmd = &cobra.Command{
	Use:   "verify <envelope.json|->",
	Short: "Verify an envelope signature and print its commit hash",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pub := verifyPub
		if pub == "" {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			pub = cfg.Verifier.PublicKeyFile
		}
		v, err := verifier.New(verifier.Config{PublicKeyFile: pub}, newLogger())
		if err != nil {
			return err
		}
		env, err := readEnvelope(args[0])
		if err != nil {
			return err
		}
		if err := env.Validate(); err != nil {
			return err
		}
		if _, err := v.Verify(env); err != nil {
			return fmt.Errorf("%s: %w", envelope.Tag(err), err)
		}
		hash, err := env.CommitHash()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "signature OK\ncommit hash: %s\n", hash)
		return nil
	},
}

func init() {
	verifyCmd.Flags().StringVar(&verifyPub, "pub", "", "public key file (default verifier.public_key_file)")
}

// ── submit ───────────────────────────────────────────────────────────────────

var (
	submitURL     string
	submitTimeout time.Duration
)

var submitCmd = &cobra.Command{
	Use:   "submit <envelope.json|->",
	Short: "POST a signed envelope to a running ledgerd",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := readEnvelope(args[0])
		if err != nil {
			return err
		}
		body, err := json.Marshal(env)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), submitTimeout)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			strings.TrimRight(submitURL, "/")+"/commit", bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return fmt.Errorf("submit: %w", err)
		}
		defer resp.Body.Close()
		out, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSpace(string(out)))
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("ledgerd responded %s", resp.Status)
		}
		return nil
	},
}

func init() {
	submitCmd.Flags().StringVar(&submitURL, "url", "http://localhost:8080", "ledgerd base URL")
	submitCmd.Flags().DurationVar(&submitTimeout, "timeout", 10*time.Second, "request timeout")
}

// ── backfill ─────────────────────────────────────────────────────────────────

var backfillCmd = &cobra.Command{
	Use:   "backfill <dir>",
	Short: "Commit every staged envelope in a directory once",
	Long: `Runs one pass over a snapshot of <dir> with the same rules as the queue
consumer: committed files move to queue.committed_dir, rejected files move to
queue.failed_dir with a .reason.json, and files that hit a server-side
failure stay in <dir>.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := newLogger()
		svc, cleanup, err := openService(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer cleanup()

		consumer, err := queue.NewConsumer(queue.Dirs{
			Pending:   args[0],
			Committed: cfg.Queue.CommittedDir,
			Failed:    cfg.Queue.FailedDir,
		}, svc, logger)
		if err != nil {
			return err
		}
		rep, err := consumer.Backfill(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "FILE\tOUTCOME\tERROR")
		for _, it := range rep.Items {
			fmt.Fprintf(w, "%s\t%s\t%s\n", it.File, it.Outcome, it.Error)
		}
		w.Flush()
		fmt.Fprintf(cmd.OutOrStdout(), "\nscanned=%d committed=%d already=%d failed=%d deferred=%d\n",
			rep.Scanned, rep.Committed, rep.AlreadyCommitted, rep.Failed, rep.Deferred)
		if rep.Deferred > 0 {
			return fmt.Errorf("%d file(s) deferred; rerun after fixing the cause", rep.Deferred)
		}
		return nil
	},
}

// openService wires the same commit pipeline ledgerd uses.
func openService(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*commit.Service, func(), error) {
	v, err := verifier.New(verifier.Config{
		PublicKeyFile:         cfg.Verifier.PublicKeyFile,
		AllowInvalidSignature: cfg.Verifier.AllowInvalidSignature,
		AllowMissingPublicKey: cfg.Verifier.AllowMissingPublicKey,
	}, logger)
	if err != nil {
		return nil, nil, err
	}
	store, err := openStore(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	chain, cleanup, err := openAudit(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	opts := []commit.Option{}
	if chain != nil {
		opts = append(opts, commit.WithAudit(chain))
	}
	return commit.New(store, v, logger, opts...), func() {
		if err := store.Flush(); err != nil {
			logger.Error("index flush failed", zap.Error(err))
		}
		cleanup()
	}, nil
}

func openStore(cfg *config.Config, logger *zap.Logger) (*ledger.Store, error) {
	return ledger.Open(ledger.Config{
		Dir:              cfg.Ledger.Dir,
		IndexFile:        cfg.Ledger.IndexFile,
		ReconcileOnStart: cfg.Ledger.ReconcileOnStart,
	}, logger)
}

// openAudit returns the PostgreSQL chain when one is configured, else nil.
func openAudit(ctx context.Context, cfg *config.Config, logger *zap.Logger) (auditchain.Chain, func(), error) {
	if cfg.Audit.DatabaseURL == "" {
		return nil, func() {}, nil
	}
	pool, err := pgxpool.New(ctx, cfg.Audit.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect audit database: %w", err)
	}
	pg := auditchain.NewPostgres(pool, logger)
	if err := pg.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return pg, pool.Close, nil
}

// ── reindex ──────────────────────────────────────────────────────────────────

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Rebuild the index from the ledger record files",
	Long: `Scans ledger.dir, verifies every record's commit hash, and atomically
replaces the index. Records with a mismatched hash, duplicate key or reused
nonce are reported and left out.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := newLogger()
		store, err := ledger.Open(ledger.Config{Dir: cfg.Ledger.Dir, IndexFile: cfg.Ledger.IndexFile}, logger)
		if err != nil && envelope.Tag(err) != envelope.TagIndexLoadFailed {
			return err
		}
		var rep ledger.RebuildReport
		if store != nil {
			rep, err = store.Reindex()
		} else {
			// The index is unreadable: rebuild it without loading it.
			rep, err = rebuildUnreadable(cfg)
		}
		if err != nil {
			return err
		}

		chain, cleanup, err := openAudit(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer cleanup()
		if chain != nil {
			if _, err := chain.Append(cmd.Context(), auditchain.Event{Action: auditchain.ActionReindex}); err != nil {
				logger.Warn("audit append failed", zap.Error(err))
			}
		}
		return printJSON(cmd.OutOrStdout(), rep)
	},
}

func rebuildUnreadable(cfg *config.Config) (ledger.RebuildReport, error) {
	indexPath := cfg.Ledger.IndexFile
	if indexPath == "" {
		indexPath = cfg.Ledger.Dir + string(os.PathSeparator) + "index.json"
	}
	backup := fmt.Sprintf("%s.corrupt-%d", indexPath, time.Now().Unix())
	if err := os.Rename(indexPath, backup); err != nil {
		return ledger.RebuildReport{}, fmt.Errorf("move unreadable index aside: %w", err)
	}
	store, err := ledger.Open(ledger.Config{Dir: cfg.Ledger.Dir, IndexFile: cfg.Ledger.IndexFile}, zap.NewNop())
	if err != nil {
		return ledger.RebuildReport{}, err
	}
	return store.Reindex()
}

// ── check ────────────────────────────────────────────────────────────────────

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Report differences between the index and the ledger directory",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := ledger.Open(ledger.Config{Dir: cfg.Ledger.Dir, IndexFile: cfg.Ledger.IndexFile}, newLogger())
		if err != nil {
			return err
		}
		rep, err := store.Check()
		if err != nil {
			return err
		}
		if err := printJSON(cmd.OutOrStdout(), struct {
			OK    bool         `json:"ok"`
			Stats ledger.Stats `json:"stats"`
			ledger.CheckReport
		}{rep.OK(), store.Stats(), rep}); err != nil {
			return err
		}
		if !rep.OK() {
			return errors.New("index and ledger directory disagree; run ledgerctl reindex")
		}
		return nil
	},
}

// ── token ────────────────────────────────────────────────────────────────────

var (
	tokenTTL     time.Duration
	tokenSubject string
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a read token for the ledger read endpoints",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Server.ReadTokenSecret == "" {
			return errors.New("server.read_token_secret is not set")
		}
		tokens, err := handler.NewReadTokens(cfg.Server.ReadTokenSecret)
		if err != nil {
			return err
		}
		tok, err := tokens.Issue(tokenSubject, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

func init() {
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour, "token lifetime")
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "operator", "token subject")
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the ledgerctl version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version)
	},
}
