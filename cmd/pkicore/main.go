// Package main implements the pkicore command-line interface.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"pkicore/internal/audit"
	"pkicore/internal/authority"
	"pkicore/internal/chain"
	"pkicore/internal/config"
	"pkicore/internal/issuer"
	"pkicore/internal/keys"
	"pkicore/internal/lifecycle"
	"pkicore/internal/repository"
	"pkicore/internal/revocation"
	"pkicore/internal/signer"
	"pkicore/internal/store"
)

const (
	exitCodeSuccess = 0
	exitCodeError   = 1
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(exitCodeError)
	}
}

func run(args []string) error {
	if len(args) < 1 {
		printUsage()
		return nil
	}

	switch args[0] {
	case "init":
		return runInit(args[1:])
	case "issue":
		return runIssue(args[1:])
	case "revoke":
		return runRevoke(args[1:])
	case "renew":
		return runRenew(args[1:])
	case "status":
		return runStatus(args[1:])
	case "crl":
		return runCRL(args[1:])
	case "list":
		return runList(args[1:])
	case "verify-chain":
		return runVerifyChain(args[1:])
	case "sign":
		return runSign(args[1:])
	case "verify":
		return runVerify(args[1:])
	case "serve":
		return runServe(args[1:])
	case "help", "--help", "-h":
		printUsage()
		return nil
	default:
		return fmt.Errorf("unknown command '%s'", args[0])
	}
}

func printUsage() {
	fmt.Println("pkicore - two-level certificate authority and certificate lifecycle tool")
	fmt.Println("\nUsage: pkicore <command> [options]")
	fmt.Println("\nCommands:")
	fmt.Println("  init           Bootstrap the Root and Intermediate CA")
	fmt.Println("  issue          Issue an end-entity certificate")
	fmt.Println("  revoke         Revoke a certificate and regenerate the CRL")
	fmt.Println("  renew          Renew a certificate (issue new, revoke old as Superseded)")
	fmt.Println("  status         Resolve the status of a serial number")
	fmt.Println("  crl            Regenerate and show the CRL")
	fmt.Println("  list           List issued certificates")
	fmt.Println("  verify-chain   Verify a leaf certificate against the CA chain")
	fmt.Println("  sign           Sign a file with a certificate private key")
	fmt.Println("  verify         Verify a detached signature")
	fmt.Println("  serve          Start the certificate repository HTTP server")
	fmt.Println("\nCommon option:")
	fmt.Println("  --config       Path to configuration file (YAML or JSON)")
}

// app собирает все слои приложения поверх одного открытого хранилища.
type app struct {
	cfg       *config.Config
	log       zerolog.Logger
	db        *store.Store
	ca        *authority.Authority
	issuer    *issuer.Issuer
	rev       *revocation.Engine
	audit     *audit.Logger
	lifecycle *lifecycle.Service
}

func newApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}

	log, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}

	db, err := store.Open(cfg.Database.Path, cfg.Database.WALMode)
	if err != nil {
		return nil, fmt.Errorf("open certificate store: %w", err)
	}

	ca := authority.New(cfg, log)
	iss := issuer.New(cfg, ca, db, log)
	rev := revocation.New(cfg, ca, db, log)
	auditLog := audit.New(db, log)
	lc := lifecycle.New(db, iss, rev, auditLog, log)

	return &app{
		cfg:       cfg,
		log:       log,
		db:        db,
		ca:        ca,
		issuer:    iss,
		rev:       rev,
		audit:     auditLog,
		lifecycle: lc,
	}, nil
}

func (a *app) Close() {
	if err := a.db.Close(); err != nil {
		a.log.Warn().Err(err).Msg("closing store")
	}
}

func newLogger(cfg *config.Config) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var out *os.File = os.Stderr
	if cfg.Logging.File != "" {
		out, err = os.OpenFile(cfg.Logging.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return zerolog.Logger{}, fmt.Errorf("open log file: %w", err)
		}
	}

	return zerolog.New(out).Level(level).With().Timestamp().Logger(), nil
}

func runInit(args []string) error {
	cmd := flag.NewFlagSet("init", flag.ContinueOnError)
	configPath := cmd.String("config", "", "Path to configuration file")
	cmd.SetOutput(os.Stderr)
	if err := cmd.Parse(args); err != nil {
		return err
	}

	app, err := newApp(*configPath)
	if err != nil {
		return err
	}
	defer app.Close()

	if err := app.ca.Bootstrap(); err != nil {
		app.audit.Failure("", audit.ActionBootstrap, "", err.Error())
		return err
	}
	app.audit.Success("", audit.ActionBootstrap, "", "CA hierarchy bootstrapped")

	rootInfo, err := app.ca.RootInfo()
	if err != nil {
		return err
	}
	intInfo, err := app.ca.IntermediateInfo()
	if err != nil {
		return err
	}

	fmt.Println("CA hierarchy ready.")
	fmt.Printf("  Root:         %s (valid to %s)\n", rootInfo.Subject, rootInfo.ValidTo)
	fmt.Printf("  Intermediate: %s (valid to %s)\n", intInfo.Subject, intInfo.ValidTo)
	return nil
}

func runIssue(args []string) error {
	cmd := flag.NewFlagSet("issue", flag.ContinueOnError)
	configPath := cmd.String("config", "", "Path to configuration file")
	owner := cmd.String("owner", "", "Certificate owner name (required)")
	email := cmd.String("email", "", "Owner email address")
	org := cmd.String("org", "", "Organization (defaults to the CA organization)")
	cmd.SetOutput(os.Stderr)
	if err := cmd.Parse(args); err != nil {
		return err
	}

	if strings.TrimSpace(*owner) == "" {
		return fmt.Errorf("--owner is required")
	}

	app, err := newApp(*configPath)
	if err != nil {
		return err
	}
	defer app.Close()

	record, err := app.lifecycle.Issue(*owner, *email, *org)
	if err != nil {
		return err
	}

	fmt.Printf("Certificate issued for %s\n", record.OwnerName)
	fmt.Printf("  Serial:   %s\n", record.SerialHex)
	fmt.Printf("  Valid to: %s\n", record.ValidTo.UTC().Format("2006-01-02 15:04:05 UTC"))
	return nil
}

func runRevoke(args []string) error {
	cmd := flag.NewFlagSet("revoke", flag.ContinueOnError)
	configPath := cmd.String("config", "", "Path to configuration file")
	serialHex := cmd.String("serial", "", "Serial number in hex (required)")
	reason := cmd.String("reason", "No reason provided", "Revocation reason")
	cmd.SetOutput(os.Stderr)
	if err := cmd.Parse(args); err != nil {
		return err
	}

	if *serialHex == "" {
		return fmt.Errorf("--serial is required")
	}

	app, err := newApp(*configPath)
	if err != nil {
		return err
	}
	defer app.Close()

	revoked, err := app.lifecycle.Revoke(strings.ToLower(*serialHex), *reason)
	if err != nil {
		if errors.Is(err, store.ErrNotActive) {
			return fmt.Errorf("certificate %s is not active (already revoked?)", *serialHex)
		}
		return err
	}

	fmt.Printf("Certificate %s revoked (%s), owner %s\n",
		revoked.SerialHex, revoked.Reason, revoked.OwnerName)
	return nil
}

func runRenew(args []string) error {
	cmd := flag.NewFlagSet("renew", flag.ContinueOnError)
	configPath := cmd.String("config", "", "Path to configuration file")
	serialHex := cmd.String("serial", "", "Serial number of the certificate to renew (required)")
	cmd.SetOutput(os.Stderr)
	if err := cmd.Parse(args); err != nil {
		return err
	}

	if *serialHex == "" {
		return fmt.Errorf("--serial is required")
	}

	app, err := newApp(*configPath)
	if err != nil {
		return err
	}
	defer app.Close()

	record, err := app.lifecycle.Renew(strings.ToLower(*serialHex))
	if err != nil {
		return err
	}

	fmt.Printf("Certificate renewed for %s\n", record.OwnerName)
	fmt.Printf("  New serial: %s\n", record.SerialHex)
	fmt.Printf("  Valid to:   %s\n", record.ValidTo.UTC().Format("2006-01-02 15:04:05 UTC"))
	return nil
}

func runStatus(args []string) error {
	cmd := flag.NewFlagSet("status", flag.ContinueOnError)
	configPath := cmd.String("config", "", "Path to configuration file")
	serialHex := cmd.String("serial", "", "Serial number in hex (required)")
	ocsp := cmd.Bool("ocsp", false, "Print the full OCSP-style JSON response")
	cmd.SetOutput(os.Stderr)
	if err := cmd.Parse(args); err != nil {
		return err
	}

	if *serialHex == "" {
		return fmt.Errorf("--serial is required")
	}

	app, err := newApp(*configPath)
	if err != nil {
		return err
	}
	defer app.Close()

	serial := strings.ToLower(*serialHex)

	if *ocsp {
		resp, err := app.rev.BuildOCSPResponse(serial)
		if err != nil {
			return err
		}
		return printJSON(resp)
	}

	status, err := app.rev.ResolveStatus(serial)
	if err != nil {
		return err
	}

	fmt.Printf("Serial: %s\n", status.SerialHex)
	fmt.Printf("Status: %s\n", status.State)
	if status.Owner != "" {
		fmt.Printf("Owner:  %s\n", status.Owner)
	}
	if status.ValidTo != "" {
		fmt.Printf("Valid to:   %s\n", status.ValidTo)
	}
	if status.RevokedAt != "" {
		fmt.Printf("Revoked at: %s\n", status.RevokedAt)
		fmt.Printf("Reason:     %s\n", status.Reason)
	}
	return nil
}

func runCRL(args []string) error {
	cmd := flag.NewFlagSet("crl", flag.ContinueOnError)
	configPath := cmd.String("config", "", "Path to configuration file")
	show := cmd.Bool("info", false, "Only show information about the current CRL")
	cmd.SetOutput(os.Stderr)
	if err := cmd.Parse(args); err != nil {
		return err
	}

	app, err := newApp(*configPath)
	if err != nil {
		return err
	}
	defer app.Close()

	if !*show {
		if _, err := app.rev.GenerateCRL(); err != nil {
			app.audit.Failure("", audit.ActionCRL, "", err.Error())
			return err
		}
		app.audit.Success("", audit.ActionCRL, "", "CRL regenerated")
	}

	info, err := app.rev.ReadCRLInfo()
	if err != nil {
		return err
	}
	if info == nil {
		fmt.Println("No CRL has been generated yet.")
		return nil
	}

	fmt.Printf("CRL issuer:    %s\n", info.Issuer)
	fmt.Printf("Last update:   %s\n", info.LastUpdate)
	fmt.Printf("Next update:   %s\n", info.NextUpdate)
	fmt.Printf("Revoked count: %d\n", info.RevokedCount)
	fmt.Printf("File:          %s\n", info.Path)
	return nil
}

func runList(args []string) error {
	cmd := flag.NewFlagSet("list", flag.ContinueOnError)
	configPath := cmd.String("config", "", "Path to configuration file")
	status := cmd.String("status", "", "Filter by status: ACTIVE or REVOKED")
	owner := cmd.String("owner", "", "All certificates of one owner, newest first")
	expiring := cmd.Int("expiring", 0, "Only certificates expiring within N days")
	cmd.SetOutput(os.Stderr)
	if err := cmd.Parse(args); err != nil {
		return err
	}

	app, err := newApp(*configPath)
	if err != nil {
		return err
	}
	defer app.Close()

	var records []*store.CertificateRecord
	switch {
	case *owner != "":
		records, err = app.db.GetByOwner(*owner)
	case *expiring > 0:
		records, err = app.db.ListExpiringSoon(*expiring)
	case *status != "":
		records, err = app.db.ListByStatus(strings.ToUpper(*status))
	default:
		records, err = app.db.ListActive()
	}
	if err != nil {
		return err
	}

	if len(records) == 0 {
		fmt.Println("No certificates found.")
		return nil
	}

	for _, r := range records {
		fmt.Printf("%-40s  %-8s  %-25s  valid to %s\n",
			r.SerialHex, r.Status, r.OwnerName,
			r.ValidTo.UTC().Format("2006-01-02"))
	}
	return nil
}

func runVerifyChain(args []string) error {
	cmd := flag.NewFlagSet("verify-chain", flag.ContinueOnError)
	configPath := cmd.String("config", "", "Path to configuration file")
	serialHex := cmd.String("serial", "", "Serial number of an issued certificate")
	leafPath := cmd.String("leaf", "", "Path to a leaf certificate file (alternative to --serial)")
	cmd.SetOutput(os.Stderr)
	if err := cmd.Parse(args); err != nil {
		return err
	}

	if *serialHex == "" && *leafPath == "" {
		return fmt.Errorf("either --serial or --leaf is required")
	}

	app, err := newApp(*configPath)
	if err != nil {
		return err
	}
	defer app.Close()

	var c *chain.Chain
	if *serialHex != "" {
		record, err := app.db.GetBySerial(strings.ToLower(*serialHex))
		if err != nil {
			return err
		}
		c, err = chain.FromPEM(record.CertPEM, app.ca.IntermediateCertPath(), app.ca.RootCertPath())
		if err != nil {
			return err
		}
	} else {
		c, err = chain.Load(*leafPath, app.ca.IntermediateCertPath(), app.ca.RootCertPath())
		if err != nil {
			return err
		}
	}

	if err := c.Verify(); err != nil {
		return fmt.Errorf("chain verification failed: %w", err)
	}

	fmt.Println("Chain verification: OK")
	fmt.Println()
	fmt.Print(c.Describe())
	return nil
}

func runSign(args []string) error {
	cmd := flag.NewFlagSet("sign", flag.ContinueOnError)
	keyPath := cmd.String("key", "", "Path to the private key (required)")
	filePath := cmd.String("file", "", "Path to the file to sign (required)")
	passphrase := cmd.String("passphrase", "", "Passphrase for an encrypted private key")
	outPath := cmd.String("out", "", "Write the signature to a file instead of stdout")
	cmd.SetOutput(os.Stderr)
	if err := cmd.Parse(args); err != nil {
		return err
	}

	if *keyPath == "" || *filePath == "" {
		return fmt.Errorf("--key and --file are required")
	}

	var pass []byte
	if *passphrase != "" {
		pass = []byte(*passphrase)
		defer keys.SecureZero(pass)
	}

	key, err := keys.LoadPrivateKey(*keyPath, pass)
	if err != nil {
		return err
	}

	sig, err := signer.SignFile(*filePath, key)
	if err != nil {
		return err
	}

	if *outPath != "" {
		if err := os.WriteFile(*outPath, []byte(sig+"\n"), 0644); err != nil {
			return fmt.Errorf("write signature: %w", err)
		}
		fmt.Printf("Signature written to %s\n", *outPath)
		return nil
	}

	fmt.Println(sig)
	return nil
}

func runVerify(args []string) error {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	pubPath := cmd.String("pub", "", "Path to the public key (required)")
	filePath := cmd.String("file", "", "Path to the signed file (required)")
	sigPath := cmd.String("sig", "", "Path to the base64 signature file (required)")
	cmd.SetOutput(os.Stderr)
	if err := cmd.Parse(args); err != nil {
		return err
	}

	if *pubPath == "" || *filePath == "" || *sigPath == "" {
		return fmt.Errorf("--pub, --file and --sig are required")
	}

	pub, err := keys.LoadPublicKey(*pubPath)
	if err != nil {
		return err
	}

	sigData, err := os.ReadFile(*sigPath)
	if err != nil {
		return fmt.Errorf("read signature file: %w", err)
	}

	if signer.VerifyFile(*filePath, string(sigData), pub) {
		fmt.Println("Signature: VALID")
		return nil
	}

	fmt.Println("Signature: INVALID")
	os.Exit(exitCodeError)
	return nil
}

func runServe(args []string) error {
	cmd := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := cmd.String("config", "", "Path to configuration file")
	host := cmd.String("host", "", "Listen host (overrides configuration)")
	port := cmd.Int("port", 0, "Listen port (overrides configuration)")
	cmd.SetOutput(os.Stderr)
	if err := cmd.Parse(args); err != nil {
		return err
	}

	app, err := newApp(*configPath)
	if err != nil {
		return err
	}
	defer app.Close()

	if *host != "" {
		app.cfg.Server.Host = *host
	}
	if *port != 0 {
		app.cfg.Server.Port = *port
	}

	server := repository.NewServer(app.cfg, app.db, app.ca, app.rev, app.log)

	started := time.Now()
	err = server.Start()
	app.log.Info().Dur("uptime", time.Since(started)).Msg("server stopped")
	return err
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
