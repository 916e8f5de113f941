package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/mrmushfiq/llm0-keypool/internal/shared/database"
	"github.com/mrmushfiq/llm0-keypool/internal/shared/models"
)

// Notifier announces credential changes to running gateways
type Notifier interface {
	PublishInvalidation(ctx context.Context, credentialID string) error
}

type app struct {
	db     *database.DB
	notify Notifier
	stdin  io.Reader
	out    io.Writer
}

func (a *app) dispatch(ctx context.Context, command string, args []string) error {
	switch command {
	case "list":
		return a.list(ctx)
	case "add":
		return a.add(ctx, args)
	case "update":
		return a.update(ctx, args)
	case "enable":
		return a.setActive(ctx, args, true)
	case "disable":
		return a.setActive(ctx, args, false)
	case "delete":
		return a.delete(ctx, args)
	case "reset-usage":
		return a.resetUsage(ctx)
	case "import":
		return a.importFile(ctx, args)
	case "logs":
		return a.logs(ctx, args)
	}
	return fmt.Errorf("unknown command %q", command)
}

func (a *app) list(ctx context.Context) error {
	creds, err := a.db.ListCredentials(ctx)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tPREVIEW\tACTIVE\tUSED\tLIMIT\tRATIO\tLAST USED")
	for i := range creds {
		c := &creds[i]
		lastUsed := "-"
		if c.LastUsedAt != nil {
			lastUsed = c.LastUsedAt.Local().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%d\t%d\t%.2f\t%s\n",
			c.ID, c.DisplayName, c.Preview(), c.Active, c.UsedToday, c.DailyLimit, c.UsageRatio(), lastUsed)
	}
	return tw.Flush()
}

func (a *app) add(ctx context.Context, args []string) error {
	var (
		name, secret string
		limit        int64
		inactive     bool
	)
	fs := pflag.NewFlagSet("add", pflag.ContinueOnError)
	fs.StringVar(&name, "name", "", "display name")
	fs.StringVar(&secret, "secret", "", "upstream API key (read from stdin when omitted)")
	fs.Int64Var(&limit, "limit", 0, "daily call limit")
	fs.BoolVar(&inactive, "inactive", false, "create the credential disabled")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if secret == "" {
		var err error
		if secret, err = readSecret(a.stdin); err != nil {
			return err
		}
	}
	cred := models.Credential{
		DisplayName: name,
		Secret:      secret,
		DailyLimit:  limit,
		Active:      !inactive,
	}
	if err := validate(cred); err != nil {
		return err
	}

	if err := a.db.CreateCredential(ctx, &cred); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "created %s (%s)\n", cred.ID, cred.Preview())
	a.invalidate(ctx, cred.ID)
	return nil
}

func (a *app) update(ctx context.Context, args []string) error {
	var (
		name, secret string
		limit        int64
	)
	fs := pflag.NewFlagSet("update", pflag.ContinueOnError)
	fs.StringVar(&name, "name", "", "new display name")
	fs.StringVar(&secret, "secret", "", "replacement API key")
	fs.Int64Var(&limit, "limit", 0, "new daily call limit")
	if err := fs.Parse(args); err != nil {
		return err
	}
	id, err := singleID(fs.Args())
	if err != nil {
		return err
	}

	var upd database.CredentialUpdate
	if fs.Changed("name") {
		upd.DisplayName = &name
	}
	if fs.Changed("secret") {
		if strings.TrimSpace(secret) == "" {
			return fmt.Errorf("--secret must not be empty")
		}
		upd.Secret = &secret
	}
	if fs.Changed("limit") {
		if limit < 0 {
			return fmt.Errorf("--limit must not be negative")
		}
		upd.DailyLimit = &limit
	}
	if upd == (database.CredentialUpdate{}) {
		return fmt.Errorf("nothing to update: pass --name, --secret or --limit")
	}

	if err := a.db.UpdateCredential(ctx, id, upd); err != nil {
		return fmt.Errorf("update %s: %w", id, err)
	}
	fmt.Fprintf(a.out, "updated %s\n", id)
	a.invalidate(ctx, id)
	return nil
}

func (a *app) setActive(ctx context.Context, args []string, active bool) error {
	id, err := singleID(args)
	if err != nil {
		return err
	}
	if err := a.db.SetCredentialActive(ctx, id, active); err != nil {
		return fmt.Errorf("toggle %s: %w", id, err)
	}
	state := "disabled"
	if active {
		state = "enabled"
	}
	fmt.Fprintf(a.out, "%s %s\n", state, id)
	a.invalidate(ctx, id)
	return nil
}

func (a *app) delete(ctx context.Context, args []string) error {
	id, err := singleID(args)
	if err != nil {
		return err
	}
	if err := a.db.DeleteCredential(ctx, id); err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	fmt.Fprintf(a.out, "deleted %s\n", id)
	a.invalidate(ctx, id)
	return nil
}

func (a *app) resetUsage(ctx context.Context) error {
	n, err := a.db.ResetDailyUsage(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "reset daily usage on %d credentials\n", n)
	a.invalidate(ctx, "")
	return nil
}

// importEntry is one credential in an import file
type importEntry struct {
	Name       string `yaml:"name"`
	Secret     string `yaml:"secret"`
	DailyLimit int64  `yaml:"daily_limit"`
	Active     *bool  `yaml:"active"`
}

// importFile adds every entry after validating the whole file, so a bad entry
// leaves the table untouched.
func (a *app) importFile(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("import expects exactly one file")
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read import file: %w", err)
	}

	var entries []importEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("failed to parse import file: %w", err)
	}
	if len(entries) == 0 {
		return fmt.Errorf("import file %s has no credentials", args[0])
	}

	creds := make([]models.Credential, 0, len(entries))
	for i, e := range entries {
		cred := models.Credential{
			DisplayName: e.Name,
			Secret:      e.Secret,
			DailyLimit:  e.DailyLimit,
			Active:      e.Active == nil || *e.Active,
		}
		if err := validate(cred); err != nil {
			return fmt.Errorf("entry %d: %w", i+1, err)
		}
		creds = append(creds, cred)
	}

	for i := range creds {
		if err := a.db.CreateCredential(ctx, &creds[i]); err != nil {
			return fmt.Errorf("entry %d: %w", i+1, err)
		}
		fmt.Fprintf(a.out, "created %s (%s)\n", creds[i].ID, creds[i].Preview())
	}
	a.invalidate(ctx, "")
	return nil
}

func (a *app) logs(ctx context.Context, args []string) error {
	var limit int
	fs := pflag.NewFlagSet("logs", pflag.ContinueOnError)
	fs.IntVar(&limit, "limit", 20, "number of outcomes to show")
	if err := fs.Parse(args); err != nil {
		return err
	}

	outcomes, err := a.db.RecentCallOutcomes(ctx, limit)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tCREDENTIAL\tMODEL\tTYPE\tOK\tLATENCY\tIN\tOUT\tERROR")
	for _, o := range outcomes {
		credential, errMsg := "-", ""
		if o.CredentialID != nil {
			credential = *o.CredentialID
		}
		if o.ErrorMessage != nil {
			errMsg = *o.ErrorMessage
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%dms\t%d\t%d\t%s\n",
			o.Timestamp.Local().Format(time.RFC3339), credential, o.ModelName, o.CallType,
			o.Success, o.LatencyMs, o.InputUnits, o.OutputUnits, errMsg)
	}
	return tw.Flush()
}

// invalidate is best effort; gateways fall back to their TTL
func (a *app) invalidate(ctx context.Context, id string) {
	if a.notify == nil {
		return
	}
	if err := a.notify.PublishInvalidation(ctx, id); err != nil {
		fmt.Fprintf(a.out, "warning: failed to notify gateways: %v\n", err)
	}
}

func validate(c models.Credential) error {
	switch {
	case strings.TrimSpace(c.Secret) == "":
		return fmt.Errorf("secret is required")
	case c.DailyLimit <= 0:
		return fmt.Errorf("daily limit must be positive")
	}
	return nil
}

func singleID(args []string) (string, error) {
	if len(args) != 1 || args[0] == "" {
		return "", fmt.Errorf("expected exactly one credential id")
	}
	return args[0], nil
}

func readSecret(r io.Reader) (string, error) {
	if r == nil {
		return "", fmt.Errorf("secret is required")
	}
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("failed to read secret: %w", err)
	}
	return strings.TrimSpace(line), nil
}
