// Command docsyncctl inspects and edits the document tree of a relay.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/goccy/go-json"
	"golang.org/x/term"

	"github.com/collabdoc/docsync"
	"github.com/collabdoc/docsync/pkg/auth"
	"github.com/collabdoc/docsync/pkg/logger"
	"github.com/collabdoc/docsync/pkg/models"
	"github.com/collabdoc/docsync/pkg/presence"
	"github.com/collabdoc/docsync/pkg/refs"
	"github.com/collabdoc/docsync/pkg/store/httpstore"
)

const DocsyncCtlVersion = "0.1.0"

const usage = `Docsync control.

The api url defaults to $DOCSYNC_API_URL, then http://localhost:8000.
The token defaults to $DOCSYNC_TOKEN; without one you are prompted when
stdin is a terminal.

Usage:
    docsyncctl root [options]
    docsyncctl show <id> [options]
    docsyncctl children <id> [options]
    docsyncctl create <title> [--parent=<id>] [--icon=<icon>] [options]
    docsyncctl rename <id> <title> [options]
    docsyncctl delete <id> [options]
    docsyncctl sweep <id> [options]
    docsyncctl watch <id> [--count=<count>] [options]
    docsyncctl token --secret=<secret> --user_id=<user_id> [--username=<username>] [--ttl=<ttl>]
    docsyncctl -h | --help
    docsyncctl --version

Options:
    -h --help                  Show this screen.
    --version                  Show version.
    --api_url=<api_url>        Relay base url.
    --token=<token>            Access token.
    --log=<level>              Log level [default: warn].
    --parent=<id>              Create the document under this parent and link it.
    --icon=<icon>              Icon of the new document.
    --count=<count>            Exit after this many changes.
    --secret=<secret>          Relay signing secret.
    --user_id=<user_id>        User id claim.
    --username=<username>      Username claim.
    --ttl=<ttl>                Token lifetime, e.g. 24h [default: 0s].`

const (
	EnvAPIURL     = "DOCSYNC_API_URL"
	EnvToken      = "DOCSYNC_TOKEN"
	defaultAPIURL = "http://localhost:8000"
)

// promptToken reads a token from the terminal. Swapped in tests.
var promptToken = func() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", nil
	}
	fmt.Fprint(os.Stderr, "Token: ")
	token, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(token), nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := Main(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type ctl struct {
	opts   docopt.Opts
	out    io.Writer
	log    logger.Logger
	apiURL string
	creds  auth.Credentials
	client *httpstore.Client
}

// Main runs one command. Output goes to out and logs to errOut.
func Main(ctx context.Context, args []string, out, errOut io.Writer) error {
	parser := &docopt.Parser{HelpHandler: docopt.PrintHelpOnly}
	opts, err := parser.ParseArgs(usage, args, DocsyncCtlVersion)
	if err != nil {
		return err
	}
	if help, _ := opts.Bool("--help"); help {
		return nil
	}
	if version, _ := opts.Bool("--version"); version {
		return nil
	}

	if token, _ := opts.Bool("token"); token {
		return signToken(opts, out)
	}

	level, _ := opts.String("--log")
	logData, err := logger.NewBuild().FromBuffer(errOut).Level(level).Pretty(true).Make()
	if err != nil {
		return fmt.Errorf("failed to open log: %w", err)
	}
	defer logData.Close()

	c := &ctl{opts: opts, out: out, log: logData.Leveled()}
	if err := c.connect(); err != nil {
		return err
	}
	defer c.client.Close()

	switch {
	case c.is("root"):
		return c.root(ctx)
	case c.is("show"):
		return c.show(ctx)
	case c.is("children"):
		return c.children(ctx)
	case c.is("create"):
		return c.create(ctx)
	case c.is("rename"):
		return c.rename(ctx)
	case c.is("delete"):
		return c.delete(ctx)
	case c.is("sweep"):
		return c.sweep(ctx)
	case c.is("watch"):
		return c.watch(ctx)
	}
	return errors.New("no command given")
}

func (c *ctl) is(cmd string) bool {
	ok, _ := c.opts.Bool(cmd)
	return ok
}

func (c *ctl) connect() error {
	c.apiURL, _ = c.opts.String("--api_url")
	if c.apiURL == "" {
		c.apiURL = getEnv(EnvAPIURL, defaultAPIURL)
	}

	token, _ := c.opts.String("--token")
	if token == "" {
		token = os.Getenv(EnvToken)
	}
	if token == "" {
		var err error
		if token, err = promptToken(); err != nil {
			return fmt.Errorf("failed to read token: %w", err)
		}
	}

	c.creds = auth.Credentials{Token: token}
	if token != "" {
		if creds, err := auth.ParseToken(token); err == nil {
			c.creds = creds
		} else {
			c.log.Debug("docsyncctl could not read token claims", "error", err)
		}
	}

	c.client = httpstore.NewClient(c.apiURL)
	c.client.SetAuthToken(token)
	return nil
}

func (c *ctl) id(key string) (models.DocumentID, error) {
	s, _ := c.opts.String(key)
	id, err := models.ParseDocumentID(s)
	if err != nil {
		return 0, fmt.Errorf("invalid document id %q: %w", s, err)
	}
	return id, nil
}

func (c *ctl) root(ctx context.Context) error {
	doc, err := docsync.ResolveRoot(ctx, c.client)
	if err != nil {
		return err
	}
	c.printf("%d\t%s\n", doc.ID, doc.DisplayTitle())
	return nil
}

func (c *ctl) show(ctx context.Context) error {
	id, err := c.id("<id>")
	if err != nil {
		return err
	}
	doc, err := c.client.GetDocument(ctx, id)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	c.printf("%s\n", data)
	return nil
}

func (c *ctl) children(ctx context.Context) error {
	id, err := c.id("<id>")
	if err != nil {
		return err
	}
	docs, err := c.client.ListChildDocuments(ctx, id)
	if err != nil {
		return err
	}
	for _, doc := range docs {
		c.printf("%d\t%s\n", doc.ID, doc.DisplayTitle())
	}
	return nil
}

func (c *ctl) create(ctx context.Context) error {
	title, _ := c.opts.String("<title>")
	var icon *string
	if s, _ := c.opts.String("--icon"); s != "" {
		icon = &s
	}

	if s, _ := c.opts.String("--parent"); s == "" {
		doc, err := c.client.CreateDocument(ctx, models.NewDocument{
			Title:   title,
			Content: models.EmptyContent(),
			Icon:    icon,
		})
		if err != nil {
			return err
		}
		c.printf("%d\t%s\n", doc.ID, doc.DisplayTitle())
		return nil
	}

	parentID, err := c.id("--parent")
	if err != nil {
		return err
	}
	parent, err := c.client.GetDocument(ctx, parentID)
	if err != nil {
		return err
	}
	child, _, err := refs.New(c.client, c.log).CreateChild(ctx, parentID, parent.Content, title, icon)
	if child == nil {
		return err
	}
	if err != nil {
		c.log.Warn("docsyncctl created an unlinked child; run sweep on the parent", "parent_id", parentID, "error", err)
	}
	c.printf("%d\t%s\n", child.ID, child.DisplayTitle())
	return nil
}

func (c *ctl) rename(ctx context.Context) error {
	id, err := c.id("<id>")
	if err != nil {
		return err
	}
	title, _ := c.opts.String("<title>")

	doc, err := c.client.UpdateDocument(ctx, id, models.DocumentUpdate{Title: &title})
	if err != nil {
		return err
	}
	if _, err := refs.New(c.client, c.log).OnChildTitleChanged(ctx, id, doc.Title, doc.Icon); err != nil {
		c.log.Warn("docsyncctl left a stale reference in the parent", "document_id", id, "error", err)
	}
	c.printf("%d\t%s\n", doc.ID, doc.DisplayTitle())
	return nil
}

func (c *ctl) delete(ctx context.Context) error {
	id, err := c.id("<id>")
	if err != nil {
		return err
	}
	if _, err := refs.New(c.client, c.log).OnChildDeleted(ctx, id); err != nil {
		c.log.Warn("docsyncctl left a stale reference in the parent", "document_id", id, "error", err)
	}
	if err := c.client.DeleteDocument(ctx, id); err != nil {
		return err
	}
	c.printf("deleted %d\n", id)
	return nil
}

func (c *ctl) sweep(ctx context.Context) error {
	id, err := c.id("<id>")
	if err != nil {
		return err
	}
	m := refs.New(c.client, c.log)
	refreshed, err := m.RefreshReferences(ctx, id)
	if err != nil {
		return err
	}
	linked, err := m.SweepOrphans(ctx, id)
	if err != nil {
		return err
	}
	c.printf("refreshed %d, linked %d\n", refreshed, linked)
	return nil
}

func (c *ctl) watch(ctx context.Context) error {
	id, err := c.id("<id>")
	if err != nil {
		return err
	}
	limit := 0
	if s, _ := c.opts.String("--count"); s != "" {
		if limit, err = strconv.Atoi(s); err != nil {
			return fmt.Errorf("invalid count %q: %w", s, err)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events := make(chan string, 64)
	emit := func(line string) {
		select {
		case events <- line:
		case <-ctx.Done():
		}
	}

	view, err := docsync.Open(ctx, id, docsync.Options{
		Store:       c.client,
		SocketURL:   c.apiURL,
		Credentials: c.creds,
		Logger:      c.log,
		OnChange: func(doc models.Document) {
			emit(fmt.Sprintf("document\t%s\t%d blocks", doc.DisplayTitle(), len(doc.Content.Blocks)))
		},
		OnCursors: func(cursors []presence.CursorState) {
			emit(fmt.Sprintf("cursors\t%d", len(cursors)))
		},
	})
	if err != nil {
		var redirect *docsync.RedirectError
		if errors.As(err, &redirect) {
			return fmt.Errorf("cannot open document %d: %w", id, redirect.Reason)
		}
		return err
	}
	defer func() {
		// Unblock pending callbacks before closing.
		cancel()
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer closeCancel()
		_ = view.Close(closeCtx)
	}()

	watched := view.Document()
	c.printf("watching %d\t%s\n", id, watched.DisplayTitle())
	for seen := 0; limit == 0 || seen < limit; seen++ {
		select {
		case <-ctx.Done():
			return nil
		case line := <-events:
			c.printf("%s\n", line)
		}
	}
	return nil
}

func signToken(opts docopt.Opts, out io.Writer) error {
	secret, _ := opts.String("--secret")
	userID, _ := opts.String("--user_id")
	username, _ := opts.String("--username")
	ttlStr, _ := opts.String("--ttl")

	ttl, err := time.ParseDuration(ttlStr)
	if err != nil {
		return fmt.Errorf("invalid ttl %q: %w", ttlStr, err)
	}
	token, err := auth.SignToken([]byte(secret), userID, username, ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, token)
	return nil
}

func (c *ctl) printf(format string, args ...any) {
	fmt.Fprintf(c.out, format, args...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
