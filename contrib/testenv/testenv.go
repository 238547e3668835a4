// Package testenv starts throwaway relays and seeds document trees for
// tests of the packages that talk to a relay.
package testenv

import (
	"context"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/collabdoc/docsync/contrib/relay"
	"github.com/collabdoc/docsync/pkg/auth"
	"github.com/collabdoc/docsync/pkg/logger"
	"github.com/collabdoc/docsync/pkg/models"
	"github.com/collabdoc/docsync/pkg/store"
	"github.com/collabdoc/docsync/pkg/store/httpstore"
)

// EnvVerbose turns on relay logging in tests when set to a non-empty value.
const EnvVerbose = "DOCSYNC_TEST_VERBOSE"

// Relay is a relay over an in-memory store, served by httptest.
type Relay struct {
	Store  *store.MemoryStore
	Server *httptest.Server
	Secret []byte
}

type RelayOption func(*relay.Config)

// WithSecret makes the relay verify tokens signed with secret.
func WithSecret(secret []byte) RelayOption {
	return func(c *relay.Config) {
		c.Secret = secret
	}
}

// StartRelay starts a relay and stops it when t finishes.
func StartRelay(t testing.TB, opts ...RelayOption) *Relay {
	t.Helper()

	config := &relay.Config{}
	for _, opt := range opts {
		opt(config)
	}

	var log logger.Logger
	if os.Getenv(EnvVerbose) != "" {
		log = NewLogger()
	}

	mem := store.NewMemoryStore()
	app := relay.New(config, mem, log)
	srv := httptest.NewServer(app.Router())
	t.Cleanup(func() {
		srv.Close()
		_ = app.Close()
	})

	return &Relay{Store: mem, Server: srv, Secret: config.Secret}
}

// URL is the http base URL of the relay. The socket manager maps it to ws.
func (r *Relay) URL() string {
	return r.Server.URL
}

// Token signs a token for the given user, or returns a placeholder when the
// relay does not verify tokens.
func (r *Relay) Token(t testing.TB, userID, username string) string {
	t.Helper()
	if len(r.Secret) == 0 {
		return "test-token"
	}
	token, err := auth.SignToken(r.Secret, userID, username, time.Hour)
	require.NoError(t, err)
	return token
}

// Credentials returns credentials for the given user.
func (r *Relay) Credentials(t testing.TB, userID, username string) auth.Credentials {
	t.Helper()
	return auth.Credentials{
		Token:    r.Token(t, userID, username),
		UserID:   userID,
		Username: username,
	}
}

// Client returns an HTTP store client authenticated as the given user.
func (r *Relay) Client(t testing.TB, userID, username string) *httpstore.Client {
	t.Helper()
	c := httpstore.NewClient(r.URL())
	c.SetAuthToken(r.Token(t, userID, username))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// Tree is a parent document that links to one child.
type Tree struct {
	Parent *models.Document
	Child  *models.Document
}

// SeedTree creates a parent titled parentTitle with a child titled
// childTitle, linked from the parent's content between two paragraphs.
func SeedTree(t testing.TB, st store.Store, parentTitle, childTitle string) Tree {
	t.Helper()
	ctx := context.Background()

	parent, err := st.CreateDocument(ctx, models.NewDocument{Title: parentTitle, Content: models.EmptyContent()})
	require.NoError(t, err)
	child, err := st.CreateDocument(ctx, models.NewDocument{
		Title:    childTitle,
		Content:  models.EmptyContent(),
		ParentID: parent.ID.Ptr(),
	})
	require.NoError(t, err)

	content := models.NewContent(
		Paragraph("before"),
		models.NewNestedRefBlock(models.NestedDocumentRef{ChildID: child.ID, Title: childTitle}),
		Paragraph("after"),
	)
	parent, err = st.UpdateDocument(ctx, parent.ID, models.DocumentUpdate{Content: &content})
	require.NoError(t, err)

	return Tree{Parent: parent, Child: child}
}

// Paragraph returns a paragraph block holding text.
func Paragraph(text string) models.Block {
	return models.Block{Type: "paragraph", Data: models.JSONMap{"text": text}}
}
