package connection

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/collabdoc/docsync/pkg/constants"
	"github.com/collabdoc/docsync/pkg/models"
)

// DocumentURL returns the socket address of a document:
// {base}/ws/documents/{id}/?token={token}. An http(s) base is mapped to
// ws(s).
func DocumentURL(base string, id models.DocumentID, token string) (string, error) {
	if base == "" {
		return "", constants.ErrNoBaseURL
	}

	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid base url %q: %w", base, err)
	}

	switch u.Scheme {
	case constants.HTTPScheme:
		u.Scheme = constants.WebsocketScheme
	case constants.HTTPSecureScheme:
		u.Scheme = constants.WebsocketSecureScheme
	case constants.WebsocketScheme, constants.WebsocketSecureScheme:
	default:
		return "", fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}

	u.Path = strings.TrimRight(u.Path, "/") + "/ws/documents/" + id.String() + "/"
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
