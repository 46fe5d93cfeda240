package omero

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/omero-tools/omerows/internal/logging"
)

// accessAPIPrefix is the REST prefix used for accessibility checks. The v0
// model endpoints are stable across server versions.
const accessAPIPrefix = "/api/v0/m/"

// ObjectType identifies the kind of OMERO object a URI points at.
type ObjectType int

const (
	TypeUnknown ObjectType = iota
	TypeProject
	TypeDataset
	TypeImage
	TypeOrphanedFolder
	TypePlate
	TypeWell
	TypeScreen
)

// String returns the lowercase singular name, as used in webclient URIs.
func (t ObjectType) String() string {
	switch t {
	case TypeProject:
		return "project"
	case TypeDataset:
		return "dataset"
	case TypeImage:
		return "image"
	case TypeOrphanedFolder:
		return "orphaned"
	case TypePlate:
		return "plate"
	case TypeWell:
		return "well"
	case TypeScreen:
		return "screen"
	default:
		return "unknown"
	}
}

// apiName returns the plural REST collection name.
func (t ObjectType) apiName() string {
	switch t {
	case TypeProject:
		return "projects"
	case TypeDataset:
		return "datasets"
	case TypeImage:
		return "images"
	case TypePlate:
		return "plates"
	case TypeWell:
		return "wells"
	case TypeScreen:
		return "screens"
	default:
		return ""
	}
}

// ParseObjectType maps a user-supplied name to an ObjectType.
func ParseObjectType(s string) (ObjectType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "project":
		return TypeProject, nil
	case "dataset":
		return TypeDataset, nil
	case "image":
		return TypeImage, nil
	case "orphaned", "orphaned_folder", "orphaned-folder":
		return TypeOrphanedFolder, nil
	case "plate":
		return TypePlate, nil
	case "well":
		return TypeWell, nil
	case "screen":
		return TypeScreen, nil
	default:
		return TypeUnknown, fmt.Errorf("%w: unknown object type %q", ErrInvalidArgument, s)
	}
}

// ParseObjectID extracts the numeric object id from an OMERO URI for the
// given type. It understands webclient links (?show=image-123), webgateway
// viewer links (/webgateway/img_detail/123) and API links
// (/api/v0/m/images/123).
func ParseObjectID(uri *url.URL, t ObjectType) (int64, bool) {
	if uri == nil {
		return -1, false
	}

	// webclient: ?show=image-123 (possibly a list, first match wins)
	if show := uri.Query().Get("show"); show != "" {
		prefix := t.String() + "-"
		for _, part := range strings.Fields(strings.ReplaceAll(show, "|", " ")) {
			if rest, ok := strings.CutPrefix(part, prefix); ok {
				if id, err := strconv.ParseInt(rest, 10, 64); err == nil {
					return id, true
				}
			}
		}
	}

	segments := strings.Split(strings.Trim(uri.Path, "/"), "/")

	// webgateway viewer links always address an image.
	if t == TypeImage {
		for i, seg := range segments {
			if seg == "img_detail" && i+1 < len(segments) {
				if id, err := strconv.ParseInt(segments[i+1], 10, 64); err == nil {
					return id, true
				}
			}
		}
	}

	// API links: .../<plural>/<id> or .../<singular>/<id>
	singular, plural := t.String(), t.apiName()
	for i, seg := range segments {
		if (seg == singular || (plural != "" && seg == plural)) && i+1 < len(segments) {
			if id, err := strconv.ParseInt(segments[i+1], 10, 64); err == nil {
				return id, true
			}
		}
	}

	return -1, false
}

// accessClient bounds advisory accessibility checks; they should answer
// quickly rather than hang on a dead host.
var accessClient = &http.Client{Timeout: 10 * time.Second}

// CanBeAccessed reports whether the object behind uri can be fetched with
// the current (possibly anonymous) credentials. Being logged in does not
// imply access to every object on the server, so this is checked per object
// before committing to a full open.
//
// The check is advisory: network failures are swallowed and reported as not
// accessible. Only an exact 200 response counts as accessible. Orphaned
// folders and unknown types cannot be checked (ErrInvalidArgument); other
// recognized types are not handled yet (ErrUnsupportedType).
func CanBeAccessed(ctx context.Context, hc *http.Client, uri *url.URL, t ObjectType) (bool, error) {
	switch t {
	case TypeProject, TypeDataset, TypeImage:
	case TypeOrphanedFolder, TypeUnknown:
		return false, fmt.Errorf("%w: cannot check accessibility of %s objects", ErrInvalidArgument, t)
	default:
		return false, fmt.Errorf("%w: %s", ErrUnsupportedType, t)
	}

	id, ok := ParseObjectID(uri, t)
	if !ok {
		return false, fmt.Errorf("%w: no %s id found in %s", ErrInvalidArgument, t, uri)
	}

	if hc == nil {
		hc = accessClient
	}

	target := (&url.URL{Scheme: uri.Scheme, Host: uri.Host}).String() +
		accessAPIPrefix + t.apiName() + "/" + strconv.FormatInt(id, 10)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return false, fmt.Errorf("access check: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		// Advisory probe: an unreachable host is simply "not accessible".
		logging.Access().Debug("access check failed", "target", target, "error", err)
		return false, nil
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	logging.Access().Debug("access check", "target", target, "status", resp.StatusCode)
	return resp.StatusCode == http.StatusOK, nil
}
