package omero

import "errors"

// Errors returned by the OMERO web API client. They are matched with
// errors.Is; most are returned wrapped with request context.
var (
	// ErrProtocol indicates a response that could not be parsed as the
	// expected shape, or a status the protocol does not allow.
	ErrProtocol = errors.New("unexpected response from OMERO server")

	// ErrUnsupportedVersion is returned when the server advertises an
	// empty API version list.
	ErrUnsupportedVersion = errors.New("no supported API version")

	// ErrUnsupportedType is returned for recognized OMERO object types
	// the client does not handle yet.
	ErrUnsupportedType = errors.New("unsupported OMERO object type")

	// ErrRedirect is returned when discovery receives an HTTP redirect.
	// Redirects are never followed during discovery, so that credentials
	// cannot later be sent to an unintended host.
	ErrRedirect = errors.New("unexpected redirect")

	// ErrAuthentication indicates rejected credentials or a login
	// response that established no session.
	ErrAuthentication = errors.New("authentication failed")

	// ErrInvalidArgument indicates an unusable URI or object type.
	ErrInvalidArgument = errors.New("invalid argument")
)
