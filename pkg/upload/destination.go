package upload

import (
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"

	"github.com/openfroyo/convergence/pkg/engine"
)

// Destination schemes.
const (
	SchemeS3   = "s3"
	SchemeFile = "file"
)

// Destination is a parsed report destination.
type Destination struct {
	Scheme string

	// Bucket and Prefix are set for s3 destinations.
	Bucket string
	Prefix string

	// Dir is set for file destinations.
	Dir string
}

// ParseDestination parses an s3:// or file:// destination URI.
func ParseDestination(raw string) (Destination, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Destination{}, engine.NewInputError("invalid report destination", err).WithSubject(raw)
	}

	switch strings.ToLower(u.Scheme) {
	case SchemeS3:
		if u.Host == "" {
			return Destination{}, engine.NewInputError("s3 destination requires a bucket", nil).WithSubject(raw)
		}
		return Destination{
			Scheme: SchemeS3,
			Bucket: u.Host,
			Prefix: strings.Trim(u.Path, "/"),
		}, nil
	case SchemeFile:
		dir := u.Path
		if u.Host != "" && u.Host != "localhost" {
			dir = "/" + u.Host + u.Path
		}
		if dir == "" {
			return Destination{}, engine.NewInputError("file destination requires a directory", nil).WithSubject(raw)
		}
		return Destination{Scheme: SchemeFile, Dir: filepath.FromSlash(dir)}, nil
	case "":
		return Destination{}, engine.NewInputError("report destination has no scheme", nil).WithSubject(raw)
	default:
		return Destination{}, engine.NewInputError(fmt.Sprintf("unsupported report destination scheme %q", u.Scheme), nil).
			WithSubject(raw)
	}
}

// Key returns the object key a local report is stored under.
func (d Destination) Key(localPath string) string {
	name := filepath.Base(localPath)
	if d.Prefix == "" {
		return name
	}
	return path.Join(d.Prefix, name)
}

func (d Destination) String() string {
	switch d.Scheme {
	case SchemeS3:
		if d.Prefix == "" {
			return "s3://" + d.Bucket
		}
		return "s3://" + d.Bucket + "/" + d.Prefix
	case SchemeFile:
		return "file://" + filepath.ToSlash(d.Dir)
	}
	return ""
}
