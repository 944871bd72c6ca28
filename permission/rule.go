package permission

import (
	"regexp"
	"strings"
)

// Rule is one permission table entry. AllowAll short-circuits role and license
// gating. An empty AllowedRoles list restricts nothing; a non-empty
// AllowedLicenses list binds only when the caller belongs to a customer.
type Rule struct {
	APIPath         string `json:"api_path"`
	Method          string `json:"method"`
	AllowAll        bool   `json:"allow_all"`
	AllowedRoles    []int  `json:"allowed_roles"`
	AllowedLicenses []int  `json:"allowed_licenses"`
}

var uuidSegment = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// NormalizePath rewrites a request or rule path into table form: the API
// prefix is prepended when missing, and every parameter-looking segment
// (`:name` placeholders, numeric ids, UUIDs) becomes the literal `{id}`.
func NormalizePath(prefix, path string) string {
	path = strings.TrimSpace(path)
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if path != "/" {
		path = strings.TrimSuffix(path, "/")
	}
	if !strings.HasPrefix(path, prefix+"/") && path != prefix {
		path = prefix + path
	}

	segments := strings.Split(path, "/")
	for i, seg := range segments {
		if seg == "" {
			continue
		}
		if strings.HasPrefix(seg, ":") || seg == "{id}" || allDigits(seg) || uuidSegment.MatchString(seg) {
			segments[i] = "{id}"
		}
	}
	return strings.Join(segments, "/")
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}

func ruleKey(method, normalizedPath string) string {
	return strings.ToUpper(method) + " " + normalizedPath
}
