package router

import (
	"net/http"
	"net/url"
	"regexp"
	"strings"
)

// Class is the resource class a request is routed by.
type Class int

const (
	Other Class = iota
	StaticAsset
	APIRequest
	PageRequest
)

func (c Class) String() string {
	switch c {
	case StaticAsset:
		return "static"
	case APIRequest:
		return "api"
	case PageRequest:
		return "page"
	default:
		return "other"
	}
}

// DefaultAPIPatterns are the dynamic-data pages cached network-first.
var DefaultAPIPatterns = []string{
	`/api/crops/`,
	`/api/activities/`,
	`/api/inventory/`,
	`/farms/crop_dashboard/`,
	`/activities/activity_list/`,
	`/inventory/inventory_dashboard/`,
}

// Rules hold what classification depends on.
type Rules struct {
	Origin       *url.URL
	StaticPrefix string
	APIPatterns  []*regexp.Regexp
}

// NewRules compiles patterns. An empty staticPrefix means "/static/".
func NewRules(origin *url.URL, staticPrefix string, patterns []string) (Rules, error) {
	if staticPrefix == "" {
		staticPrefix = "/static/"
	}
	r := Rules{Origin: origin, StaticPrefix: staticPrefix}
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return Rules{}, err
		}
		r.APIPatterns = append(r.APIPatterns, re)
	}
	return r, nil
}

var staticDests = map[string]bool{
	"style":  true,
	"script": true,
	"font":   true,
	"image":  true,
}

// Classify returns the class of req; the first matching class wins. req's
// URL must already be absolute.
func (r Rules) Classify(req *http.Request) Class {
	dest := req.Header.Get("Sec-Fetch-Dest")
	path := req.URL.Path

	if strings.Contains(path, r.StaticPrefix) || r.crossOrigin(req.URL) || staticDests[dest] {
		return StaticAsset
	}
	if strings.HasPrefix(path, "/api/") {
		return APIRequest
	}
	for _, re := range r.APIPatterns {
		if re.MatchString(path) {
			return APIRequest
		}
	}
	if dest == "document" || req.Header.Get("Sec-Fetch-Mode") == "navigate" {
		return PageRequest
	}
	return Other
}

func (r Rules) crossOrigin(u *url.URL) bool {
	if r.Origin == nil || u.Host == "" {
		return false
	}
	return u.Hostname() != r.Origin.Hostname()
}
