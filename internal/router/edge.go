package router

import (
	"net/http"
	"strings"
)

// HeaderCFRay carries the CDN request id. Its suffix after the last dash
// is the edge location that received the request.
const HeaderCFRay = "CF-Ray"

// edgeHint returns the coarse edge location of req, upper case. The
// configured header wins over the CF-Ray suffix.
func edgeHint(req *http.Request, header string) string {
	if header != "" {
		if v := strings.TrimSpace(req.Header.Get(header)); v != "" {
			return strings.ToUpper(v)
		}
	}

	ray := strings.TrimSpace(req.Header.Get(HeaderCFRay))
	i := strings.LastIndexByte(ray, '-')
	if i < 0 || i == len(ray)-1 {
		return ""
	}
	return strings.ToUpper(ray[i+1:])
}
