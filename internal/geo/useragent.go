package geo

import (
	"strings"

	"github.com/radiusdt/affiliate-attribution/internal/models"
)

// ParseUserAgent derives device type, OS and browser from a user agent.
func ParseUserAgent(ua string) models.DeviceInfo {
	ua = strings.ToLower(ua)
	if ua == "" {
		return models.DeviceInfo{}
	}

	var d models.DeviceInfo

	switch {
	case strings.Contains(ua, "android"):
		d.OS = "android"
	case strings.Contains(ua, "iphone"), strings.Contains(ua, "ipad"):
		d.OS = "ios"
	case strings.Contains(ua, "windows"):
		d.OS = "windows"
	case strings.Contains(ua, "mac os"), strings.Contains(ua, "macintosh"):
		d.OS = "macos"
	case strings.Contains(ua, "linux"):
		d.OS = "linux"
	default:
		d.OS = "unknown"
	}

	switch {
	case strings.Contains(ua, "ipad"), strings.Contains(ua, "tablet"):
		d.Type = "tablet"
	case strings.Contains(ua, "android"):
		if strings.Contains(ua, "mobile") {
			d.Type = "phone"
		} else {
			d.Type = "tablet"
		}
	case strings.Contains(ua, "mobile"), strings.Contains(ua, "iphone"):
		d.Type = "phone"
	case strings.Contains(ua, "bot"), strings.Contains(ua, "spider"), strings.Contains(ua, "crawl"):
		d.Type = "bot"
	default:
		d.Type = "desktop"
	}

	// Order matters: Edge and Opera UAs also contain "chrome", Chrome UAs
	// contain "safari".
	switch {
	case strings.Contains(ua, "edg/"):
		d.Browser = "edge"
	case strings.Contains(ua, "opr/"), strings.Contains(ua, "opera"):
		d.Browser = "opera"
	case strings.Contains(ua, "firefox/"):
		d.Browser = "firefox"
	case strings.Contains(ua, "chrome/"), strings.Contains(ua, "crios/"):
		d.Browser = "chrome"
	case strings.Contains(ua, "safari/"):
		d.Browser = "safari"
	default:
		d.Browser = "unknown"
	}

	return d
}
