package handler

import (
	"strings"

	"github.com/mssola/useragent"
)

// describeClient reduces a User-Agent to "Browser on OS", or "Browser on
// Platform" for mobile clients.
func describeClient(userAgent string) string {
	if strings.TrimSpace(userAgent) == "" {
		return "unknown"
	}
	ua := useragent.New(userAgent)
	if ua.Bot() {
		name, _ := ua.Browser()
		if name == "" {
			return "bot"
		}
		return name + " (bot)"
	}

	browser, _ := ua.Browser()
	if browser == "" {
		browser = "Unknown Browser"
	}
	if ua.Mobile() {
		if platform := ua.Platform(); platform != "" {
			return browser + " on " + platform
		}
	}
	os := ua.OS()
	if os == "" {
		os = "Unknown OS"
	}
	return browser + " on " + os
}
