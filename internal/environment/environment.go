// Package environment captures the immutable per-load descriptive facts the
// engine attaches to every outgoing payload.
package environment

import (
	"time"

	"golang.org/x/text/language"

	"wewb/internal/pkg/useragent"
)

// Unknown is the sentinel for descriptors the embedder did not supply.
const Unknown = "Unknown"

// PageContext carries the embedder-supplied descriptors of the current load.
// All fields are optional; absent values surface as Unknown in the snapshot.
type PageContext struct {
	URL              string
	Title            string
	Referrer         string
	UserAgent        string
	Language         string
	Timezone         string
	ScreenResolution string
}

// Snapshot is the immutable environment record, created once per engine
// registration and read-only thereafter.
type Snapshot struct {
	BrowserName      string `json:"browserName"`
	BrowserVersion   string `json:"browserVersion"`
	OSName           string `json:"osName"`
	OSVersion        string `json:"osVersion"`
	DeviceType       string `json:"deviceType"`
	ScreenResolution string `json:"screenResolution"`
	Language         string `json:"language"`
	Timezone         string `json:"timezone"`
	UserAgent        string `json:"userAgent"`
	Referrer         string `json:"referrer"`
	PageTitle        string `json:"pageTitle"`
	UID              string `json:"uid"`
	CapturedAt       int64  `json:"capturedAt"`
}

// Capture builds the snapshot from the page context. It is a pure read with
// no failure mode: every absent descriptor defaults to Unknown.
func Capture(page PageContext, uid string, now time.Time) Snapshot {
	ua := useragent.Parse(page.UserAgent)

	snapshot := Snapshot{
		BrowserName:      ua.Browser,
		BrowserVersion:   orUnknown(ua.BrowserVersion),
		OSName:           ua.OS,
		OSVersion:        orUnknown(ua.OSVersion),
		DeviceType:       ua.Device,
		ScreenResolution: orUnknown(page.ScreenResolution),
		Language:         normalizeLanguage(page.Language),
		Timezone:         orUnknown(page.Timezone),
		UserAgent:        orUnknown(page.UserAgent),
		Referrer:         page.Referrer,
		PageTitle:        orUnknown(page.Title),
		UID:              uid,
		CapturedAt:       now.UnixMilli(),
	}

	if snapshot.Timezone == Unknown {
		if name := now.Location().String(); name != "" {
			snapshot.Timezone = name
		}
	}

	return snapshot
}

// normalizeLanguage canonicalizes a BCP-47 tag ("en_us" -> "en-US");
// unparseable values degrade to Unknown.
func normalizeLanguage(raw string) string {
	if raw == "" {
		return Unknown
	}
	tag, err := language.Parse(raw)
	if err != nil {
		return Unknown
	}
	return tag.String()
}

func orUnknown(value string) string {
	if value == "" {
		return Unknown
	}
	return value
}
