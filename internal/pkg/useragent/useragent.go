package useragent

import (
	"embed"
	"regexp"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Device classes reported by Parse.
const (
	DeviceDesktop = "Desktop"
	DeviceMobile  = "Mobile"
	DeviceTablet  = "Tablet"

	Unknown = "Unknown"
)

// UserAgent is the classified form of a raw user-agent string.
type UserAgent struct {
	UserAgent      string
	Browser        string
	BrowserVersion string
	OS             string
	OSVersion      string
	Device         string
	Mobile         bool
	Tablet         bool
	Desktop        bool
}

//go:embed rules.yml
var databaseFiles embed.FS

// ruleEntry is one regex rule from the embedded database.
type ruleEntry struct {
	Regex   string `yaml:"regex"`
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type ruleSet struct {
	Browsers []ruleEntry `yaml:"browsers"`
	OSs      []ruleEntry `yaml:"oss"`
}

// Compiled regex cache
type regexCache struct {
	compiled map[string]*regexp.Regexp
	mutex    sync.RWMutex
}

func newRegexCache() *regexCache {
	return &regexCache{compiled: make(map[string]*regexp.Regexp)}
}

func (rc *regexCache) get(pattern string) (*regexp.Regexp, error) {
	rc.mutex.RLock()
	if regex, exists := rc.compiled[pattern]; exists {
		rc.mutex.RUnlock()
		return regex, nil
	}
	rc.mutex.RUnlock()

	rc.mutex.Lock()
	defer rc.mutex.Unlock()

	// Double-check pattern
	if regex, exists := rc.compiled[pattern]; exists {
		return regex, nil
	}

	regex, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	rc.compiled[pattern] = regex
	return regex, nil
}

var (
	parser     *classifier
	parserOnce sync.Once
)

type classifier struct {
	rules ruleSet
	cache *regexCache
}

func getParser() *classifier {
	parserOnce.Do(func() {
		parser = &classifier{cache: newRegexCache()}
		if data, err := databaseFiles.ReadFile("rules.yml"); err == nil {
			_ = yaml.Unmarshal(data, &parser.rules)
		}
	})
	return parser
}

func (c *classifier) match(entries []ruleEntry, userAgent string) (string, string) {
	for _, entry := range entries {
		regex, err := c.cache.get(entry.Regex)
		if err != nil {
			continue
		}
		matches := regex.FindStringSubmatch(userAgent)
		if len(matches) == 0 {
			continue
		}
		version := ""
		if entry.Version != "" && len(matches) > 1 {
			version = strings.ReplaceAll(entry.Version, "$1", matches[1])
			version = strings.ReplaceAll(version, "_", ".")
		}
		return entry.Name, version
	}
	return Unknown, ""
}

// classifyDevice falls back to user-agent substring heuristics. Tablet
// indicators are checked first because tablet strings often contain "Mobile".
func classifyDevice(userAgent string) (string, bool, bool, bool) {
	ua := strings.ToLower(userAgent)

	if strings.Contains(ua, "tablet") || strings.Contains(ua, "ipad") {
		return DeviceTablet, false, true, false
	}

	if strings.Contains(ua, "mobile") || strings.Contains(ua, "android") ||
		strings.Contains(ua, "iphone") || strings.Contains(ua, "ipod") ||
		strings.Contains(ua, "blackberry") || strings.Contains(ua, "windows phone") {
		return DeviceMobile, true, false, false
	}

	return DeviceDesktop, false, false, true
}

// Parse classifies a raw user-agent string into browser, operating system,
// and device class. Unmatched fields report Unknown rather than failing.
func Parse(userAgent string) UserAgent {
	if userAgent == "" {
		return UserAgent{
			UserAgent: userAgent,
			Browser:   Unknown,
			OS:        Unknown,
			Device:    Unknown,
		}
	}

	p := getParser()
	browser, browserVersion := p.match(p.rules.Browsers, userAgent)
	os, osVersion := p.match(p.rules.OSs, userAgent)
	device, mobile, tablet, desktop := classifyDevice(userAgent)

	return UserAgent{
		UserAgent:      userAgent,
		Browser:        browser,
		BrowserVersion: browserVersion,
		OS:             os,
		OSVersion:      osVersion,
		Device:         device,
		Mobile:         mobile,
		Tablet:         tablet,
		Desktop:        desktop,
	}
}
