package analyzer

import (
	"fmt"
	"strings"

	"go-poolguard/pkg/models"
)

const (
	minUserAgentLength = 20
	minScreenSide      = 300
)

type deviceSignals struct {
	UserAgent    string
	DeviceType   string
	OS           string
	Browser      string
	ScreenWidth  *int
	ScreenHeight *int
}

func deviceSignalsOf(ev *models.VisitorEvent) deviceSignals {
	return deviceSignals{
		UserAgent:    strings.ToLower(ev.UserAgent),
		DeviceType:   ev.DeviceType,
		OS:           strings.ToLower(ev.OS),
		Browser:      strings.ToLower(ev.Browser),
		ScreenWidth:  ev.ScreenWidth,
		ScreenHeight: ev.ScreenHeight,
	}
}

func (s *RiskScorer) analyzeDevice(ev *models.VisitorEvent, _ history) (float64, []models.RiskFactor) {
	in := deviceSignalsOf(ev)
	var score float64
	var factors []models.RiskFactor
	add := func(points float64, description string, severity models.Severity, details string) {
		score += points
		factors = append(factors, factor(models.CategoryDevice, description, points, severity, details))
	}

	if token := firstContained(in.UserAgent, botUserAgents); token != "" {
		add(50, "Bot user agent detected", models.SeverityCritical, "pattern: "+token)
	}

	if len(in.UserAgent) < minUserAgentLength {
		add(30, "Missing or short user agent", models.SeverityHigh, "real browsers send a detailed user agent")
	}

	if token := firstContained(in.UserAgent, headlessIndicators); token != "" {
		add(45, "Headless browser detected", models.SeverityCritical, "indicator: "+token)
	}

	if in.ScreenWidth != nil && in.ScreenHeight != nil {
		w, hgt := *in.ScreenWidth, *in.ScreenHeight
		resolution := fmt.Sprintf("%dx%d", w, hgt)
		if w < minScreenSide || hgt < minScreenSide {
			add(25, "Abnormal screen resolution", models.SeverityMedium, resolution)
		}
		if !commonScreenWidths[w] && w > minScreenSide {
			add(10, "Uncommon screen resolution", models.SeverityLow, resolution)
		}
	}

	if in.OS != "" && in.Browser != "" {
		combo := in.Browser + " on " + in.OS
		// Safari 只存在于 Apple 系统，IE 只存在于 Windows
		if strings.Contains(in.Browser, "safari") && !strings.Contains(in.OS, "mac") && !strings.Contains(in.OS, "ios") {
			add(20, "OS/browser mismatch", models.SeverityMedium, combo)
		}
		if strings.Contains(in.Browser, "internet explorer") && !strings.Contains(in.OS, "windows") {
			add(20, "OS/browser mismatch", models.SeverityMedium, combo)
		}
	}

	missing := 0
	for _, field := range []string{in.DeviceType, in.OS, in.Browser} {
		if field == "" {
			missing++
		}
	}
	if missing >= 2 {
		add(15, "Missing device information", models.SeverityMedium, fmt.Sprintf("%d fields missing", missing))
	}

	return capScore(score), factors
}

func firstContained(s string, tokens []string) string {
	if s == "" {
		return ""
	}
	for _, token := range tokens {
		if strings.Contains(s, token) {
			return token
		}
	}
	return ""
}
