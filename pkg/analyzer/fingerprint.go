package analyzer

import (
	"fmt"
	"strings"

	"go-poolguard/pkg/models"
)

const minFingerprintCollisionIPs = 3

type fingerprintSignals struct {
	IP       string
	Canvas   string
	WebGL    string
	Timezone string
	Language string
	City     string
}

func fingerprintSignalsOf(ev *models.VisitorEvent) fingerprintSignals {
	return fingerprintSignals{
		IP:       ev.IPAddress,
		Canvas:   ev.CanvasFingerprint,
		WebGL:    ev.WebGLFingerprint,
		Timezone: strings.ToLower(ev.Timezone),
		Language: strings.ToLower(ev.Language),
		City:     strings.ToLower(ev.City),
	}
}

func (s *RiskScorer) analyzeFingerprint(ev *models.VisitorEvent, h history) (float64, []models.RiskFactor) {
	in := fingerprintSignalsOf(ev)
	var score float64
	var factors []models.RiskFactor
	add := func(points float64, description string, severity models.Severity, details string) {
		score += points
		factors = append(factors, factor(models.CategoryFingerprint, description, points, severity, details))
	}

	if in.Canvas != "" {
		otherIPs := make(map[string]struct{})
		for _, v := range h.visits {
			if v.CanvasFingerprint == in.Canvas && v.IPAddress != in.IP {
				otherIPs[v.IPAddress] = struct{}{}
			}
		}
		if len(otherIPs) >= minFingerprintCollisionIPs {
			add(35, "Same device fingerprint from different IPs", models.SeverityCritical,
				fmt.Sprintf("%d distinct IPs (VPN/proxy relay)", len(otherIPs)))
		}
	}

	if in.Canvas == "" && in.WebGL == "" {
		add(20, "Fingerprint unavailable", models.SeverityMedium, "canvas and WebGL fingerprints missing")
	}

	domestic := in.City != "" && firstContained(in.City, s.locale.Cities) != ""
	if domestic && in.Timezone != "" && firstContained(in.Timezone, s.locale.Timezones) == "" {
		add(25, "Timezone/location mismatch", models.SeverityHigh,
			fmt.Sprintf("city: %s, timezone: %s", ev.City, ev.Timezone))
	}
	if domestic && in.Language != "" && s.locale.LanguagePrefix != "" && !strings.HasPrefix(in.Language, s.locale.LanguagePrefix) {
		add(10, "Language/location mismatch", models.SeverityLow,
			fmt.Sprintf("city: %s, language: %s", ev.City, ev.Language))
	}

	return capScore(score), factors
}
