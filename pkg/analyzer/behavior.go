package analyzer

import (
	"fmt"
	"strings"

	"go-poolguard/pkg/models"
)

const maxClicksPerSecond = 2.0

type behaviorSignals struct {
	TimeOnPage     *float64
	ScrollDepth    *float64
	ClickCount     *int
	MouseMovements *int
	Referrer       string
	ClickID        string
}

func behaviorSignalsOf(ev *models.VisitorEvent) behaviorSignals {
	return behaviorSignals{
		TimeOnPage:     ev.TimeOnPage,
		ScrollDepth:    ev.ScrollDepth,
		ClickCount:     ev.ClickCount,
		MouseMovements: ev.MouseMovements,
		Referrer:       ev.Referrer,
		ClickID:        ev.ClickID,
	}
}

// analyzeBehavior 行为分析，权重最高的类别
func (s *RiskScorer) analyzeBehavior(ev *models.VisitorEvent, _ history) (float64, []models.RiskFactor) {
	in := behaviorSignalsOf(ev)
	var score float64
	var factors []models.RiskFactor
	add := func(points float64, description string, severity models.Severity, details string) {
		score += points
		factors = append(factors, factor(models.CategoryBehavior, description, points, severity, details))
	}

	if in.TimeOnPage != nil {
		t := *in.TimeOnPage
		switch {
		case t < 2:
			add(35, "Very short time on page", models.SeverityCritical, fmt.Sprintf("%.1f seconds (bot behaviour)", t))
		case t < 5:
			add(20, "Short time on page", models.SeverityHigh, fmt.Sprintf("%.1f seconds", t))
		case t < 10:
			add(10, "Low time on page", models.SeverityMedium, fmt.Sprintf("%.1f seconds", t))
		}
	}

	if in.ScrollDepth != nil {
		d := *in.ScrollDepth
		if d == 0 {
			add(25, "No scrolling", models.SeverityHigh, "page was never scrolled")
		} else if d < 10 {
			add(15, "Very low scroll depth", models.SeverityMedium, fmt.Sprintf("%.0f%% scrolled", d))
		}
	}

	if in.MouseMovements != nil {
		m := *in.MouseMovements
		if m == 0 {
			add(30, "No mouse movement", models.SeverityCritical, "mouse could not be tracked (bot behaviour)")
		} else if m < 10 {
			add(15, "Very little mouse movement", models.SeverityMedium, fmt.Sprintf("%d movements", m))
		}
	}

	if in.ClickCount != nil && in.TimeOnPage != nil && *in.TimeOnPage > 0 {
		rate := float64(*in.ClickCount) / *in.TimeOnPage
		if rate > maxClicksPerSecond {
			add(25, "Abnormal click rate", models.SeverityHigh, fmt.Sprintf("%.2f clicks/s (automated clicking suspected)", rate))
		}
	}

	referrer := strings.ToLower(in.Referrer)
	fromAd := referrer != "" && (strings.Contains(referrer, "google") || strings.Contains(referrer, "gclid"))
	if fromAd && in.ClickID == "" {
		add(20, "Ad referrer without click id", models.SeverityMedium, "ad click could not be verified")
	}

	if keyword := firstContained(referrer, incentivizedReferrers); keyword != "" {
		details := in.Referrer
		if len(details) > 50 {
			details = details[:50]
		}
		add(30, "Suspicious referrer", models.SeverityHigh, "referrer: "+details)
	}

	if in.ClickID != "" && in.Referrer == "" {
		add(15, "Click id without referrer", models.SeverityMedium, "URL may have been tampered with")
	}

	return capScore(score), factors
}
