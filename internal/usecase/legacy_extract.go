package usecase

import (
	"regexp"
	"strconv"
	"strings"

	"sparkwise/internal/domain"
)

// Free-text patterns used only when an expert returns no valid structured data.
var (
	legacyCableSize      = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s?mm(?:²|2|sq)`)
	legacyDeviceRating   = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s?a\s+(mcb|rcbo|fuse|circuit breaker|breaker)`)
	legacyDeviceCurve    = regexp.MustCompile(`\b([BCD])(\d{1,3})\b`)
	legacyCapacity       = regexp.MustCompile(`(?i)(?:current[- ]carrying capacity|carrying capacity|\biz\b)[^0-9]{0,25}(\d+(?:\.\d+)?)\s?a\b`)
	legacyDesignCurrent  = regexp.MustCompile(`(?i)(?:design current|\bib\b)[^0-9]{0,25}(\d+(?:\.\d+)?)\s?a\b`)
	legacyVoltageDrop    = regexp.MustCompile(`(?i)voltage drop[^0-9]{0,30}(\d+(?:\.\d+)?)\s?%`)
	legacyVoltageFlagged = regexp.MustCompile(`(?i)(exceeds|above the|over the|outside the)\s+(?:\d+(?:\.\d+)?\s?%\s+)?(?:limit|allowance|maximum)|flagged`)
	legacyCost           = regexp.MustCompile(`(?i)(?:total|estimated cost|cost|price)[^£0-9]{0,25}£\s?(\d[\d,]*(?:\.\d+)?)`)
	legacyNoRCD          = regexp.MustCompile(`(?i)\b(no|without|not)\s+(?:an?\s+)?(rcd|rcbo|30\s?ma)`)
	legacyRCD            = regexp.MustCompile(`(?i)\b(rcd|rcbo|30\s?ma)\b`)
)

// ExtractLegacyData recovers typed values from an expert's narrative.
func ExtractLegacyData(narrative string) *domain.StructuredData {
	data := &domain.StructuredData{SchemaVersion: domain.StructuredSchemaVersion, Legacy: true}
	if strings.TrimSpace(narrative) == "" {
		return data
	}

	for _, r := range circuitRules {
		if matchesAny(narrative, r.patterns) {
			data.CircuitKind = r.value
			break
		}
	}
	if m := legacyCableSize.FindStringSubmatch(narrative); m != nil {
		data.CableSizeMM2 = parseFloat(m[1])
	}
	if m := legacyDeviceRating.FindStringSubmatch(narrative); m != nil {
		data.ProtectiveDeviceRatingA = parseFloat(m[1])
		data.ProtectiveDeviceType = strings.ToUpper(m[2])
	} else if m := legacyDeviceCurve.FindStringSubmatch(narrative); m != nil {
		data.ProtectiveDeviceRatingA = parseFloat(m[2])
		data.ProtectiveDeviceType = "MCB Type " + m[1]
	}
	if m := legacyCapacity.FindStringSubmatch(narrative); m != nil {
		data.CarryingCapacityA = parseFloat(m[1])
	}
	if m := legacyDesignCurrent.FindStringSubmatch(narrative); m != nil {
		data.DesignCurrentA = parseFloat(m[1])
	}
	if m := legacyVoltageDrop.FindStringSubmatch(narrative); m != nil {
		data.VoltageDropPercent = parseFloat(m[1])
		data.VoltageDropFlagged = legacyVoltageFlagged.MatchString(narrative)
	}
	if m := legacyCost.FindStringSubmatch(narrative); m != nil {
		data.TotalCost = parseFloat(strings.ReplaceAll(m[1], ",", ""))
		data.Currency = "GBP"
	}
	switch {
	case legacyNoRCD.MatchString(narrative):
		data.RCDProtected = domain.Bool(false)
	case legacyRCD.MatchString(narrative):
		data.RCDProtected = domain.Bool(true)
	}
	return data
}

func parseFloat(s string) *float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &v
}
