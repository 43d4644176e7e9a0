package model

import (
	"fmt"
	"strings"
)

// Herbs is the closed catalogue of herb types a batch may declare, mapped to
// their botanical names. Registration accepts either the bare name or the
// display form "Turmeric (Curcuma longa)"; both normalise to the key.
var Herbs = map[string]string{
	"Turmeric":     "Curcuma longa",
	"Ashwagandha":  "Withania somnifera",
	"Neem":         "Azadirachta indica",
	"Tulsi":        "Ocimum sanctum",
	"Ginger":       "Zingiber officinale",
	"Brahmi":       "Bacopa monnieri",
	"Amla":         "Phyllanthus emblica",
	"Triphala Mix": "",
	"Other":        "",
}

// HerbOrder lists Herbs in the order shown to farmers.
var HerbOrder = []string{
	"Turmeric", "Ashwagandha", "Neem", "Tulsi", "Ginger",
	"Brahmi", "Amla", "Triphala Mix", "Other",
}

// QualityGrades are the accepted batch grades, best first.
var QualityGrades = []string{"A+", "A", "B+", "B", "C"}

// NormalizeHerb maps a free-form herb name onto its catalogue key.
// "turmeric (Curcuma longa)" → "Turmeric"
func NormalizeHerb(raw string) (string, error) {
	name := strings.TrimSpace(raw)
	if idx := strings.Index(name, "("); idx != -1 {
		name = strings.TrimSpace(name[:idx])
	}
	for _, h := range HerbOrder {
		if strings.EqualFold(name, h) {
			return h, nil
		}
	}
	return "", fmt.Errorf("unknown herb type %q", raw)
}

// HerbDisplay returns the "Name (Botanical name)" label for a catalogue key.
func HerbDisplay(herb string) string {
	if bot := Herbs[herb]; bot != "" {
		return herb + " (" + bot + ")"
	}
	return herb
}

// ValidGrade reports whether g is one of QualityGrades.
func ValidGrade(g string) bool {
	for _, q := range QualityGrades {
		if g == q {
			return true
		}
	}
	return false
}
