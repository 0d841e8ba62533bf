package consolidate

import (
	"sort"
	"strings"
)

// categoryKeywords maps lowercase substrings to service categories.
var categoryKeywords = map[string]string{
	"plumb":            "plumbing",
	"drain":            "plumbing",
	"water heater":     "plumbing",
	"hvac":             "hvac",
	"heating":          "hvac",
	"air conditioning": "hvac",
	"furnace":          "hvac",
	"electric":         "electrical",
	"wiring":           "electrical",
	"roof":             "roofing",
	"gutter":           "roofing",
	"landscap":         "landscaping",
	"lawn":             "landscaping",
	"tree service":     "landscaping",
	"paint":            "painting",
	"carpent":          "carpentry",
	"cabinet":          "carpentry",
	"floor":            "flooring",
	"tile":             "flooring",
	"clean":            "cleaning",
	"maid":             "cleaning",
	"pest":             "pest_control",
	"extermin":         "pest_control",
	"remodel":          "remodeling",
	"renovat":          "remodeling",
	"moving":           "moving",
	"movers":           "moving",
	"locksmith":        "locksmith",
	"pool":             "pools",
	"fenc":             "fencing",
	"concrete":         "masonry",
	"mason":            "masonry",
	"appliance repair": "appliance_repair",
	"handyman":         "handyman",
}

// Categorize maps free text and keywords onto categories. The result is
// sorted and deduplicated.
func Categorize(description string, keywords []string) []string {
	text := strings.ToLower(description + " " + strings.Join(keywords, " "))
	if strings.TrimSpace(text) == "" {
		return nil
	}

	found := make(map[string]struct{})
	for kw, cat := range categoryKeywords {
		if strings.Contains(text, kw) {
			found[cat] = struct{}{}
		}
	}
	if len(found) == 0 {
		return nil
	}
	out := make([]string, 0, len(found))
	for cat := range found {
		out = append(out, cat)
	}
	sort.Strings(out)
	return out
}
