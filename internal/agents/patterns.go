package agents

import (
	"regexp"
	"strings"

	"github.com/avvvet/partsbuddy/internal/models"
)

var (
	partNumberPattern  = regexp.MustCompile(`(?i)\bPS\d{5,}\b`)
	modelNumberPattern = regexp.MustCompile(`(?i)\b[a-z]{2,5}\d{2,}[a-z0-9]{0,10}\b`)

	refrigeratorPattern = regexp.MustCompile(`(?i)\b(refrigerators?|fridges?|freezers?|ice ?makers?|water filters?)\b`)
	dishwasherPattern   = regexp.MustCompile(`(?i)\bdish ?washers?\b`)

	wrongAppliancePattern = regexp.MustCompile(`(?i)\b(ovens?|stoves?|ranges?|cooktops?|washers?|washing machines?|dryers?|microwaves?|air conditioners?|water heaters?|furnaces?|vacuums?)\b`)
	offTopicPattern       = regexp.MustCompile(`(?i)\b(phones?|iphones?|laptops?|computers?|tvs?|televisions?|cars?|hvac|weather|recipes?|bitcoin|football|movies?)\b`)

	compatibilityPattern = regexp.MustCompile(`(?i)\b(compatib\w*|fits?|fit my|work with|works with)\b`)
	installPattern       = regexp.MustCompile(`(?i)\b(install\w*|replac\w*|remov\w*|put in|swap)\b`)
	symptomPattern       = regexp.MustCompile(`(?i)\b(not (working|cooling|draining|cleaning|making|dispensing|filling|starting|latching)|leak\w*|broken|won'?t|doesn'?t|isn'?t|stopped|noisy|noise|warm|dirty|fix|repair|problem|issue|error)\b`)
	shoppingPattern      = regexp.MustCompile(`(?i)\b(find|buy|need|looking for|price|cost|order|parts?|search|show|stock|available|sell)\b`)

	brandPattern = regexp.MustCompile(`(?i)\b(whirlpool|ge|samsung|lg|frigidaire|kenmore|maytag|kitchenaid|bosch|electrolux|amana)\b`)
)

// ExtractEntities pulls part, model, appliance, symptom and brand out of a message with regexes
func ExtractEntities(message string) models.Entities {
	var e models.Entities

	if pn := partNumberPattern.FindString(message); pn != "" {
		e.PartNumber = strings.ToUpper(pn)
	}

	for _, candidate := range modelNumberPattern.FindAllString(message, -1) {
		if partNumberPattern.MatchString(candidate) {
			continue
		}
		e.ModelNumber = strings.ToUpper(candidate)
		break
	}

	e.ApplianceType = applianceIn(message)

	if symptomPattern.MatchString(message) {
		e.Symptom = strings.TrimRight(strings.TrimSpace(message), " .!?")
	}

	if brand := brandPattern.FindString(message); brand != "" {
		e.Brand = strings.ToLower(brand)
	}
	return e
}

// applianceIn returns the appliance mentioned first in message, if any
func applianceIn(message string) string {
	fridge := refrigeratorPattern.FindStringIndex(message)
	dish := dishwasherPattern.FindStringIndex(message)

	switch {
	case fridge != nil && (dish == nil || fridge[0] < dish[0]):
		return "refrigerator"
	case dish != nil:
		return "dishwasher"
	}
	return ""
}

// mergeEntities fills the fields llm left empty from fallback
func mergeEntities(primary, fallback models.Entities) models.Entities {
	if primary.PartNumber == "" {
		primary.PartNumber = fallback.PartNumber
	}
	if primary.ModelNumber == "" {
		primary.ModelNumber = fallback.ModelNumber
	}
	if primary.ApplianceType == "" {
		primary.ApplianceType = fallback.ApplianceType
	}
	if primary.Symptom == "" {
		primary.Symptom = fallback.Symptom
	}
	if primary.Brand == "" {
		primary.Brand = fallback.Brand
	}
	return primary
}
