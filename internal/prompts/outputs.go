package prompts

import (
	"fmt"
	"strings"

	"github.com/avvvet/partsbuddy/internal/models"
)

// Classification is the classifier's expected JSON shape
type Classification struct {
	Intent   string             `json:"intent"`
	Entities map[string]*string `json:"entities"`
}

func (c *Classification) Validate() error {
	if !models.IntentKind(strings.ToLower(strings.TrimSpace(c.Intent))).Valid() {
		return fmt.Errorf("intent %q is not in the closed set", c.Intent)
	}
	if c.Entities == nil {
		return fmt.Errorf("entities object is required")
	}
	return nil
}

// Kind returns the normalized intent
func (c *Classification) Kind() models.IntentKind {
	return models.IntentKind(strings.ToLower(strings.TrimSpace(c.Intent)))
}

// ToEntities converts the loose entity map, treating "null" strings as absent
func (c *Classification) ToEntities() models.Entities {
	get := func(key string) string {
		v := c.Entities[key]
		if v == nil {
			return ""
		}
		s := strings.TrimSpace(*v)
		switch strings.ToLower(s) {
		case "null", "none", "n/a", "unknown":
			return ""
		}
		return s
	}

	return models.Entities{
		PartNumber:    strings.ToUpper(get("part_number")),
		ModelNumber:   strings.ToUpper(get("model_number")),
		ApplianceType: strings.ToLower(get("appliance_type")),
		Symptom:       get("symptom"),
		Brand:         get("brand"),
	}
}

// GuardVerdict is the binary scope check shape
type GuardVerdict struct {
	InScope *bool  `json:"in_scope"`
	Reason  string `json:"reason"`
}

func (g *GuardVerdict) Validate() error {
	if g.InScope == nil {
		return fmt.Errorf("in_scope is required")
	}
	switch models.GuardReason(g.Reason) {
	case "", models.ReasonNone, models.ReasonWrongAppliance, models.ReasonUnsupportedTopic:
		return nil
	}
	return fmt.Errorf("reason %q is not recognised", g.Reason)
}

// Synthesis is the final answer shape
type Synthesis struct {
	Response    string   `json:"response"`
	PartNumbers []string `json:"part_numbers"`
}

func (s *Synthesis) Validate() error {
	if strings.TrimSpace(s.Response) == "" {
		return fmt.Errorf("response text is required")
	}
	return nil
}
