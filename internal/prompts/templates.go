package prompts

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/avvvet/partsbuddy/internal/models"
	"github.com/tmc/langchaingo/llms"
)

const SystemPrompt = `You are the PartSelect assistant. You ONLY help with refrigerator and dishwasher parts: finding parts, checking compatibility with a model, installation, and troubleshooting. Always answer with the exact JSON format you are asked for and nothing else.`

const classifyPrompt = `Classify the customer's latest message for a refrigerator and dishwasher parts store.

Conversation so far:
%s

Latest message: %s

Pick exactly one intent:
- product_search: looking for or asking about parts
- compatibility_check: does a part fit a model
- installation_help: how to install or replace a part
- troubleshooting: an appliance has a problem or symptom
- out_of_scope: anything that is not refrigerator or dishwasher parts
- unknown: none of the above is clear

Extract entities when present, otherwise null:
- part_number (e.g. PS11752778)
- model_number (e.g. WDT780SAEM1)
- appliance_type (refrigerator or dishwasher)
- symptom (e.g. "ice maker not working")
- brand (e.g. Whirlpool)

RESPONSE FORMAT:
{
  "intent": "intent_name",
  "entities": {
    "part_number": "value or null",
    "model_number": "value or null",
    "appliance_type": "value or null",
    "symptom": "value or null",
    "brand": "value or null"
  }
}`

const guardPrompt = `Decide whether this message is in scope for an assistant that ONLY supports refrigerator and dishwasher parts and repairs.

Message: %s

RESPONSE FORMAT:
{
  "in_scope": true or false,
  "reason": "none" | "wrong_appliance" | "unsupported_topic"
}`

const synthesisPrompt = `Write the reply to a customer of a refrigerator and dishwasher parts store.

Customer asked: %s
Intent: %s
Recent conversation:
%s

Facts you may use (do not invent parts, prices or models):
%s

Rules:
- 2 to 5 sentences, plain text, no markdown.
- Answer the question directly. For a compatibility question start with "Yes." or "No.".
- If safety notes are listed, mention them before anything else.
- Only reference part numbers from the facts.

RESPONSE FORMAT:
{
  "response": "your reply",
  "part_numbers": ["part numbers to show, most relevant first"]
}`

// FallbackMessage is used when nothing better can be said
const FallbackMessage = "I didn't quite catch that. Tell me your appliance (refrigerator or dishwasher), the model number, and the part or problem, and I'll help you find the right part."

// RefusalMessage is the fixed reply for out of scope requests
const RefusalMessage = "I can only assist with refrigerator and dishwasher parts. Please ask me about those appliances!"

// BuildClassifyPrompt renders the classification prompt with a bounded history window
func BuildClassifyPrompt(message string, history []models.Turn) string {
	return fmt.Sprintf(classifyPrompt, BuildConversationSection(history), message)
}

// BuildGuardPrompt renders the binary scope check
func BuildGuardPrompt(message string) string {
	return fmt.Sprintf(guardPrompt, message)
}

// BuildSynthesisPrompt renders the final answer prompt
func BuildSynthesisPrompt(message string, intent models.IntentKind, history []models.Turn, facts string) string {
	return fmt.Sprintf(synthesisPrompt, message, intent, BuildConversationSection(history), facts)
}

// BuildConversationSection renders turns as "User: ..." / "Assistant: ..." lines
func BuildConversationSection(history []models.Turn) string {
	if len(history) == 0 {
		return "No previous conversation."
	}

	messages := make([]llms.ChatMessage, 0, len(history))
	for _, turn := range history {
		switch turn.Role {
		case models.RoleUser:
			messages = append(messages, llms.HumanChatMessage{Content: turn.Content})
		case models.RoleAssistant:
			messages = append(messages, llms.AIChatMessage{Content: turn.Content})
		default:
			messages = append(messages, llms.SystemChatMessage{Content: turn.Content})
		}
	}

	text, err := llms.GetBufferString(messages, "User", "Assistant")
	if err != nil || text == "" {
		return "No previous conversation."
	}
	return text
}

// Window returns at most the last n turns
func Window(history []models.Turn, n int) []models.Turn {
	if n <= 0 || len(history) <= n {
		return history
	}
	return history[len(history)-n:]
}

// DecodeJSON extracts the first JSON object in content and decodes it into v
func DecodeJSON(content string, v any) error {
	jsonContent := extractJSON(content)
	if jsonContent == "" {
		return fmt.Errorf("no valid JSON found in response")
	}

	if err := json.Unmarshal([]byte(jsonContent), v); err != nil {
		return fmt.Errorf("failed to parse JSON: %w", err)
	}
	return nil
}

func extractJSON(content string) string {
	// Look for JSON object in the content
	start := strings.Index(content, "{")
	if start == -1 {
		return ""
	}

	end := strings.LastIndex(content, "}")
	if end == -1 || end <= start {
		return ""
	}

	return content[start : end+1]
}

// NoMatchMessage is used when an admitted request finds nothing in the catalog
const NoMatchMessage = "I couldn't find parts that match that request. Tell me the appliance type, the brand, and any part or model number you have, and I can help with refrigerators and dishwashers."
