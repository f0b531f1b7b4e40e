// Package cards builds and serializes agent capability manifests.
//
// Internally agents are described by models.AgentCard; on the discovery
// surface cards travel as JSON-LD documents with schema.org context. The
// two shapes differ only in casing and the @context/@type envelope, and
// convert losslessly in both directions.
package cards

import (
	"encoding/json"
	"strings"

	"github.com/agentdeck/agentdeck/pkg/models"
)

const (
	// ContextSchemaOrg is the JSON-LD @context on every published card.
	ContextSchemaOrg = "https://schema.org"

	// TypeAIAgent is the JSON-LD @type on every published card.
	TypeAIAgent = "AIAgent"
)

// Build assembles a fully populated card for a hosted agent.
// customSkills and customDescription may be nil/empty; defaults apply.
func Build(agentID, baseURL, path string, customSkills []models.Skill, customDescription string) models.AgentCard {
	description := customDescription
	if description == "" {
		description = "AgentDeck agent " + agentID
	}

	skills := customSkills
	if len(skills) == 0 {
		skills = []models.Skill{{
			ID:          agentID,
			Name:        agentID,
			Description: description,
			InputModes:  []string{"text"},
			OutputModes: []string{"text", "tool_calls"},
		}}
	}

	return models.AgentCard{
		Name:        agentID,
		Description: description,
		URL:         JoinURL(baseURL, path),
		Version:     models.AAPProtocolVersion,
		Skills:      skills,
		Capabilities: models.Capabilities{
			Streaming:         true,
			PushNotifications: false,
			StateTransfer:     false,
		},
		DefaultInputModes:  []string{"text"},
		DefaultOutputModes: []string{"text", "tool_calls"},
	}
}

// JoinURL joins a base URL and a path with exactly one slash between them,
// whatever trailing/leading slashes the inputs carry.
func JoinURL(base, path string) string {
	base = strings.TrimRight(base, "/")
	path = strings.TrimLeft(path, "/")
	if path == "" {
		return base
	}
	return base + "/" + path
}

// ── JSON-LD Document ─────────────────────────────────────────

// DocumentSkill is the camelCase JSON-LD rendering of one skill.
type DocumentSkill struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	InputModes  []string `json:"inputModes,omitempty"`
	OutputModes []string `json:"outputModes,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// DocumentCapabilities is the camelCase JSON-LD rendering of capabilities.
type DocumentCapabilities struct {
	Streaming         bool `json:"streaming"`
	PushNotifications bool `json:"pushNotifications"`
	StateTransfer     bool `json:"stateTransfer"`
}

// Document is the published JSON-LD form of an agent card.
type Document struct {
	Context            string               `json:"@context"`
	Type               string               `json:"@type"`
	Name               string               `json:"name"`
	Description        string               `json:"description,omitempty"`
	URL                string               `json:"url"`
	Version            string               `json:"version"`
	Capabilities       DocumentCapabilities `json:"capabilities"`
	Skills             []DocumentSkill      `json:"skills,omitempty"`
	DefaultInputModes  []string             `json:"defaultInputModes,omitempty"`
	DefaultOutputModes []string             `json:"defaultOutputModes,omitempty"`
}

// ToDocument renders a card as a JSON-LD document.
func ToDocument(card models.AgentCard) Document {
	doc := Document{
		Context:     ContextSchemaOrg,
		Type:        TypeAIAgent,
		Name:        card.Name,
		Description: card.Description,
		URL:         card.URL,
		Version:     card.Version,
		Capabilities: DocumentCapabilities{
			Streaming:         card.Capabilities.Streaming,
			PushNotifications: card.Capabilities.PushNotifications,
			StateTransfer:     card.Capabilities.StateTransfer,
		},
		DefaultInputModes:  card.DefaultInputModes,
		DefaultOutputModes: card.DefaultOutputModes,
	}
	for _, s := range card.Skills {
		doc.Skills = append(doc.Skills, DocumentSkill{
			ID:          s.ID,
			Name:        s.Name,
			Description: s.Description,
			InputModes:  s.InputModes,
			OutputModes: s.OutputModes,
			Tags:        s.Tags,
		})
	}
	return doc
}

// FromDocument converts a parsed JSON-LD document back into a card. The
// registry-owned fields (Module, External, timestamps) are zero; discovery
// fills them in at registration time.
func FromDocument(doc Document) models.AgentCard {
	card := models.AgentCard{
		Name:        doc.Name,
		Description: doc.Description,
		URL:         doc.URL,
		Version:     doc.Version,
		Capabilities: models.Capabilities{
			Streaming:         doc.Capabilities.Streaming,
			PushNotifications: doc.Capabilities.PushNotifications,
			StateTransfer:     doc.Capabilities.StateTransfer,
		},
		DefaultInputModes:  doc.DefaultInputModes,
		DefaultOutputModes: doc.DefaultOutputModes,
	}
	for _, s := range doc.Skills {
		card.Skills = append(card.Skills, models.Skill{
			ID:          s.ID,
			Name:        s.Name,
			Description: s.Description,
			InputModes:  s.InputModes,
			OutputModes: s.OutputModes,
			Tags:        s.Tags,
		})
	}
	return card
}

// MarshalCard serializes a card as a JSON-LD document.
func MarshalCard(card models.AgentCard) ([]byte, error) {
	return json.Marshal(ToDocument(card))
}

// UnmarshalCard parses a JSON-LD document into a card.
func UnmarshalCard(data []byte) (models.AgentCard, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return models.AgentCard{}, err
	}
	return FromDocument(doc), nil
}
