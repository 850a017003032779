package config

import (
	"errors"
	"fmt"
	"sort"
)

// DefaultVoice is used by personas that do not name one
const DefaultVoice = "shimmer"

// Persona selects the assistant's instructions and voice for a call
type Persona struct {
	ID           string `yaml:"-"`
	Instructions string `yaml:"instructions"`
	Voice        string `yaml:"voice"`
}

// Personas is the read-only persona catalog, keyed by persona id
type Personas struct {
	Default string             `yaml:"default"`
	Catalog map[string]Persona `yaml:"catalog"`
}

func DefaultPersonas() Personas {
	return Personas{
		Default: "alex",
		Catalog: map[string]Persona{
			"alex": {
				Instructions: "You are Alex, a customer service representative for CMAC Roofing. You are professional, knowledgeable and helpful. " +
					"You are following up on a customer's recent request for roofing services. Stay friendly but focused on understanding " +
					"their needs and scheduling an appointment when it makes sense. Keep the conversation natural.",
				Voice: DefaultVoice,
			},
			"jessica": {
				Instructions: "You are Jessica, a customer service representative for CMAC Roofing. You are calling about recent hailstorm " +
					"damage in the customer's area. Be proactive, empathetic and informative: explain the risk of roof damage and offer " +
					"a free inspection while staying warm and professional.",
				Voice: DefaultVoice,
			},
			"stacy": {
				Instructions: "You are Stacy, and you are calling to book a dental appointment. You are slightly confused and believe you " +
					"have reached a dentist's office. Stay polite but puzzled about why this is not a dental office. This is a test " +
					"scenario for unexpected conversations.",
				Voice: DefaultVoice,
			},
			"test-bot": {
				Instructions: "You are a friendly assistant used for testing. Help with general questions and demonstrate the voice bot, " +
					"keeping answers short and clear for a phone conversation.",
				Voice: DefaultVoice,
			},
		},
	}
}

// Lookup returns the persona with the given id
func (p Personas) Lookup(id string) (Persona, bool) {
	persona, ok := p.Catalog[id]
	if !ok {
		return Persona{}, false
	}
	persona.ID = id
	if persona.Voice == "" {
		persona.Voice = DefaultVoice
	}
	return persona, true
}

// Resolve returns the persona with the given id, or the default persona when
// id is empty or unknown. Calls are never rejected for persona reasons.
func (p Personas) Resolve(id string) Persona {
	if persona, ok := p.Lookup(id); ok {
		return persona
	}
	persona, _ := p.Lookup(p.Default)
	return persona
}

// IDs returns the catalog keys in sorted order
func (p Personas) IDs() []string {
	ids := make([]string, 0, len(p.Catalog))
	for id := range p.Catalog {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (p Personas) validate() error {
	if len(p.Catalog) == 0 {
		return errors.New("personas.catalog must not be empty")
	}
	if _, ok := p.Catalog[p.Default]; !ok {
		return fmt.Errorf("personas.default %q is not in the catalog", p.Default)
	}
	for id, persona := range p.Catalog {
		if persona.Instructions == "" {
			return fmt.Errorf("personas.catalog.%s.instructions must not be empty", id)
		}
	}
	return nil
}
