// Package prompt builds the system instructions sent to the completion
// provider. Composition is pure: identical inputs give identical output.
package prompt

import (
	"fmt"
	"strings"

	"github.com/zhouzirui/rag-concierge/backend/internal/model/chat"
	"github.com/zhouzirui/rag-concierge/backend/internal/model/locale"
)

// WindowSize is the number of non-system turns forwarded to the model.
const WindowSize = 5

// Persona names the assistant and the business it speaks for.
type Persona struct {
	AssistantName string
	Company       string
	// TriageName is the assistant name used on the social channel.
	TriageName string
	// TriageCompany is the business name used on the social channel.
	TriageCompany string
}

// DefaultPersona is used when configuration leaves the persona empty.
func DefaultPersona() Persona {
	return Persona{
		AssistantName: "Asistente de JN Marketing Strategy",
		Company:       "JN Marketing Strategy",
		TriageName:    "Jane",
		TriageCompany: "The Marketing Firm",
	}
}

func (p Persona) withDefaults() Persona {
	d := DefaultPersona()
	if strings.TrimSpace(p.AssistantName) == "" {
		p.AssistantName = d.AssistantName
	}
	if strings.TrimSpace(p.Company) == "" {
		p.Company = d.Company
	}
	if strings.TrimSpace(p.TriageName) == "" {
		p.TriageName = d.TriageName
	}
	if strings.TrimSpace(p.TriageCompany) == "" {
		p.TriageCompany = d.TriageCompany
	}
	return p
}

// Composition is the system message plus the trimmed conversation window.
type Composition struct {
	System chat.Message
	Window []chat.Message
}

// Messages returns the system message followed by the window.
func (c Composition) Messages() []chat.Message {
	out := make([]chat.Message, 0, len(c.Window)+1)
	out = append(out, c.System)
	return append(out, c.Window...)
}

// Composer renders system instructions from the localization bundle.
type Composer struct {
	bundle  *locale.Bundle
	persona Persona
}

// NewComposer creates a composer. Empty persona fields take DefaultPersona values.
func NewComposer(bundle *locale.Bundle, persona Persona) *Composer {
	return &Composer{bundle: bundle, persona: persona.withDefaults()}
}

// Window drops system messages and keeps the last size entries in order.
func Window(history []chat.Message, size int) []chat.Message {
	filtered := make([]chat.Message, 0, len(history))
	for _, msg := range history {
		if msg.Role == chat.RoleSystem {
			continue
		}
		filtered = append(filtered, msg)
	}
	if size < 0 {
		size = 0
	}
	if len(filtered) > size {
		filtered = filtered[len(filtered)-size:]
	}
	return filtered
}

// Compose builds the web-channel instruction for language and trims window.
// The privacy clause is present only when the client has not yet submitted
// contact details.
func (c *Composer) Compose(window []chat.Message, context, language string, clientSubmitted bool) Composition {
	return Composition{
		System: chat.SystemMessage(c.SystemPrompt(context, language, clientSubmitted)),
		Window: Window(window, WindowSize),
	}
}

// SystemPrompt renders the web-channel instruction text.
func (c *Composer) SystemPrompt(context, language string, clientSubmitted bool) string {
	s := c.bundle.Resolve(language)

	var privacy string
	if !clientSubmitted {
		privacy = PrivacyClause(c.persona.Company, s)
	}

	return fmt.Sprintf(`You are "%s", a warm and friendly assistant at "%s." Always greet users kindly when they start a conversation, making them feel welcome. Respond in %s, keeping your replies polite, concise (under 150 words), and informative based on the provided context.

If the requested information is not found in the given context, respond with: "%s"

Strictly do not use public information to answer any questions. If asked, respond with: "%s"

If a user inquires about legal support, representation, or contacting someone from the agency, ask: "%s" If they confirm, say: "%s".  %s

Maintain a smooth and helpful experience for the user at all times.

%s`,
		c.persona.AssistantName,
		c.persona.Company,
		s.Name,
		s.NoContext,
		s.PublicInfoRefusal,
		s.LeadQuestion,
		s.LeadAcknowledgment,
		privacy,
		contextBlock(context),
	)
}

// PrivacyClause is the instruction withheld from clients that already
// submitted their contact details.
func PrivacyClause(company string, s locale.Strings) string {
	return fmt.Sprintf("If a user asks for private information (location, information about owner, any contact details) about %s, say: %s", company, s.DelayedResponse)
}

// ComposeLeadTriage builds the social-channel instruction that either answers
// from context or replies with the lead sentinel.
func (c *Composer) ComposeLeadTriage(question, context, language string) Composition {
	s := c.bundle.Resolve(language)

	system := fmt.Sprintf(`You are %s, a friendly and helpful assistant at "%s." Greet users warmly when they initiate a conversation. Respond to all questions politely and informatively based on the provided context, answering in %s. Ensure each response is concise, under 75 words.

If a user requests legal support or information about representation, say exactly, "%s".

If you don't have specific information, provide a plausible response while staying within the guidelines. To improve client experience, collect information from the prospect as part of the process. Always ensure the process is smooth and helpful.

Do not use any special formatting, such as bold, italics, or symbols like **, *, _, or ~. Present all text in plain format.

%s`,
		c.persona.TriageName,
		c.persona.TriageCompany,
		s.Name,
		LeadSentinel,
		contextBlock(context),
	)

	return Composition{
		System: chat.SystemMessage(system),
		Window: []chat.Message{chat.UserMessage(question)},
	}
}

// LeadSentinel is the exact reply the triage instruction asks for on lead intent.
const LeadSentinel = "this is a lead"

// ContextMarker opens the delimited context block.
const ContextMarker = "CONTEXT: "

func contextBlock(context string) string {
	return "-----\n" + ContextMarker + context + "\n\n-----------\nANSWER:\n"
}
