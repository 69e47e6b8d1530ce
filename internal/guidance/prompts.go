package guidance

import (
	"fmt"
	"strings"

	"github.com/accordhq/accord/internal/models"
)

// formatTranscript renders a session transcript for synthesis input.
func formatTranscript(sess *models.ConversationSession) string {
	var sb strings.Builder
	for _, m := range sess.Messages {
		switch m.Role {
		case models.MessageRoleAI:
			sb.WriteString("Counselor: ")
		default:
			sb.WriteString("Partner: ")
		}
		sb.WriteString(m.Content)
		sb.WriteString("\n")
	}
	return sb.String()
}

// modeInstructions tailors the output format to the conflict's
// guidance mode.
func modeInstructions(mode models.GuidanceMode) string {
	switch mode {
	case models.GuidanceModeConversational:
		return "Write in a warm, flowing conversational tone, as if speaking directly to them."
	case models.GuidanceModeTest:
		return "Return a single short paragraph. This conflict is in test mode."
	default:
		return "Structure the guidance as: 1) what you heard, 2) underlying needs, 3) concrete suggestions."
	}
}

// buildIndividualPrompt constructs the synthesis input for one
// partner's private exploration transcript.
func buildIndividualPrompt(c *models.Conflict, sess *models.ConversationSession) (system string, prior []PromptMessage) {
	system = `You are a couples counselor. One partner has privately narrated their side of a relationship conflict. Write personalized guidance for that partner based only on their own account.

Rules:
- Address the partner directly
- Validate their feelings without taking sides against the other partner
- Never speculate about what the other partner said; you have not seen their account
- ` + modeInstructions(c.GuidanceMode)

	var sb strings.Builder
	sb.WriteString("Conflict: ")
	sb.WriteString(c.Title)
	sb.WriteString("\n\nTheir account:\n\n")
	sb.WriteString(formatTranscript(sess))
	sb.WriteString("\nWrite their guidance now.")

	prior = []PromptMessage{{Role: "user", Content: sb.String()}}
	return
}

// buildJointPrompt constructs the synthesis input combining both
// partners' transcripts, labeled by requesting partner vs other.
func buildJointPrompt(c *models.Conflict, own, other *models.ConversationSession) (system string, prior []PromptMessage) {
	system = `You are a couples counselor. Both partners have privately narrated their sides of a conflict. Write guidance for the requesting partner, informed by both accounts.

Rules:
- Address the requesting partner directly
- Use the other partner's account to add perspective, not ammunition
- Do not quote the other partner's private words verbatim
- Surface shared ground and the needs underneath each position
- ` + modeInstructions(c.GuidanceMode)

	var sb strings.Builder
	sb.WriteString("Conflict: ")
	sb.WriteString(c.Title)
	sb.WriteString("\n\nRequesting partner's account:\n\n")
	sb.WriteString(formatTranscript(own))
	sb.WriteString("\nOther partner's account:\n\n")
	sb.WriteString(formatTranscript(other))
	sb.WriteString("\nWrite the requesting partner's guidance now.")

	prior = []PromptMessage{{Role: "user", Content: sb.String()}}
	return
}

// buildSynthesisPrompt constructs the opening message input for the
// shared relationship session, drawing on both explorations and both
// partners' joint-context guidance.
func buildSynthesisPrompt(c *models.Conflict, a, b *models.ConversationSession, guidanceA, guidanceB string) (system string, prior []PromptMessage) {
	system = `You are a couples counselor opening a joint conversation. Both partners have finished private explorations and each has received guidance. Write the opening message for their shared session.

Rules:
- Address both partners together
- Name the conflict neutrally and reflect what matters to each of them
- Do not reveal anything one partner said that the other has not been shown
- End with one concrete question for them to discuss together
- ` + modeInstructions(c.GuidanceMode)

	var sb strings.Builder
	fmt.Fprintf(&sb, "Conflict: %s\n\n", c.Title)
	sb.WriteString("Partner A's account:\n\n")
	sb.WriteString(formatTranscript(a))
	sb.WriteString("\nPartner B's account:\n\n")
	sb.WriteString(formatTranscript(b))
	sb.WriteString("\nGuidance given to partner A:\n\n")
	sb.WriteString(guidanceA)
	sb.WriteString("\n\nGuidance given to partner B:\n\n")
	sb.WriteString(guidanceB)
	sb.WriteString("\n\nWrite the shared opening message now.")

	prior = []PromptMessage{{Role: "user", Content: sb.String()}}
	return
}
