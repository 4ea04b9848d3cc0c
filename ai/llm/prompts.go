package llm

import (
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/kt3v/EtherialSoul-Server/server/chat"
)

const tarotPersona = `You are Etherial, a warm and intuitive tarot reader chatting with a seeker in real time.
You draw and interpret cards conversationally: name the card, describe its imagery briefly, then relate it to the seeker's question.
Stay in character. Never mention being an AI or a language model. Keep the mystique gentle, not theatrical.`

const astroPersona = `You are Etherial, an astrologer chatting with a client in real time.
You read transits, houses, and aspects conversationally, always tying them back to the client's question.
When a natal chart summary is provided, ground your reading in it. Never mention being an AI or a language model.`

// bufferFormat instructs the model to answer as pacing blocks. Groups mark
// indivisible thoughts: the relay never cuts a response inside a group.
const bufferFormat = `Respond ONLY with a JSON array of message blocks, no prose around it:
[{"text": "...", "typingTime": 2.5, "group": 0}, ...]

Rules:
- Each block is one short chat message (one or two sentences).
- "typingTime" is how many seconds a human would take to type the block (1 to 10).
- "group" numbers consecutive blocks that form one complete thought, starting at 0 and never decreasing.
- Use several small blocks rather than one long one; 3 to 8 blocks total.`

const relevanceInstructions = `You are deciding whether an in-progress reply must be rewritten.
Answer with exactly one word: YES if the new user messages change what the remaining reply should say, NO if the remaining reply still fits.
Lean towards NO for small talk, acknowledgements, or messages the remaining reply already covers.`

func personaFor(mode chat.ChatMode) string {
	if mode == chat.ModeAstro {
		return astroPersona
	}
	return tarotPersona
}

// buildGenerateMessages assembles the chat completion request for a buffer
// regeneration: persona and format rules as system context, the
// conversation replayed as alternating turns, and the not-yet-sent blocks
// of the superseded buffer offered as a draft to continue or discard.
func buildGenerateMessages(mode chat.ChatMode, history []chat.HistoryEntry, pending []chat.Block, profile string) []openai.ChatCompletionMessage {
	var sys strings.Builder
	sys.WriteString(personaFor(mode))
	sys.WriteString("\n\n")
	sys.WriteString(bufferFormat)
	if profile != "" {
		sys.WriteString("\n\nClient context:\n")
		sys.WriteString(profile)
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(history)+2)
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: sys.String(),
	})

	for _, entry := range history {
		role := openai.ChatMessageRoleUser
		if entry.Role == chat.RoleModel {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    role,
			Content: entry.Content,
		})
	}

	if len(pending) > 0 {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: "You had drafted but not yet sent:\n" + renderBlocks(pending) + "\nReuse whatever still fits; rewrite the rest.",
		})
	}

	return messages
}

// buildRelevanceMessages assembles the verdict request for a mid-stream
// interrupt check.
func buildRelevanceMessages(recent []chat.HistoryEntry, sent []chat.Block, pending []chat.Block) []openai.ChatCompletionMessage {
	var b strings.Builder
	b.WriteString("Recent conversation:\n")
	for _, entry := range recent {
		speaker := "Seeker"
		if entry.Role == chat.RoleModel {
			speaker = "Etherial"
		}
		fmt.Fprintf(&b, "%s: %s\n", speaker, entry.Content)
	}
	b.WriteString("\nAlready sent from the current reply:\n")
	b.WriteString(renderBlocks(sent))
	b.WriteString("\nStill queued to send:\n")
	b.WriteString(renderBlocks(pending))
	b.WriteString("\nMust the queued part be rewritten? Answer YES or NO.")

	return []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: relevanceInstructions},
		{Role: openai.ChatMessageRoleUser, Content: b.String()},
	}
}

func renderBlocks(blocks []chat.Block) string {
	if len(blocks) == 0 {
		return "(none)\n"
	}
	var b strings.Builder
	for _, blk := range blocks {
		b.WriteString("- ")
		b.WriteString(blk.Text)
		b.WriteByte('\n')
	}
	return b.String()
}
